package models

import (
	"fmt"
	"time"
)

// OrderStatus is the delivery lifecycle state of an order.
type OrderStatus uint8

const (
	StatusPending OrderStatus = iota + 1
	StatusConfirmed
	StatusPreparing
	StatusReadyForPickup
	StatusAssigned
	StatusPickedUp
	StatusOutForDelivery
	StatusDelivered
	StatusCancelled
)

var statusNames = map[OrderStatus]string{
	StatusPending:        "pending",
	StatusConfirmed:      "confirmed",
	StatusPreparing:      "preparing",
	StatusReadyForPickup: "ready_for_pickup",
	StatusAssigned:       "assigned",
	StatusPickedUp:       "picked_up",
	StatusOutForDelivery: "out_for_delivery",
	StatusDelivered:      "delivered",
	StatusCancelled:      "cancelled",
}

// forward edges; cancelled is reachable from every non-terminal status and is handled in CanTransition.
var transitions = map[OrderStatus][]OrderStatus{
	StatusPending:        {StatusConfirmed},
	StatusConfirmed:      {StatusPreparing},
	StatusPreparing:      {StatusReadyForPickup},
	StatusReadyForPickup: {StatusAssigned},
	StatusAssigned:       {StatusPickedUp, StatusReadyForPickup},
	StatusPickedUp:       {StatusOutForDelivery},
	StatusOutForDelivery: {StatusDelivered},
}

func (s OrderStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Valid reports whether s is a declared status.
func (s OrderStatus) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
// assigned -> ready_for_pickup is the rejection edge and only the coordinator takes it.
func CanTransition(from, to OrderStatus) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseOrderStatus maps the wire name back to a status.
func ParseOrderStatus(v string) (OrderStatus, error) {
	for s, n := range statusNames {
		if n == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown status %q", ErrValidation, v)
}

func (s OrderStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: unknown status %d", ErrValidation, uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *OrderStatus) UnmarshalText(b []byte) error {
	v, err := ParseOrderStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Party is a notification audience member.
type Party string

const (
	PartyCustomer   Party = "customer"
	PartyRestaurant Party = "restaurant"
	PartyDriver     Party = "driver"
	PartySystem     Party = "system"
)

// ParseCancelledBy validates who may cancel an order.
func ParseCancelledBy(v string) (Party, error) {
	switch p := Party(v); p {
	case PartyCustomer, PartyRestaurant, PartySystem:
		return p, nil
	}
	return "", fmt.Errorf("%w: cancelled_by must be customer, restaurant or system", ErrValidation)
}

// DriverStatus is the dispatch availability of a driver.
type DriverStatus string

const (
	DriverOffline    DriverStatus = "offline"
	DriverAvailable  DriverStatus = "available"
	DriverAssigned   DriverStatus = "assigned"
	DriverOnDelivery DriverStatus = "on_delivery"
)

// Driver is the registry record consulted by assignment.
type Driver struct {
	ID      string       `json:"id"`
	Status  DriverStatus `json:"status"`
	Active  bool         `json:"active"`
	OrderID string       `json:"order_id,omitempty"`
}

// OrderTrackingState is the live delivery record of one order.
type OrderTrackingState struct {
	OrderID             string            `json:"order_id"`
	Status              OrderStatus       `json:"status"`
	RestaurantID        string            `json:"restaurant_id"`
	CustomerID          string            `json:"customer_id"`
	DriverID            string            `json:"driver_id,omitempty"`
	DriverAccepted      bool              `json:"driver_accepted"`
	CustomerLocation    Coordinate        `json:"customer_location"`
	RestaurantLocation  Coordinate        `json:"restaurant_location"`
	PreparationMinutes  int               `json:"preparation_minutes"`
	Estimate            *DeliveryEstimate `json:"estimate,omitempty"`
	EstimatedDeliveryAt time.Time         `json:"estimated_delivery_at"`
	LastDriverPosition  *DriverPosition   `json:"last_driver_position,omitempty"`
	PositionStale       bool              `json:"position_stale"`
	CancelledBy         Party             `json:"cancelled_by,omitempty"`
	Archived            bool              `json:"archived"`
	Version             int               `json:"version"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}
