// Package dispatch owns the order delivery lifecycle: status transitions, driver assignment,
// estimate refreshes and the notifications each transition emits.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/food-dispatch/internal/geo"
	"github.com/example/food-dispatch/internal/keylock"
	"github.com/example/food-dispatch/internal/models"
	"github.com/example/food-dispatch/internal/notify"
	"github.com/example/food-dispatch/internal/observability"
	"github.com/example/food-dispatch/internal/storage"
	"github.com/example/food-dispatch/internal/tracking"
)

type Estimator interface {
	Estimate(ctx context.Context, origin, destination models.Coordinate, preparationMinutes int, now time.Time) (models.DeliveryEstimate, error)
}

// Tracker is the slice of the location broadcaster the coordinator drives.
type Tracker interface {
	Current(driverID string) (tracking.Fix, bool)
	Attach(orderID, driverID string)
	Detach(driverID string)
	MarkRecomputed(driverID string, at models.Coordinate, when time.Time)
	Publish(orderID string, u tracking.Update)
	Subscribe(orderID string) *tracking.Subscription
	CloseTopic(orderID string)
}

// OpenRequest registers a new order with the coordinator.
type OpenRequest struct {
	OrderID            string             `json:"order_id"`
	RestaurantID       string             `json:"restaurant_id"`
	CustomerID         string             `json:"customer_id"`
	CustomerLocation   models.Coordinate  `json:"customer_location"`
	RestaurantLocation models.Coordinate  `json:"restaurant_location"`
	PreparationMinutes int                `json:"preparation_minutes"`
	Status             models.OrderStatus `json:"status,omitempty"` // pending or confirmed; zero means confirmed
}

// Coordinator applies order transitions atomically per order. Unrelated orders never share a lock.
type Coordinator struct {
	orders    storage.TrackingStore
	drivers   storage.DriverStore
	estimator Estimator
	tracker   Tracker
	notifier  notify.Notifier
	locks     *keylock.Striped
	now       func() time.Time
	logger    *slog.Logger
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(c *Coordinator) { c.logger = l } }
func WithNotifier(n notify.Notifier) Option { return func(c *Coordinator) { c.notifier = n } }

func NewCoordinator(orders storage.TrackingStore, drivers storage.DriverStore, estimator Estimator, tracker Tracker, opts ...Option) *Coordinator {
	c := &Coordinator{
		orders:    orders,
		drivers:   drivers,
		estimator: estimator,
		tracker:   tracker,
		locks:     keylock.New(keylock.DefaultStripes),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Coordinator) Open(ctx context.Context, req OpenRequest) (models.OrderTrackingState, error) {
	if strings.TrimSpace(req.OrderID) == "" || req.RestaurantID == "" || req.CustomerID == "" {
		return models.OrderTrackingState{}, fmt.Errorf("%w: order, restaurant and customer ids are required", models.ErrValidation)
	}
	if err := geo.ValidateCoordinate(req.CustomerLocation); err != nil {
		return models.OrderTrackingState{}, fmt.Errorf("customer location: %w", err)
	}
	if err := geo.ValidateCoordinate(req.RestaurantLocation); err != nil {
		return models.OrderTrackingState{}, fmt.Errorf("restaurant location: %w", err)
	}
	if req.PreparationMinutes < 0 {
		return models.OrderTrackingState{}, fmt.Errorf("%w: preparation minutes must be >= 0", models.ErrValidation)
	}
	status := req.Status
	switch status {
	case 0:
		status = models.StatusConfirmed
	case models.StatusPending, models.StatusConfirmed:
	default:
		return models.OrderTrackingState{}, fmt.Errorf("%w: orders open as pending or confirmed", models.ErrValidation)
	}

	unlock := c.locks.Lock(req.OrderID)
	defer unlock()

	now := c.now()
	st := models.OrderTrackingState{
		OrderID:            req.OrderID,
		Status:             status,
		RestaurantID:       req.RestaurantID,
		CustomerID:         req.CustomerID,
		CustomerLocation:   req.CustomerLocation,
		RestaurantLocation: req.RestaurantLocation,
		PreparationMinutes: req.PreparationMinutes,
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	c.refreshEstimate(ctx, &st, st.RestaurantLocation, st.PreparationMinutes, now)
	if err := c.orders.Create(ctx, st); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return models.OrderTrackingState{}, fmt.Errorf("%w: order %s already exists", models.ErrValidation, req.OrderID)
		}
		return models.OrderTrackingState{}, err
	}
	observability.OrderTransitions.WithLabelValues(status.String()).Inc()
	c.emit(ctx, notify.EventStatusChanged, st, statusPayload(st), models.PartyCustomer, models.PartyRestaurant)
	return st, nil
}

// Advance applies a lifecycle transition that needs no driver decision. Assignment, the
// assignment response and cancellation have their own operations.
func (c *Coordinator) Advance(ctx context.Context, orderID string, to models.OrderStatus) (models.OrderTrackingState, error) {
	if !to.Valid() {
		return models.OrderTrackingState{}, fmt.Errorf("%w: unknown status", models.ErrValidation)
	}
	switch to {
	case models.StatusAssigned:
		return models.OrderTrackingState{}, fmt.Errorf("%w: use driver assignment to move to assigned", models.ErrValidation)
	case models.StatusCancelled:
		return models.OrderTrackingState{}, fmt.Errorf("%w: use cancel with cancelled_by", models.ErrValidation)
	}

	unlock := c.locks.Lock(orderID)
	defer unlock()

	st, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return models.OrderTrackingState{}, err
	}
	if !models.CanTransition(st.Status, to) || (st.Status == models.StatusAssigned && to == models.StatusReadyForPickup) {
		return st, &models.InvalidTransitionError{From: st.Status, To: to}
	}
	if to == models.StatusPickedUp && !st.DriverAccepted {
		return st, fmt.Errorf("driver has not accepted: %w", &models.InvalidTransitionError{From: st.Status, To: to})
	}

	now := c.now()
	next := st
	next.Status, next.UpdatedAt = to, now
	switch to {
	case models.StatusPreparing:
		c.refreshEstimate(ctx, &next, next.RestaurantLocation, next.PreparationMinutes, now)
	case models.StatusPickedUp, models.StatusOutForDelivery:
		origin := c.driverOrigin(&next)
		c.refreshEstimate(ctx, &next, origin, 0, now)
		c.tracker.MarkRecomputed(next.DriverID, origin, now)
		observability.ETARecomputes.WithLabelValues("transition").Inc()
	case models.StatusDelivered:
		next.Archived = true
	}

	if to == models.StatusDelivered && next.DriverID != "" {
		if err := c.drivers.SetStatus(ctx, next.DriverID, models.DriverAvailable, ""); err != nil {
			return st, fmt.Errorf("release driver: %w", err)
		}
	}
	saved, err := c.orders.Update(ctx, next)
	if err != nil {
		if to == models.StatusDelivered && next.DriverID != "" {
			c.restoreDriver(ctx, next.DriverID, models.DriverOnDelivery, orderID)
		}
		return st, err
	}
	observability.OrderTransitions.WithLabelValues(to.String()).Inc()

	c.tracker.Publish(orderID, tracking.Update{Kind: tracking.KindStatus, Status: to, Estimate: saved.Estimate, At: now})
	parties := []models.Party{models.PartyCustomer}
	if to == models.StatusPickedUp {
		parties = append(parties, models.PartyRestaurant)
	}
	c.emit(ctx, notify.EventStatusChanged, saved, statusPayload(saved), parties...)

	if to == models.StatusDelivered {
		c.finish(saved)
	}
	return saved, nil
}

// AssignDriver reserves driverID for a ready order. On DriverUnavailable the order stays
// ready_for_pickup and the caller decides which driver to try next.
func (c *Coordinator) AssignDriver(ctx context.Context, orderID, driverID string) (models.OrderTrackingState, error) {
	if strings.TrimSpace(driverID) == "" {
		return models.OrderTrackingState{}, fmt.Errorf("%w: driver id required", models.ErrValidation)
	}
	unlock := c.locks.Lock(orderID)
	defer unlock()

	st, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return models.OrderTrackingState{}, err
	}
	if !models.CanTransition(st.Status, models.StatusAssigned) {
		return st, &models.InvalidTransitionError{From: st.Status, To: models.StatusAssigned}
	}
	if err := c.drivers.Reserve(ctx, driverID, orderID); err != nil {
		return st, err
	}

	now := c.now()
	next := st
	next.Status, next.DriverID, next.DriverAccepted, next.UpdatedAt = models.StatusAssigned, driverID, false, now
	saved, err := c.orders.Update(ctx, next)
	if err != nil {
		c.restoreDriver(ctx, driverID, models.DriverAvailable, "")
		return st, err
	}
	observability.OrderTransitions.WithLabelValues(models.StatusAssigned.String()).Inc()

	c.tracker.Attach(orderID, driverID)
	c.tracker.Publish(orderID, tracking.Update{Kind: tracking.KindStatus, Status: models.StatusAssigned, At: now})
	c.emit(ctx, notify.EventDriverAssigned, saved, map[string]any{"driver_id": driverID},
		models.PartyCustomer, models.PartyRestaurant, models.PartyDriver)
	return saved, nil
}

// RespondToAssignment records the assigned driver's decision. Rejection returns the order to
// ready_for_pickup and frees the driver.
func (c *Coordinator) RespondToAssignment(ctx context.Context, orderID, driverID string, accept bool) (models.OrderTrackingState, error) {
	unlock := c.locks.Lock(orderID)
	defer unlock()

	st, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return models.OrderTrackingState{}, err
	}
	if st.Status != models.StatusAssigned {
		to := models.StatusReadyForPickup
		if accept {
			to = models.StatusAssigned
		}
		return st, &models.InvalidTransitionError{From: st.Status, To: to}
	}
	if st.DriverID != driverID {
		return st, fmt.Errorf("%w: driver %s is not assigned to order %s", models.ErrValidation, driverID, orderID)
	}
	if st.DriverAccepted {
		return st, fmt.Errorf("%w: assignment already accepted", models.ErrValidation)
	}

	now := c.now()
	next := st
	next.UpdatedAt = now
	if accept {
		next.DriverAccepted = true
		if err := c.drivers.SetStatus(ctx, driverID, models.DriverOnDelivery, orderID); err != nil {
			return st, err
		}
		saved, err := c.orders.Update(ctx, next)
		if err != nil {
			c.restoreDriver(ctx, driverID, models.DriverAssigned, orderID)
			return st, err
		}
		c.emit(ctx, notify.EventAssignmentAccepted, saved, map[string]any{"driver_id": driverID},
			models.PartyCustomer, models.PartyRestaurant)
		return saved, nil
	}

	next.Status, next.DriverID, next.DriverAccepted = models.StatusReadyForPickup, "", false
	next.LastDriverPosition, next.PositionStale = nil, false
	if err := c.drivers.SetStatus(ctx, driverID, models.DriverAvailable, ""); err != nil {
		return st, err
	}
	saved, err := c.orders.Update(ctx, next)
	if err != nil {
		c.restoreDriver(ctx, driverID, models.DriverAssigned, orderID)
		return st, err
	}
	observability.OrderTransitions.WithLabelValues(models.StatusReadyForPickup.String()).Inc()
	c.tracker.Detach(driverID)
	c.tracker.Publish(orderID, tracking.Update{Kind: tracking.KindStatus, Status: models.StatusReadyForPickup, At: now})
	c.emit(ctx, notify.EventAssignmentRejected, saved, map[string]any{"driver_id": driverID}, models.PartyRestaurant)
	return saved, nil
}

// Cancel ends a non-terminal order. The canceller is not notified of its own cancellation.
func (c *Coordinator) Cancel(ctx context.Context, orderID string, by models.Party) (models.OrderTrackingState, error) {
	switch by {
	case models.PartyCustomer, models.PartyRestaurant, models.PartySystem:
	default:
		return models.OrderTrackingState{}, fmt.Errorf("%w: cancelled_by must be customer, restaurant or system", models.ErrValidation)
	}
	unlock := c.locks.Lock(orderID)
	defer unlock()

	st, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return models.OrderTrackingState{}, err
	}
	if !models.CanTransition(st.Status, models.StatusCancelled) {
		return st, &models.InvalidTransitionError{From: st.Status, To: models.StatusCancelled}
	}

	now := c.now()
	next := st
	next.Status, next.CancelledBy, next.Archived, next.UpdatedAt = models.StatusCancelled, by, true, now
	if st.DriverID != "" {
		if err := c.drivers.SetStatus(ctx, st.DriverID, models.DriverAvailable, ""); err != nil {
			return st, fmt.Errorf("release driver: %w", err)
		}
	}
	saved, err := c.orders.Update(ctx, next)
	if err != nil {
		if st.DriverID != "" {
			prev := models.DriverAssigned
			if st.DriverAccepted {
				prev = models.DriverOnDelivery
			}
			c.restoreDriver(ctx, st.DriverID, prev, orderID)
		}
		return st, err
	}
	observability.OrderTransitions.WithLabelValues(models.StatusCancelled.String()).Inc()

	c.tracker.Publish(orderID, tracking.Update{Kind: tracking.KindStatus, Status: models.StatusCancelled, At: now})
	c.emit(ctx, notify.EventOrderCancelled, saved, map[string]any{"cancelled_by": by}, CancelAudience(by, st.DriverID != "")...)
	c.finish(saved)
	return saved, nil
}

// CancelAudience lists the parties told about a cancellation by by.
func CancelAudience(by models.Party, hasDriver bool) []models.Party {
	var out []models.Party
	for _, p := range []models.Party{models.PartyCustomer, models.PartyRestaurant, models.PartyDriver} {
		if p == by || (p == models.PartyDriver && !hasDriver) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Get returns the order with the driver's live position overlaid.
func (c *Coordinator) Get(ctx context.Context, orderID string) (models.OrderTrackingState, error) {
	st, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return models.OrderTrackingState{}, err
	}
	if st.DriverID != "" && !st.Status.Terminal() {
		if fix, ok := c.tracker.Current(st.DriverID); ok {
			pos := fix.Position
			st.LastDriverPosition, st.PositionStale = &pos, fix.Stale
		}
	}
	return st, nil
}

// GetEstimatedDeliveryTime returns the order's current estimate.
func (c *Coordinator) GetEstimatedDeliveryTime(ctx context.Context, orderID string) (models.DeliveryEstimate, error) {
	st, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return models.DeliveryEstimate{}, err
	}
	if st.Estimate != nil {
		return *st.Estimate, nil
	}
	origin := st.RestaurantLocation
	prep := st.PreparationMinutes
	if st.Status == models.StatusPickedUp || st.Status == models.StatusOutForDelivery {
		origin, prep = c.driverOrigin(&st), 0
	}
	return c.estimator.Estimate(ctx, origin, st.CustomerLocation, prep, c.now())
}

// Subscribe opens the live tracking stream of a non-terminal order.
// The order lock keeps a concurrent terminal transition from closing the topic between the
// status check and the subscription.
func (c *Coordinator) Subscribe(ctx context.Context, orderID string) (*tracking.Subscription, error) {
	unlock := c.locks.Lock(orderID)
	defer unlock()

	st, err := c.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if st.Status.Terminal() {
		return nil, fmt.Errorf("%w: order %s is %s", models.ErrValidation, orderID, st.Status)
	}
	return c.tracker.Subscribe(orderID), nil
}

// HandlePosition recomputes the estimate of an order in transit from the driver's new position.
// It is installed as the broadcaster's recompute hook.
func (c *Coordinator) HandlePosition(ctx context.Context, orderID string, p models.DriverPosition) {
	unlock := c.locks.Lock(orderID)
	defer unlock()

	st, err := c.orders.Get(ctx, orderID)
	if err != nil {
		c.logger.Warn("position for unknown order", "order_id", orderID, "error", err)
		return
	}
	if st.DriverID != p.DriverID || (st.Status != models.StatusPickedUp && st.Status != models.StatusOutForDelivery) {
		return
	}
	now := c.now()
	next := st
	pos := p
	next.LastDriverPosition, next.UpdatedAt = &pos, now
	c.refreshEstimate(ctx, &next, p.Coordinate, 0, now)
	saved, err := c.orders.Update(ctx, next)
	if err != nil {
		c.logger.Warn("persist recomputed estimate failed", "order_id", orderID, "error", err)
		return
	}
	c.tracker.Publish(orderID, tracking.Update{Kind: tracking.KindETA, Status: saved.Status, Estimate: saved.Estimate, At: now})
	c.emit(ctx, notify.EventETAUpdated, saved, saved.Estimate, models.PartyCustomer)
}

func (c *Coordinator) driverOrigin(st *models.OrderTrackingState) models.Coordinate {
	if st.DriverID != "" {
		if fix, ok := c.tracker.Current(st.DriverID); ok {
			pos := fix.Position
			st.LastDriverPosition, st.PositionStale = &pos, fix.Stale
			return fix.Position.Coordinate
		}
	}
	return st.RestaurantLocation
}

func (c *Coordinator) refreshEstimate(ctx context.Context, st *models.OrderTrackingState, origin models.Coordinate, prep int, now time.Time) {
	est, err := c.estimator.Estimate(ctx, origin, st.CustomerLocation, prep, now)
	if err != nil {
		c.logger.Warn("estimate refresh failed", "order_id", st.OrderID, "error", err)
		return
	}
	st.Estimate = &est
	st.EstimatedDeliveryAt = est.DeliverBy
}

func (c *Coordinator) restoreDriver(ctx context.Context, driverID string, status models.DriverStatus, orderID string) {
	if err := c.drivers.SetStatus(ctx, driverID, status, orderID); err != nil {
		c.logger.Error("restore driver status failed", "driver_id", driverID, "status", status, "error", err)
	}
}

// finish tears down live tracking for a terminal order.
func (c *Coordinator) finish(st models.OrderTrackingState) {
	if st.DriverID != "" {
		c.tracker.Detach(st.DriverID)
	}
	c.tracker.CloseTopic(st.OrderID)
}

func (c *Coordinator) emit(ctx context.Context, typ notify.EventType, st models.OrderTrackingState, payload any, parties ...models.Party) {
	if c.notifier == nil {
		return
	}
	var to []notify.Recipient
	for _, p := range parties {
		var id string
		switch p {
		case models.PartyCustomer:
			id = st.CustomerID
		case models.PartyRestaurant:
			id = st.RestaurantID
		case models.PartyDriver:
			id = st.DriverID
		}
		if id != "" {
			to = append(to, notify.Recipient{Party: p, ID: id})
		}
	}
	if err := c.notifier.Notify(ctx, notify.NewEvent(typ, st.OrderID, c.now(), payload, to...)); err != nil {
		c.logger.Warn("notification failed", "order_id", st.OrderID, "type", typ, "error", err)
	}
}

func statusPayload(st models.OrderTrackingState) map[string]any {
	p := map[string]any{"status": st.Status.String()}
	if st.Estimate != nil {
		p["estimate"] = st.Estimate
	}
	return p
}
