package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/food-dispatch/internal/models"
)

type MemoryTrackingStore struct {
	mu     sync.RWMutex
	orders map[string]models.OrderTrackingState
}

func NewMemoryTrackingStore() *MemoryTrackingStore {
	return &MemoryTrackingStore{orders: make(map[string]models.OrderTrackingState)}
}

func (m *MemoryTrackingStore) Create(_ context.Context, s models.OrderTrackingState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[s.OrderID]; ok {
		return fmt.Errorf("%w: order %s exists", ErrConflict, s.OrderID)
	}
	if s.Version == 0 {
		s.Version = 1
	}
	m.orders[s.OrderID] = s
	return nil
}

func (m *MemoryTrackingStore) Get(_ context.Context, orderID string) (models.OrderTrackingState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.orders[orderID]
	if !ok {
		return models.OrderTrackingState{}, fmt.Errorf("%w: order %s", models.ErrNotFound, orderID)
	}
	return s, nil
}

func (m *MemoryTrackingStore) Update(_ context.Context, s models.OrderTrackingState) (models.OrderTrackingState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[s.OrderID]
	if !ok {
		return models.OrderTrackingState{}, fmt.Errorf("%w: order %s", models.ErrNotFound, s.OrderID)
	}
	if cur.Version != s.Version {
		return models.OrderTrackingState{}, fmt.Errorf("%w: order %s version %d, have %d", ErrConflict, s.OrderID, cur.Version, s.Version)
	}
	s.Version++
	m.orders[s.OrderID] = s
	return s, nil
}

type MemoryDriverStore struct {
	mu      sync.Mutex
	drivers map[string]models.Driver
}

func NewMemoryDriverStore() *MemoryDriverStore {
	return &MemoryDriverStore{drivers: make(map[string]models.Driver)}
}

func (m *MemoryDriverStore) Get(_ context.Context, driverID string) (models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return models.Driver{}, fmt.Errorf("%w: driver %s", models.ErrNotFound, driverID)
	}
	return d, nil
}

func (m *MemoryDriverStore) Upsert(_ context.Context, d models.Driver) error {
	if d.ID == "" {
		return fmt.Errorf("%w: driver id required", models.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.ID] = d
	return nil
}

func (m *MemoryDriverStore) Reserve(_ context.Context, driverID, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return fmt.Errorf("%w: driver %s", models.ErrNotFound, driverID)
	}
	if !d.Active || d.Status != models.DriverAvailable {
		return fmt.Errorf("%w: driver %s is %s", models.ErrDriverUnavailable, driverID, d.Status)
	}
	d.Status, d.OrderID = models.DriverAssigned, orderID
	m.drivers[driverID] = d
	return nil
}

func (m *MemoryDriverStore) SetStatus(_ context.Context, driverID string, status models.DriverStatus, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[driverID]
	if !ok {
		return fmt.Errorf("%w: driver %s", models.ErrNotFound, driverID)
	}
	d.Status, d.OrderID = status, orderID
	m.drivers[driverID] = d
	return nil
}

func (m *MemoryDriverStore) ListAvailable(_ context.Context) ([]models.Driver, error) {
	m.mu.Lock()
	out := make([]models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		if d.Active && d.Status == models.DriverAvailable {
			out = append(out, d)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
