package storage

import (
	"context"
	"errors"

	"github.com/example/food-dispatch/internal/models"
)

// ErrConflict means the stored record changed since it was read, or already exists.
var ErrConflict = errors.New("storage conflict")

// TrackingStore persists OrderTrackingState. Update is conditional on the caller's Version
// being the stored one; the stored Version is then incremented.
type TrackingStore interface {
	Create(ctx context.Context, s models.OrderTrackingState) error
	Get(ctx context.Context, orderID string) (models.OrderTrackingState, error)
	Update(ctx context.Context, s models.OrderTrackingState) (models.OrderTrackingState, error)
}

// DriverStore is the driver registry consulted by assignment.
type DriverStore interface {
	Get(ctx context.Context, driverID string) (models.Driver, error)
	Upsert(ctx context.Context, d models.Driver) error
	// Reserve atomically moves an active, available driver to assigned for orderID.
	Reserve(ctx context.Context, driverID, orderID string) error
	SetStatus(ctx context.Context, driverID string, status models.DriverStatus, orderID string) error
	// ListAvailable returns the active, available drivers ordered by id.
	ListAvailable(ctx context.Context) ([]models.Driver, error)
}
