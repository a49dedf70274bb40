package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/food-dispatch/internal/models"
)

const uniqueViolation = "23505"

// PostgresStore keeps order tracking state and the driver registry. The full tracking state is
// stored as JSONB next to the columns queried by operators.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Tracking returns the TrackingStore view.
func (p *PostgresStore) Tracking() *PostgresTrackingStore { return &PostgresTrackingStore{db: p.db} }

// Drivers returns the DriverStore view.
func (p *PostgresStore) Drivers() *PostgresDriverStore { return &PostgresDriverStore{db: p.db} }

type PostgresTrackingStore struct {
	db *sql.DB
}

func (t *PostgresTrackingStore) Create(ctx context.Context, s models.OrderTrackingState) error {
	if s.Version == 0 {
		s.Version = 1
	}
	state, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = t.db.ExecContext(ctx,
		`INSERT INTO order_tracking(order_id, status, driver_id, archived, version, state, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		s.OrderID, s.Status.String(), nullable(s.DriverID), s.Archived, s.Version, state, s.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: order %s exists", ErrConflict, s.OrderID)
	}
	return err
}

func (t *PostgresTrackingStore) Get(ctx context.Context, orderID string) (models.OrderTrackingState, error) {
	var raw []byte
	var version int
	err := t.db.QueryRowContext(ctx, `SELECT state, version FROM order_tracking WHERE order_id=$1`, orderID).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return models.OrderTrackingState{}, fmt.Errorf("%w: order %s", models.ErrNotFound, orderID)
	}
	if err != nil {
		return models.OrderTrackingState{}, err
	}
	var s models.OrderTrackingState
	if err := json.Unmarshal(raw, &s); err != nil {
		return models.OrderTrackingState{}, fmt.Errorf("decode order %s: %w", orderID, err)
	}
	s.Version = version
	return s, nil
}

func (t *PostgresTrackingStore) Update(ctx context.Context, s models.OrderTrackingState) (models.OrderTrackingState, error) {
	prev := s.Version
	s.Version++
	state, err := json.Marshal(s)
	if err != nil {
		return models.OrderTrackingState{}, err
	}
	res, err := t.db.ExecContext(ctx,
		`UPDATE order_tracking SET status=$1, driver_id=$2, archived=$3, version=$4, state=$5, updated_at=$6 WHERE order_id=$7 AND version=$8`,
		s.Status.String(), nullable(s.DriverID), s.Archived, s.Version, state, s.UpdatedAt, s.OrderID, prev)
	if err != nil {
		return models.OrderTrackingState{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := t.Get(ctx, s.OrderID); err != nil {
			return models.OrderTrackingState{}, err
		}
		return models.OrderTrackingState{}, fmt.Errorf("%w: order %s version %d", ErrConflict, s.OrderID, prev)
	}
	return s, nil
}

type PostgresDriverStore struct {
	db *sql.DB
}

func (d *PostgresDriverStore) Get(ctx context.Context, driverID string) (models.Driver, error) {
	var drv models.Driver
	var orderID sql.NullString
	err := d.db.QueryRowContext(ctx, `SELECT id, status, active, order_id FROM drivers WHERE id=$1`, driverID).
		Scan(&drv.ID, &drv.Status, &drv.Active, &orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Driver{}, fmt.Errorf("%w: driver %s", models.ErrNotFound, driverID)
	}
	if err != nil {
		return models.Driver{}, err
	}
	drv.OrderID = orderID.String
	return drv, nil
}

func (d *PostgresDriverStore) Upsert(ctx context.Context, drv models.Driver) error {
	if drv.ID == "" {
		return fmt.Errorf("%w: driver id required", models.ErrValidation)
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO drivers(id, status, active, order_id, updated_at) VALUES($1,$2,$3,$4,now())
		 ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, active=EXCLUDED.active, order_id=EXCLUDED.order_id, updated_at=now()`,
		drv.ID, string(drv.Status), drv.Active, nullable(drv.OrderID))
	return err
}

func (d *PostgresDriverStore) Reserve(ctx context.Context, driverID, orderID string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE drivers SET status=$1, order_id=$2, updated_at=now() WHERE id=$3 AND status=$4 AND active`,
		string(models.DriverAssigned), orderID, driverID, string(models.DriverAvailable))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	drv, err := d.Get(ctx, driverID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: driver %s is %s", models.ErrDriverUnavailable, driverID, drv.Status)
}

func (d *PostgresDriverStore) SetStatus(ctx context.Context, driverID string, status models.DriverStatus, orderID string) error {
	res, err := d.db.ExecContext(ctx, `UPDATE drivers SET status=$1, order_id=$2, updated_at=now() WHERE id=$3`,
		string(status), nullable(orderID), driverID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: driver %s", models.ErrNotFound, driverID)
	}
	return nil
}

func (d *PostgresDriverStore) ListAvailable(ctx context.Context) ([]models.Driver, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, status, active FROM drivers WHERE status=$1 AND active ORDER BY id`, string(models.DriverAvailable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Driver
	for rows.Next() {
		var drv models.Driver
		if err := rows.Scan(&drv.ID, &drv.Status, &drv.Active); err != nil {
			return nil, err
		}
		out = append(out, drv)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }
