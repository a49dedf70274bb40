// Package tracking keeps each driver's current position and streams it to the subscribers of
// the order the driver is delivering.
package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/example/food-dispatch/internal/geo"
	"github.com/example/food-dispatch/internal/models"
	"github.com/example/food-dispatch/internal/notify"
	"github.com/example/food-dispatch/internal/observability"
)

type UpdateKind string

const (
	KindPosition UpdateKind = "position"
	KindStale    UpdateKind = "stale"
	KindETA      UpdateKind = "eta"
	KindStatus   UpdateKind = "status"
)

// Update is one message on an order's tracking topic.
type Update struct {
	Kind     UpdateKind               `json:"type"`
	OrderID  string                   `json:"order_id"`
	Position *models.DriverPosition   `json:"position,omitempty"`
	Stale    bool                     `json:"stale"`
	Status   models.OrderStatus       `json:"status,omitempty"`
	Estimate *models.DeliveryEstimate `json:"estimate,omitempty"`
	At       time.Time                `json:"at"`
}

// Fix is a driver's current position as seen by readers.
type Fix struct {
	Position models.DriverPosition `json:"position"`
	Stale    bool                  `json:"stale"`
}

// Report tells the caller what happened to a position report.
type Report struct {
	Applied    bool   // false when a strictly newer position was already stored
	OrderID    string // order the driver is attached to, if any
	Recomputed bool   // the ETA recompute hook fired
}

// Sink receives every applied position, e.g. a stream producer.
type Sink interface {
	PublishPosition(ctx context.Context, p models.DriverPosition) error
}

// RecomputeFunc is invoked when a report crosses the recompute threshold for an attached order.
type RecomputeFunc func(ctx context.Context, orderID string, p models.DriverPosition)

type Config struct {
	StaleAfter         time.Duration
	RecomputeDistanceM float64
	RecomputeInterval  time.Duration
	SubscriberBuffer   int
	Shards             int
}

func DefaultConfig() Config {
	return Config{
		StaleAfter:         2 * time.Minute,
		RecomputeDistanceM: 100,
		RecomputeInterval:  30 * time.Second,
		SubscriberBuffer:   16,
		Shards:             32,
	}
}

type driverState struct {
	pos           models.DriverPosition
	hasPos        bool
	orderID       string
	anchor        models.Coordinate
	anchored      bool
	lastRecompute time.Time
	staleNotified bool
}

type topic struct {
	driverID string
	subs     map[uint64]*Subscription
}

type shard struct {
	mu      sync.Mutex
	drivers map[string]*driverState
	topics  map[string]*topic
}

// Broadcaster implements reportPosition and subscribe. Drivers and topics are spread over
// independently locked shards.
type Broadcaster struct {
	cfg       Config
	shards    []*shard
	now       func() time.Time
	logger    *slog.Logger
	sink      Sink
	notifier  notify.Notifier
	recompute RecomputeFunc

	idMu   sync.Mutex
	nextID uint64
}

type Option func(*Broadcaster)

func WithClock(now func() time.Time) Option { return func(b *Broadcaster) { b.now = now } }
func WithLogger(l *slog.Logger) Option      { return func(b *Broadcaster) { b.logger = l } }
func WithSink(s Sink) Option                { return func(b *Broadcaster) { b.sink = s } }
func WithNotifier(n notify.Notifier) Option { return func(b *Broadcaster) { b.notifier = n } }
func WithConfig(c Config) Option            { return func(b *Broadcaster) { b.cfg = c } }

func NewBroadcaster(opts ...Option) *Broadcaster {
	b := &Broadcaster{cfg: DefaultConfig(), now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(b)
	}
	def := DefaultConfig()
	if b.cfg.StaleAfter <= 0 {
		b.cfg.StaleAfter = def.StaleAfter
	}
	if b.cfg.RecomputeDistanceM <= 0 {
		b.cfg.RecomputeDistanceM = def.RecomputeDistanceM
	}
	if b.cfg.RecomputeInterval <= 0 {
		b.cfg.RecomputeInterval = def.RecomputeInterval
	}
	if b.cfg.SubscriberBuffer <= 0 {
		b.cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if b.cfg.Shards <= 0 {
		b.cfg.Shards = def.Shards
	}
	b.shards = make([]*shard, b.cfg.Shards)
	for i := range b.shards {
		b.shards[i] = &shard{drivers: make(map[string]*driverState), topics: make(map[string]*topic)}
	}
	return b
}

// OnRecompute installs the hook fired by ReportPosition. It must be set before reports flow.
func (b *Broadcaster) OnRecompute(f RecomputeFunc) { b.recompute = f }

func (b *Broadcaster) shardFor(key string) *shard {
	return b.shards[xxhash.Sum64String(key)%uint64(len(b.shards))]
}

func (b *Broadcaster) stale(p models.DriverPosition, now time.Time) bool {
	return now.Sub(p.ObservedAt) > b.cfg.StaleAfter
}

func validatePosition(p models.DriverPosition) error {
	if p.DriverID == "" {
		return fmt.Errorf("%w: driver id required", models.ErrValidation)
	}
	if err := geo.ValidateCoordinate(p.Coordinate); err != nil {
		return err
	}
	if p.HeadingDeg < 0 || p.HeadingDeg >= 360 {
		return fmt.Errorf("%w: heading must be in [0, 360)", models.ErrValidation)
	}
	if p.SpeedKmh < 0 || p.AccuracyM < 0 {
		return fmt.Errorf("%w: speed and accuracy must be >= 0", models.ErrValidation)
	}
	return nil
}

// ReportPosition stores p as the driver's current position unless a newer one is already held.
// A zero ObservedAt is stamped with the current time.
func (b *Broadcaster) ReportPosition(ctx context.Context, p models.DriverPosition) (Report, error) {
	if err := validatePosition(p); err != nil {
		observability.PositionsReported.WithLabelValues("invalid").Inc()
		return Report{}, err
	}
	now := b.now()
	if p.ObservedAt.IsZero() {
		p.ObservedAt = now
	}

	s := b.shardFor(p.DriverID)
	s.mu.Lock()
	st, ok := s.drivers[p.DriverID]
	if !ok {
		st = &driverState{}
		s.drivers[p.DriverID] = st
	}
	if st.hasPos && p.ObservedAt.Before(st.pos.ObservedAt) {
		s.mu.Unlock()
		observability.PositionsReported.WithLabelValues("out_of_order").Inc()
		return Report{Applied: false, OrderID: st.orderID}, nil
	}
	st.pos, st.hasPos, st.staleNotified = p, true, false
	rep := Report{Applied: true, OrderID: st.orderID}
	if rep.OrderID != "" {
		switch {
		case !st.anchored:
			rep.Recomputed = true
			observability.ETARecomputes.WithLabelValues("first_fix").Inc()
		case geo.DistanceMeters(st.anchor, p.Coordinate) > b.cfg.RecomputeDistanceM:
			rep.Recomputed = true
			observability.ETARecomputes.WithLabelValues("distance").Inc()
		case now.Sub(st.lastRecompute) > b.cfg.RecomputeInterval:
			rep.Recomputed = true
			observability.ETARecomputes.WithLabelValues("interval").Inc()
		}
		if rep.Recomputed {
			st.anchor, st.anchored, st.lastRecompute = p.Coordinate, true, now
		}
	}
	s.mu.Unlock()
	observability.PositionsReported.WithLabelValues("applied").Inc()

	if b.sink != nil {
		if err := b.sink.PublishPosition(ctx, p); err != nil {
			b.logger.Warn("position sink publish failed", "driver_id", p.DriverID, "error", err)
		}
	}
	if rep.OrderID == "" {
		return rep, nil
	}

	pos := p
	b.Publish(rep.OrderID, Update{Kind: KindPosition, Position: &pos, Stale: b.stale(p, now), At: now})
	if b.notifier != nil {
		e := notify.NewEvent(notify.EventDriverLocation, rep.OrderID, now, p)
		if err := b.notifier.Notify(ctx, e); err != nil {
			b.logger.Warn("driver location notification failed", "order_id", rep.OrderID, "error", err)
		}
	}
	if rep.Recomputed && b.recompute != nil {
		b.recompute(ctx, rep.OrderID, p)
	}
	return rep, nil
}

// Current returns the driver's position and whether it has aged past the freshness threshold.
func (b *Broadcaster) Current(driverID string) (Fix, bool) {
	s := b.shardFor(driverID)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.drivers[driverID]
	if !ok || !st.hasPos {
		return Fix{}, false
	}
	return Fix{Position: st.pos, Stale: b.stale(st.pos, b.now())}, true
}

// Attach routes driverID's future positions to orderID's topic.
func (b *Broadcaster) Attach(orderID, driverID string) {
	s := b.shardFor(driverID)
	s.mu.Lock()
	st, ok := s.drivers[driverID]
	if !ok {
		st = &driverState{}
		s.drivers[driverID] = st
	}
	st.orderID = orderID
	st.anchored = false
	s.mu.Unlock()

	ts := b.shardFor(orderID)
	ts.mu.Lock()
	ts.topicLocked(orderID).driverID = driverID
	ts.mu.Unlock()
}

// Detach stops routing driverID's positions to any order.
func (b *Broadcaster) Detach(driverID string) {
	s := b.shardFor(driverID)
	s.mu.Lock()
	var orderID string
	if st, ok := s.drivers[driverID]; ok {
		orderID = st.orderID
		st.orderID = ""
		st.anchored = false
	}
	s.mu.Unlock()
	if orderID == "" {
		return
	}
	ts := b.shardFor(orderID)
	ts.mu.Lock()
	if t, ok := ts.topics[orderID]; ok && t.driverID == driverID {
		t.driverID = ""
	}
	ts.mu.Unlock()
}

// MarkRecomputed resets the recompute anchor after an ETA recomputation done elsewhere.
func (b *Broadcaster) MarkRecomputed(driverID string, at models.Coordinate, when time.Time) {
	s := b.shardFor(driverID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.drivers[driverID]; ok {
		st.anchor, st.anchored, st.lastRecompute = at, true, when
	}
}

func (s *shard) topicLocked(orderID string) *topic {
	t, ok := s.topics[orderID]
	if !ok {
		t = &topic{subs: make(map[uint64]*Subscription)}
		s.topics[orderID] = t
	}
	return t
}

// Subscribe opens a stream of orderID's updates. The current driver position, if known, is
// delivered first.
func (b *Broadcaster) Subscribe(orderID string) *Subscription {
	b.idMu.Lock()
	b.nextID++
	id := b.nextID
	b.idMu.Unlock()

	ch := make(chan Update, b.cfg.SubscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, id: id, orderID: orderID, b: b}

	ts := b.shardFor(orderID)
	ts.mu.Lock()
	t := ts.topicLocked(orderID)
	t.subs[id] = sub
	driverID := t.driverID
	ts.mu.Unlock()
	observability.Subscribers.Inc()

	if driverID != "" {
		if fix, ok := b.Current(driverID); ok {
			pos := fix.Position
			sub.send(Update{Kind: KindPosition, OrderID: orderID, Position: &pos, Stale: fix.Stale, At: b.now()})
		}
	}
	return sub
}

// Publish delivers u to every subscriber of orderID without blocking; a full subscriber
// loses its oldest pending update.
func (b *Broadcaster) Publish(orderID string, u Update) {
	u.OrderID = orderID
	if u.At.IsZero() {
		u.At = b.now()
	}
	ts := b.shardFor(orderID)
	ts.mu.Lock()
	t, ok := ts.topics[orderID]
	var subs []*Subscription
	if ok {
		subs = make([]*Subscription, 0, len(t.subs))
		for _, s := range t.subs {
			subs = append(subs, s)
		}
	}
	ts.mu.Unlock()
	for _, s := range subs {
		if s.send(u) {
			observability.SubscriberDrops.Inc()
			b.logger.Warn("tracking update dropped for slow subscriber", "order_id", orderID)
		}
	}
}

// CloseTopic ends every subscription of orderID.
func (b *Broadcaster) CloseTopic(orderID string) {
	ts := b.shardFor(orderID)
	ts.mu.Lock()
	t, ok := ts.topics[orderID]
	delete(ts.topics, orderID)
	ts.mu.Unlock()
	if !ok {
		return
	}
	for _, s := range t.subs {
		s.close()
	}
}

func (b *Broadcaster) unsubscribe(orderID string, id uint64) {
	ts := b.shardFor(orderID)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if t, ok := ts.topics[orderID]; ok {
		delete(t.subs, id)
	}
}

// CheckStale publishes a single stale update for every attached driver whose position has aged
// past the threshold since its last report.
func (b *Broadcaster) CheckStale() int {
	now := b.now()
	type hit struct {
		orderID string
		pos     models.DriverPosition
	}
	var hits []hit
	for _, s := range b.shards {
		s.mu.Lock()
		for _, st := range s.drivers {
			if st.orderID == "" || !st.hasPos || st.staleNotified || !b.stale(st.pos, now) {
				continue
			}
			st.staleNotified = true
			hits = append(hits, hit{orderID: st.orderID, pos: st.pos})
		}
		s.mu.Unlock()
	}
	for _, h := range hits {
		pos := h.pos
		b.Publish(h.orderID, Update{Kind: KindStale, Position: &pos, Stale: true, At: now})
	}
	return len(hits)
}

// RunStaleMonitor calls CheckStale every interval until ctx is done.
func (b *Broadcaster) RunStaleMonitor(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := b.CheckStale(); n > 0 {
				b.logger.Info("stale driver positions flagged", "count", n)
			}
		}
	}
}
