package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/food-dispatch/internal/dispatch"
	"github.com/example/food-dispatch/internal/matcher"
	"github.com/example/food-dispatch/internal/models"
	"github.com/example/food-dispatch/internal/nearby"
	"github.com/example/food-dispatch/internal/notify"
	"github.com/example/food-dispatch/internal/tracking"
)

type PositionReporter interface {
	ReportPosition(ctx context.Context, p models.DriverPosition) (tracking.Report, error)
}

type NearbyFinder interface {
	FindNearby(ctx context.Context, q nearby.Query) ([]nearby.Result, error)
}

// Orders is the dispatch coordinator surface exposed over HTTP.
type Orders interface {
	Open(ctx context.Context, req dispatch.OpenRequest) (models.OrderTrackingState, error)
	Advance(ctx context.Context, orderID string, to models.OrderStatus) (models.OrderTrackingState, error)
	AssignDriver(ctx context.Context, orderID, driverID string) (models.OrderTrackingState, error)
	RespondToAssignment(ctx context.Context, orderID, driverID string, accept bool) (models.OrderTrackingState, error)
	Cancel(ctx context.Context, orderID string, by models.Party) (models.OrderTrackingState, error)
	Get(ctx context.Context, orderID string) (models.OrderTrackingState, error)
	GetEstimatedDeliveryTime(ctx context.Context, orderID string) (models.DeliveryEstimate, error)
	Subscribe(ctx context.Context, orderID string) (*tracking.Subscription, error)
}

// Catalog receives restaurant catalog changes pushed by the catalog service.
type Catalog interface {
	Upsert(ctx context.Context, r models.RestaurantSummary) error
	Remove(ctx context.Context, id string) error
}

// Ranker proposes drivers for an order's pickup point.
type Ranker interface {
	Rank(ctx context.Context, pickup models.Coordinate) ([]matcher.Candidate, error)
}

type DriverRegistry interface {
	Get(ctx context.Context, driverID string) (models.Driver, error)
	Upsert(ctx context.Context, d models.Driver) error
}

// Deps are the collaborators a Server routes to. Catalog, Drivers, Ranker and Ready are optional.
type Deps struct {
	Positions PositionReporter
	Nearby    NearbyFinder
	Orders    Orders
	Catalog   Catalog
	Drivers   DriverRegistry
	Ranker    Ranker
	Parties   *notify.WSRegistry
	Ready     func(ctx context.Context) error
	Logger    *slog.Logger

	// OnCatalogChange runs after every catalog write, e.g. to drop cached nearby results.
	OnCatalogChange func()
}

type Server struct {
	positions PositionReporter
	nearby    NearbyFinder
	orders    Orders
	catalog   Catalog
	drivers   DriverRegistry
	ranker    Ranker
	parties   *notify.WSRegistry
	ready     func(ctx context.Context) error
	changed   func()
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	mux       *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Parties == nil {
		d.Parties = notify.NewWSRegistry()
	}
	s := &Server{
		positions: d.Positions,
		nearby:    d.Nearby,
		orders:    d.Orders,
		catalog:   d.Catalog,
		drivers:   d.Drivers,
		ranker:    d.Ranker,
		parties:   d.Parties,
		ready:     d.Ready,
		changed:   d.OnCatalogChange,
		logger:    d.Logger,
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/drivers/{driver_id}/location", s.handleDriverLocation).Methods(http.MethodPost)
	api.HandleFunc("/restaurants/nearby", s.handleNearby).Methods(http.MethodGet)
	if s.catalog != nil {
		api.HandleFunc("/restaurants/{restaurant_id}", s.handleUpsertRestaurant).Methods(http.MethodPut)
		api.HandleFunc("/restaurants/{restaurant_id}", s.handleRemoveRestaurant).Methods(http.MethodDelete)
	}
	if s.drivers != nil {
		api.HandleFunc("/drivers/{driver_id}", s.handleUpsertDriver).Methods(http.MethodPut)
	}
	api.HandleFunc("/orders", s.handleOpenOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{order_id}", s.handleGetOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{order_id}/eta", s.handleGetETA).Methods(http.MethodGet)
	api.HandleFunc("/orders/{order_id}/status", s.handleAdvance).Methods(http.MethodPost)
	api.HandleFunc("/orders/{order_id}/assign", s.handleAssign).Methods(http.MethodPost)
	api.HandleFunc("/orders/{order_id}/assignment", s.handleAssignmentResponse).Methods(http.MethodPost)
	api.HandleFunc("/orders/{order_id}/cancel", s.handleCancel).Methods(http.MethodPost)
	if s.ranker != nil {
		api.HandleFunc("/orders/{order_id}/candidates", s.handleCandidates).Methods(http.MethodGet)
	}

	s.mux.HandleFunc("/ws/orders/{order_id}/tracking", s.handleTrackingWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/ws/parties/{party}/{id}", s.handlePartyWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type locationRequest struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	HeadingDeg float64   `json:"heading_deg"`
	SpeedKmh   float64   `json:"speed_kmh"`
	AccuracyM  float64   `json:"accuracy_m"`
	ObservedAt time.Time `json:"observed_at"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if !s.decode(w, r, &req) {
		return
	}
	rep, err := s.positions.ReportPosition(r.Context(), models.DriverPosition{
		DriverID:   mux.Vars(r)["driver_id"],
		Coordinate: models.Coordinate{Lat: req.Lat, Lng: req.Lng},
		HeadingDeg: req.HeadingDeg,
		SpeedKmh:   req.SpeedKmh,
		AccuracyM:  req.AccuracyM,
		ObservedAt: req.ObservedAt,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"applied": rep.Applied, "eta_recomputed": rep.Recomputed})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q, err := parseNearbyQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	results, err := s.nearby.FindNearby(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
}

func parseNearbyQuery(r *http.Request) (nearby.Query, error) {
	v := r.URL.Query()
	var q nearby.Query
	var err error
	if q.Origin.Lat, err = requiredFloat(v.Get("lat"), "lat"); err != nil {
		return q, err
	}
	if q.Origin.Lng, err = requiredFloat(v.Get("lng"), "lng"); err != nil {
		return q, err
	}
	q.RadiusKm = 5
	if raw := v.Get("radius_km"); raw != "" {
		if q.RadiusKm, err = requiredFloat(raw, "radius_km"); err != nil {
			return q, err
		}
	}
	if raw := v.Get("min_rating"); raw != "" {
		if q.Filters.MinRating, err = requiredFloat(raw, "min_rating"); err != nil {
			return q, err
		}
	}
	if raw := v.Get("open_now"); raw != "" {
		if q.Filters.OpenNow, err = strconv.ParseBool(raw); err != nil {
			return q, fmt.Errorf("%w: open_now must be a boolean", models.ErrValidation)
		}
	}
	if raw := v.Get("limit"); raw != "" {
		if q.Limit, err = strconv.Atoi(raw); err != nil {
			return q, fmt.Errorf("%w: limit must be an integer", models.ErrValidation)
		}
	}
	q.Filters.Category = v.Get("category")
	q.Sort = nearby.SortKey(v.Get("sort"))
	q.CustomerID = v.Get("customer_id")
	return q, nil
}

func requiredFloat(raw, name string) (float64, error) {
	if raw == "" {
		return 0, fmt.Errorf("%w: %s is required", models.ErrValidation, name)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number", models.ErrValidation, name)
	}
	return f, nil
}

func (s *Server) handleUpsertRestaurant(w http.ResponseWriter, r *http.Request) {
	var rs models.RestaurantSummary
	if !s.decode(w, r, &rs) {
		return
	}
	rs.ID = mux.Vars(r)["restaurant_id"]
	if err := s.catalog.Upsert(r.Context(), rs); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.catalogChanged()
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) handleRemoveRestaurant(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Remove(r.Context(), mux.Vars(r)["restaurant_id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.catalogChanged()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) catalogChanged() {
	if s.changed != nil {
		s.changed()
	}
}

func (s *Server) handleUpsertDriver(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status models.DriverStatus `json:"status"`
		Active bool                `json:"active"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	switch req.Status {
	case models.DriverOffline, models.DriverAvailable:
	default:
		s.writeError(w, r, fmt.Errorf("%w: status must be offline or available", models.ErrValidation))
		return
	}
	d := models.Driver{ID: mux.Vars(r)["driver_id"], Status: req.Status, Active: req.Active}
	// a driver holding an order is released only by the order lifecycle
	if cur, err := s.drivers.Get(r.Context(), d.ID); err == nil && cur.OrderID != "" {
		s.writeError(w, r, fmt.Errorf("%w: driver %s is on order %s", models.ErrDriverUnavailable, d.ID, cur.OrderID))
		return
	}
	if err := s.drivers.Upsert(r.Context(), d); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleOpenOrder(w http.ResponseWriter, r *http.Request) {
	var req dispatch.OpenRequest
	if !s.decode(w, r, &req) {
		return
	}
	st, err := s.orders.Open(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	st, err := s.orders.Get(r.Context(), mux.Vars(r)["order_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetETA(w http.ResponseWriter, r *http.Request) {
	est, err := s.orders.GetEstimatedDeliveryTime(r.Context(), mux.Vars(r)["order_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status models.OrderStatus `json:"status"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	st, err := s.orders.Advance(r.Context(), mux.Vars(r)["order_id"], req.Status)
	s.respondState(w, r, st, err)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string `json:"driver_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	st, err := s.orders.AssignDriver(r.Context(), mux.Vars(r)["order_id"], req.DriverID)
	s.respondState(w, r, st, err)
}

func (s *Server) handleAssignmentResponse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string `json:"driver_id"`
		Accept   *bool  `json:"accept"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Accept == nil {
		s.writeError(w, r, fmt.Errorf("%w: accept is required", models.ErrValidation))
		return
	}
	st, err := s.orders.RespondToAssignment(r.Context(), mux.Vars(r)["order_id"], req.DriverID, *req.Accept)
	s.respondState(w, r, st, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CancelledBy string `json:"cancelled_by"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	by, err := models.ParseCancelledBy(req.CancelledBy)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	st, err := s.orders.Cancel(r.Context(), mux.Vars(r)["order_id"], by)
	s.respondState(w, r, st, err)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	st, err := s.orders.Get(r.Context(), mux.Vars(r)["order_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if st.Status.Terminal() || st.DriverID != "" {
		s.writeError(w, r, fmt.Errorf("%w: order %s is %s and needs no driver", models.ErrValidation, st.OrderID, st.Status))
		return
	}
	cands, err := s.ranker.Rank(r.Context(), st.RestaurantLocation)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": st.OrderID, "candidates": cands})
}

func (s *Server) respondState(w http.ResponseWriter, r *http.Request, st models.OrderTrackingState, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

const maxBodyBytes = 1 << 20

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid body: %v", models.ErrValidation, err))
		return false
	}
	return true
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

const codeInternal = "internal"

// StatusFor maps the error taxonomy onto HTTP status codes.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, models.ErrDriverUnavailable):
		return http.StatusConflict, "driver_unavailable"
	case errors.Is(err, models.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, "upstream_timeout"
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)
	noteErrorCode(r, code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code, RequestID: requestIDFromContext(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
