package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/food-dispatch/internal/observability"
)

const maxRequestIDLen = 128

// entityVars are the route variables copied onto every access log line.
var entityVars = []string{"order_id", "driver_id", "restaurant_id", "party", "id"}

// requestInfo is shared by the middleware chain and the handlers of one request.
type requestInfo struct {
	id        string
	errorCode string
}

type requestInfoKey struct{}

func (s *Server) registerMiddleware() {
	s.mux.Use(s.requestIDMiddleware)
	s.mux.Use(s.accessMiddleware)
	s.mux.Use(s.recoverMiddleware)
}

// requestIDMiddleware honours a caller's X-Request-ID when it is short and printable.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if !validRequestID(reqID) {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestInfoKey{}, &requestInfo{id: reqID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

// accessMiddleware records request metrics and one log line per request. Upgraded websocket
// connections are counted as sessions and kept out of the latency histogram.
func (s *Server) accessMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := routeTemplate(r)
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK, route: route}
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		status := strconv.Itoa(ww.status)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		if ww.upgraded {
			observability.WebsocketSessions.WithLabelValues(route).Dec()
		} else {
			observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())
		}

		args := []any{
			"method", r.Method,
			"route", route,
			"status", ww.status,
			"duration_ms", elapsed.Milliseconds(),
			"remote_addr", remoteIP(r),
		}
		vars := mux.Vars(r)
		for _, k := range entityVars {
			if v := vars[k]; v != "" {
				args = append(args, k, v)
			}
		}
		if info := requestInfoFrom(r.Context()); info != nil {
			args = append(args, "request_id", info.id)
			if info.errorCode != "" {
				args = append(args, "error_code", info.errorCode)
				observability.HTTPErrors.WithLabelValues(route, info.errorCode).Inc()
			}
		}
		msg := "http_request"
		if ww.upgraded {
			msg = "ws_session_closed"
		}
		level := slog.LevelInfo
		if ww.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, msg, args...)
	})
}

// recoverMiddleware turns a handler panic into the API's JSON internal error.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			reqID := requestIDFromContext(r.Context())
			s.logger.Error("panic recovered", "error", rec, "route", routeTemplate(r), "request_id", reqID)
			noteErrorCode(r, codeInternal)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: codeInternal, RequestID: reqID})
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status   int
	route    string
	upgraded bool
}

func (r *responseWriter) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the access wrapper.
func (r *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := h.Hijack()
	if err != nil {
		return nil, nil, err
	}
	r.status, r.upgraded = http.StatusSwitchingProtocols, true
	observability.WebsocketSessions.WithLabelValues(r.route).Inc()
	return conn, rw, nil
}

func requestInfoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(*requestInfo)
	return info
}

func requestIDFromContext(ctx context.Context) string {
	if info := requestInfoFrom(ctx); info != nil {
		return info.id
	}
	return ""
}

// noteErrorCode hands the API error code to the access log.
func noteErrorCode(r *http.Request, code string) {
	if info := requestInfoFrom(r.Context()); info != nil {
		info.errorCode = code
	}
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
