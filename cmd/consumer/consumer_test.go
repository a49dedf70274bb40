package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/food-dispatch/internal/ingest"
)

// fakeMirror implements PositionMirror for tests
type fakeMirror struct {
	fail    int // number of times to fail before succeeding
	calls   int
	applied bool
}

func (f *fakeMirror) Apply(ctx context.Context, m ingest.LocationMessage) (bool, error) {
	f.calls++
	if f.calls <= f.fail {
		return false, errors.New("redis down")
	}
	return f.applied, nil
}

func testMessage() ingest.LocationMessage {
	return ingest.LocationMessage{DriverID: "d1", Lat: 10.77, Lng: 106.70, ObservedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeMirror{fail: 2, applied: true}
	start := time.Now()
	applied, err := applyWithRetry(context.Background(), f, testMessage(), 3, 10*time.Millisecond)
	if err != nil || !applied {
		t.Fatalf("expected success, got applied=%v err=%v", applied, err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected doubling backoff between attempts")
	}
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeMirror{fail: 5}
	if _, err := applyWithRetry(context.Background(), f, testMessage(), 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("calls = %d", f.calls)
	}
}

func TestApplyWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &fakeMirror{fail: 5}
	if _, err := applyWithRetry(ctx, f, testMessage(), 3, time.Hour); err == nil {
		t.Fatal("expected error")
	}
	if f.calls != 1 {
		t.Fatalf("calls = %d", f.calls)
	}
}

func TestHandleMessageSkipsInvalidPayload(t *testing.T) {
	f := &fakeMirror{applied: true}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handleMessage(context.Background(), f, []byte(`{"driver_id":""}`), 3, time.Millisecond, logger)
	if f.calls != 0 {
		t.Fatalf("invalid message reached the mirror")
	}
	handleMessage(context.Background(), f, []byte(`{"driver_id":"d1","lat":10,"lng":106,"observed_at":"2024-05-01T12:00:00Z"}`), 3, time.Millisecond, logger)
	if f.calls != 1 {
		t.Fatalf("calls = %d", f.calls)
	}
}
