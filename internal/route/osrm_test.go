package route

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/example/food-dispatch/internal/models"
)

func TestOSRMRoute(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"distance":9421.3,"duration":1180.5,"geometry":"_p~iF~ps|U"}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL + "/")
	r, err := c.Route(context.Background(), origin, dest, models.ModeBicycling)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(gotPath, "/route/v1/cycling/106.700000,10.800000;106.630000,10.820000") {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if r.DistanceMeters != 9421.3 || r.DurationSeconds != 1180.5 || r.Polyline != "_p~iF~ps|U" {
		t.Fatalf("unexpected route %+v", r)
	}
}

func TestOSRMNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()
	if _, err := NewOSRMClient(srv.URL).Route(context.Background(), origin, dest, models.ModeDriving); err == nil {
		t.Fatal("expected error")
	}
}

func TestOSRMServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()
	if _, err := NewOSRMClient(srv.URL).Route(context.Background(), origin, dest, models.ModeDriving); err == nil {
		t.Fatal("expected error")
	}
}
