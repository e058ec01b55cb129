package status

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowpbx/rtprelay/internal/relay"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider satisfies Provider with canned numbers.
type fakeProvider struct{}

func (fakeProvider) ActiveSessionCount() int                { return 3 }
func (fakeProvider) SessionsCreated() uint64                { return 17 }
func (fakeProvider) AggregatePacketsForwarded() uint64      { return 1000 }
func (fakeProvider) AggregatePacketsDropped() uint64        { return 5 }
func (fakeProvider) AggregateBytesForwarded() uint64        { return 160000 }
func (fakeProvider) PortPairsInUse() int                    { return 6 }
func (fakeProvider) PortPairCapacity() int                  { return 15000 }
func (fakeProvider) StartTime() time.Time                   { return time.Now().Add(-time.Minute) }
func (fakeProvider) Snapshot() []relay.SessionInfo {
	return []relay.SessionInfo{{CallID: "call1", Tag: "tagA", Ports: [2]int{35000, 35002}}}
}

func TestStatusEndpoint(t *testing.T) {
	srv := httptest.NewServer(NewHandler(fakeProvider{}, nil, testLogger()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var sum Summary
	if err := json.NewDecoder(resp.Body).Decode(&sum); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	if sum.SessionsActive != 3 || sum.SessionsCreated != 17 || sum.PortPairsInUse != 6 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.UptimeSeconds < 59 {
		t.Errorf("uptime = %d, want about a minute", sum.UptimeSeconds)
	}
}

func TestSessionsEndpoint(t *testing.T) {
	srv := httptest.NewServer(NewHandler(fakeProvider{}, nil, testLogger()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sessions")
	if err != nil {
		t.Fatalf("GET /sessions: %v", err)
	}
	defer resp.Body.Close()

	var sessions []relay.SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		t.Fatalf("decoding sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].CallID != "call1" {
		t.Errorf("sessions = %+v", sessions)
	}
}

func TestRateLimiterBlocksBursts(t *testing.T) {
	rl := NewIPRateLimiter(RateLimitConfig{
		Rate:            rate.Limit(1),
		Burst:           2,
		CleanupInterval: time.Minute,
		MaxAge:          time.Minute,
	})
	defer rl.Stop()

	if !rl.Allow("192.0.2.1") || !rl.Allow("192.0.2.1") {
		t.Fatal("burst capacity rejected")
	}
	if rl.Allow("192.0.2.1") {
		t.Error("request beyond burst allowed")
	}
	// Another client has its own budget.
	if !rl.Allow("192.0.2.2") {
		t.Error("second client throttled by the first")
	}
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	rl := NewIPRateLimiter(RateLimitConfig{
		Rate:            rate.Limit(1),
		Burst:           1,
		CleanupInterval: time.Minute,
		MaxAge:          time.Minute,
	})
	defer rl.Stop()

	handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.RemoteAddr = "192.0.2.9:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}
