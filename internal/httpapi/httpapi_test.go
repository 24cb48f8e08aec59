package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	logx "dwellwatch/pkg/logx"
)

type fakeSampler struct {
	mu      sync.Mutex
	samples [][2]float64
}

func (f *fakeSampler) OnSample(lat, lon float64) {
	f.mu.Lock()
	f.samples = append(f.samples, [2]float64{lat, lon})
	f.mu.Unlock()
}

type fakeSink struct {
	mu           sync.Mutex
	delivered    []string
	interactions map[string]string
}

func newFakeSink() *fakeSink { return &fakeSink{interactions: map[string]string{}} }

func (f *fakeSink) OnDelivered(id string) {
	f.mu.Lock()
	f.delivered = append(f.delivered, id)
	f.mu.Unlock()
}

func (f *fakeSink) OnInteracted(id, action string) {
	f.mu.Lock()
	f.interactions[id] = action
	f.mu.Unlock()
}

func serve(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rr, req)
	return rr
}

func TestLocationIngestion(t *testing.T) {
	t.Parallel()
	sampler := &fakeSampler{}
	s := New(Config{}, sampler, newFakeSink(), nil, logx.Nop())

	rr := serve(s, http.MethodPost, "/v1/location", `{"latitude": 45.51, "longitude": -122.68}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body %s)", rr.Code, rr.Body.String())
	}
	if len(sampler.samples) != 1 || sampler.samples[0] != [2]float64{45.51, -122.68} {
		t.Fatalf("samples = %v", sampler.samples)
	}
}

func TestLocationValidation(t *testing.T) {
	t.Parallel()
	sampler := &fakeSampler{}
	s := New(Config{}, sampler, newFakeSink(), nil, logx.Nop())

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "latitude=45"},
		{name: "lat too big", body: `{"latitude": 91, "longitude": 0}`},
		{name: "lon too small", body: `{"latitude": 0, "longitude": -181}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(s, http.MethodPost, "/v1/location", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
		})
	}
	if len(sampler.samples) != 0 {
		t.Fatalf("invalid bodies reached the sampler: %v", sampler.samples)
	}
}

func TestDeliveryCallback(t *testing.T) {
	t.Parallel()
	sink := newFakeSink()
	s := New(Config{}, &fakeSampler{}, sink, nil, logx.Nop())

	rr := serve(s, http.MethodPost, "/v1/notifications/abc-123/delivered", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}
	if len(sink.delivered) != 1 || sink.delivered[0] != "abc-123" {
		t.Fatalf("delivered = %v", sink.delivered)
	}
}

func TestInteractionCallback(t *testing.T) {
	t.Parallel()
	sink := newFakeSink()
	s := New(Config{}, &fakeSampler{}, sink, nil, logx.Nop())

	rr := serve(s, http.MethodPost, "/v1/notifications/abc-123/interaction", `{"action": "open"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rr.Code)
	}
	if sink.interactions["abc-123"] != "open" {
		t.Fatalf("interactions = %v", sink.interactions)
	}

	rr = serve(s, http.MethodPost, "/v1/notifications/abc-123/interaction", "nope")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad body status = %d, want 400", rr.Code)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	status := func(context.Context) any {
		return map[string]any{"regions": 3}
	}
	s := New(Config{}, &fakeSampler{}, newFakeSink(), status, logx.Nop())

	rr := serve(s, http.MethodGet, "/v1/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("status body not JSON: %v", err)
	}
	if body["regions"] != float64(3) {
		t.Fatalf("status body = %v", body)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeSampler{}, newFakeSink(), nil, logx.Nop())
	rr := serve(s, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rr.Code, rr.Body.String())
	}
}
