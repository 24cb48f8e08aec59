// Package httpapi exposes the daemon's ingestion surface: location samples
// from the companion sensor app, and delivery/interaction callbacks from
// delivery channels that report over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	logx "dwellwatch/pkg/logx"
)

type Config struct {
	Listen string
}

// Sampler ingests location samples.
type Sampler interface {
	OnSample(lat, lon float64)
}

// PromptSink receives delivery/interaction callbacks.
type PromptSink interface {
	OnDelivered(id string)
	OnInteracted(id, action string)
}

// Status produces the JSON body of GET /v1/status.
type Status func(ctx context.Context) any

type Server struct {
	cfg    Config
	log    logx.Logger
	srv    *http.Server
	status Status
}

func New(cfg Config, sampler Sampler, sink PromptSink, status Status, log logx.Logger) *Server {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8787"
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	s := &Server{cfg: cfg, log: log, status: status}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/v1/location", s.handleLocation(sampler))
	r.Post("/v1/notifications/{id}/delivered", s.handleDelivered(sink))
	r.Post("/v1/notifications/{id}/interaction", s.handleInteraction(sink))
	r.Get("/v1/status", s.handleStatus)

	s.srv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until ctx is canceled. It blocks; run it in a goroutine.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shCtx)
	}()

	s.log.Info("http api listening", logx.String("addr", s.cfg.Listen))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type locationSample struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (s *Server) handleLocation(sampler Sampler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body locationSample
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid location sample")
			return
		}
		if body.Latitude < -90 || body.Latitude > 90 || body.Longitude < -180 || body.Longitude > 180 {
			writeError(w, http.StatusBadRequest, "coordinates out of range")
			return
		}
		sampler.OnSample(body.Latitude, body.Longitude)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func (s *Server) handleDelivered(sink PromptSink) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "missing identifier")
			return
		}
		sink.OnDelivered(id)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

type interactionBody struct {
	Action string `json:"action"`
}

func (s *Server) handleInteraction(sink PromptSink) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "missing identifier")
			return
		}
		var body interactionBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid interaction body")
			return
		}
		sink.OnInteracted(id, body.Action)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
		return
	}
	writeJSON(w, http.StatusOK, s.status(r.Context()))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
