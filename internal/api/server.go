// Package api exposes the monitor's control surface over HTTP and streams
// emitted events to WebSocket clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"optionwatch/internal/detector"
	"optionwatch/internal/logger"
	"optionwatch/internal/model"
	"optionwatch/internal/monitor"
)

// Server routes HTTP requests to the engine.
type Server struct {
	engine  *monitor.Engine
	hub     *Hub
	journal model.EventStore
	log     zerolog.Logger
	timeout time.Duration
}

// NewServer creates the HTTP control surface. hub and journal may be nil.
func NewServer(engine *monitor.Engine, hub *Hub, journal model.EventStore, log zerolog.Logger) *Server {
	return &Server{
		engine:  engine,
		hub:     hub,
		journal: journal,
		log:     log.With().Str("component", "api").Logger(),
		timeout: 10 * time.Second,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /api/v1/monitors", s.startMonitor)
	mux.HandleFunc("GET /api/v1/monitors", s.listMonitors)
	mux.HandleFunc("GET /api/v1/monitors/{instrument}", s.getMonitor)
	mux.HandleFunc("DELETE /api/v1/monitors/{instrument}", s.stopMonitor)
	mux.HandleFunc("POST /api/v1/monitors/{instrument}/support", s.addSupport)
	mux.HandleFunc("DELETE /api/v1/monitors/{instrument}/support", s.disableSupport)
	mux.HandleFunc("GET /api/v1/monitors/{instrument}/events", s.monitorEvents)
	mux.HandleFunc("POST /api/v1/candles", s.ingestCandle)

	if s.journal != nil {
		mux.HandleFunc("GET /api/v1/journal", s.listJournal)
	}
	if s.hub != nil {
		mux.HandleFunc("GET /ws/events", s.hub.ServeWS)
	}

	return withCORS(mux)
}

// withCORS sets CORS headers and answers preflight requests.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}

func (s *Server) startMonitor(w http.ResponseWriter, r *http.Request) {
	var req monitor.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Instrument == "" {
		writeError(w, http.StatusBadRequest, "instrument is required")
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	st, err := s.engine.Start(ctx, req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) listMonitors(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()
	list, err := s.engine.List(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	if list == nil {
		list = []monitor.Status{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getMonitor(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()
	st, err := s.engine.Status(ctx, r.PathValue("instrument"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) stopMonitor(w http.ResponseWriter, r *http.Request) {
	inst := r.PathValue("instrument")
	ctx, cancel := s.ctx(r)
	defer cancel()
	if err := s.engine.Stop(ctx, inst); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "instrument": inst})
}

func (s *Server) addSupport(w http.ResponseWriter, r *http.Request) {
	var spec monitor.LevelSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	lvl, err := s.engine.AddSupportLevel(ctx, r.PathValue("instrument"), spec)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, lvl)
}

func (s *Server) disableSupport(w http.ResponseWriter, r *http.Request) {
	price, err := strconv.ParseFloat(r.URL.Query().Get("price"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "price query parameter must be a number")
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	if err := s.engine.DisableSupportLevel(ctx, r.PathValue("instrument"), price); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "disabled", "price": price})
}

func (s *Server) monitorEvents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()
	h, err := s.engine.Events(ctx, r.PathValue("instrument"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// candleRequest is the inbound candle. Absent numeric fields stay 0.
type candleRequest struct {
	Instrument string    `json:"instrument"`
	Timestamp  time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
}

func (s *Server) ingestCandle(w http.ResponseWriter, r *http.Request) {
	var req candleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Instrument == "" || req.Timestamp.IsZero() {
		writeError(w, http.StatusBadRequest, "instrument and timestamp are required")
		return
	}
	if req.Volume < 0 {
		writeError(w, http.StatusBadRequest, "volume must not be negative")
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(req.Instrument, req.Timestamp))
	events, err := s.engine.Ingest(ctx, model.Candle{
		Instrument: req.Instrument,
		TS:         req.Timestamp,
		Open:       req.Open,
		High:       req.High,
		Low:        req.Low,
		Close:      req.Close,
		Volume:     req.Volume,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	if len(events) > 0 {
		log := logger.Ctx(ctx, s.log)
		log.Debug().Int("events", len(events)).Msg("candle produced events")
	}
	out := make([]model.Envelope, 0, len(events))
	for _, ev := range events {
		out = append(out, model.Wrap(ev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (s *Server) listJournal(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ctx, cancel := s.ctx(r)
	defer cancel()
	list, err := s.journal.ListEvents(ctx, r.URL.Query().Get("instrument"), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if list == nil {
		list = []model.Envelope{}
	}
	writeJSON(w, http.StatusOK, list)
}

// fail maps engine errors to HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, detector.ErrInvalidLevel):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, monitor.ErrStopped), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
