package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-grouping/internal/dispatch"
	"github.com/example/ride-grouping/internal/engine"
	"github.com/example/ride-grouping/internal/models"
)

type Server struct {
	engine *engine.Engine
	ws     *dispatch.WSRegistry
	ready  func(context.Context) error
	logger *slog.Logger
	mux    *mux.Router
}

type Options struct {
	Engine *engine.Engine
	WS     *dispatch.WSRegistry
	// Ready reports whether backing services are reachable. Nil means always ready.
	Ready  func(context.Context) error
	Logger *slog.Logger
}

func NewServer(o Options) *Server {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{engine: o.Engine, ws: o.WS, ready: o.Ready, logger: logger.With("component", "http"), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/requests", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}", s.handleCancel).Methods(http.MethodDelete)
	api.HandleFunc("/groups/{id}", s.handleGroup).Methods(http.MethodGet)
	api.HandleFunc("/groups/{id}/decisions", s.handleDecide).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws/requests/{id}", s.handleWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type submitBody struct {
	RequesterID   string        `json:"requester_id"`
	DedupeKey     string        `json:"dedupe_key"`
	Pickup        *models.Coord `json:"pickup"`
	Drop          *models.Coord `json:"drop"`
	Earliest      time.Time     `json:"earliest"`
	Latest        time.Time     `json:"latest"`
	RiderModeOnly bool          `json:"rider_mode_only"`
	FemaleOnly    bool          `json:"female_only"`
	TrustScore    float64       `json:"trust_score"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key := body.DedupeKey
	if h := r.Header.Get("Idempotency-Key"); h != "" {
		key = h
	}
	res, err := s.engine.Submit(r.Context(), engine.SubmitCommand{
		RequesterID:   body.RequesterID,
		DedupeKey:     key,
		Pickup:        body.Pickup,
		Drop:          body.Drop,
		Window:        models.Window{Earliest: body.Earliest, Latest: body.Latest},
		RiderModeOnly: body.RiderModeOnly,
		FemaleOnly:    body.FemaleOnly,
		TrustScore:    body.TrustScore,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]string{"request_id": res.RequestID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGroup(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.Group(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type decisionBody struct {
	RequestID string          `json:"request_id"`
	Decision  models.Decision `json:"decision"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var body decisionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.RequestID == "" {
		writeError(w, http.StatusBadRequest, "request_id is required")
		return
	}
	if err := s.engine.Decide(r.Context(), mux.Vars(r)["id"], body.RequestID, body.Decision); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	view, err := s.engine.Status(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if err := s.ws.Serve(r.Context(), conn, id, view); err != nil && !errors.Is(err, context.Canceled) {
		loggerFrom(r.Context(), s.logger).Debug("ws session ended", "request_id", id, "error", err)
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *engine.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrConstraintViolation):
		writeError(w, http.StatusConflict, err.Error())
	default:
		loggerFrom(r.Context(), s.logger).Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
