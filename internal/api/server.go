// Package api exposes the registry read path over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"carRegistry/internal/chain"
	"carRegistry/internal/metrics"
	"carRegistry/internal/model"
	"carRegistry/internal/notify"
	"carRegistry/internal/registry"
)

// CarLister is the read path served by /api/cars.
type CarLister interface {
	ListOwned(ctx context.Context, owner string, chainID uint64) ([]model.CarView, error)
}

type Config struct {
	// DefaultChainID answers requests that carry no chainId. Zero makes chainId required.
	DefaultChainID uint64
	// AllowedOrigins for the websocket upgrade. Empty allows any origin.
	AllowedOrigins []string
}

type Server struct {
	cfg      Config
	lister   CarLister
	events   notify.Subscriber
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer wires the handlers. events may be nil, in which case /api/events answers 503.
func NewServer(cfg Config, lister CarLister, events notify.Subscriber, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		lister: lister,
		events: events,
		logger: logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Router returns the HTTP handler with middleware applied.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, s.accessLogMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/cars", s.handleListCars).Methods(http.MethodGet)
	api.HandleFunc("/chains/{chainId}/owners/{owner}/cars", s.handleListCars).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	return r
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListCars(w http.ResponseWriter, r *http.Request) {
	owner, rawChain := mux.Vars(r)["owner"], mux.Vars(r)["chainId"]
	if owner == "" {
		owner = r.URL.Query().Get("owner")
	}
	if rawChain == "" {
		rawChain = r.URL.Query().Get("chainId")
	}
	if strings.TrimSpace(owner) == "" {
		writeJSON(w, http.StatusOK, []model.CarView{})
		return
	}

	chainID, err := s.chainID(rawChain)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	cars, err := s.lister.ListOwned(r.Context(), owner, chainID)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrInvalidOwner):
			writeError(w, r, http.StatusBadRequest, err.Error())
		case errors.Is(err, registry.ErrUnsupportedChain):
			writeError(w, r, http.StatusNotFound, err.Error())
		case errors.Is(err, context.Canceled):
			// client went away
		default:
			s.logger.Warn("list owned failed",
				zap.String("owner", owner),
				zap.Uint64("chain_id", chainID),
				zap.String("request_id", RequestID(r.Context())),
				zap.Error(err),
			)
			writeError(w, r, http.StatusBadGateway, upstreamMessage(err))
		}
		return
	}

	writeJSON(w, http.StatusOK, cars)
}

func (s *Server) chainID(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if s.cfg.DefaultChainID == 0 {
			return 0, errors.New("chainId is required")
		}
		return s.cfg.DefaultChainID, nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("chainId must be a positive integer")
	}
	return id, nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// upstreamMessage hides endpoint URLs from clients.
func upstreamMessage(err error) string {
	var exhausted *chain.ExhaustedError
	if errors.As(err, &exhausted) {
		return "registry read failed on all rpc endpoints"
	}
	return "registry read failed"
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, RequestID: RequestID(r.Context())})
}
