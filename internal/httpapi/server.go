// Package httpapi exposes the daemon's local status and refetch surface.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/clinicstack/clinicsync/internal/clinicsync"
)

type Server struct {
	store      *clinicsync.Store
	subscriber *clinicsync.Subscriber
	logger     *logrus.Logger
}

func NewServer(store *clinicsync.Store, subscriber *clinicsync.Subscriber, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		store:      store,
		subscriber: subscriber,
		logger:     logger,
	}
}

type statusResponse struct {
	Tenant     string         `json:"tenant"`
	Loading    bool           `json:"loading"`
	Error      *string        `json:"error"`
	Counts     map[string]int `json:"counts"`
	FeedState  string         `json:"feedState"`
	Generation uint64         `json:"generation"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case r.URL.Path == "/v1/refetch" && r.Method == http.MethodPost:
		s.handleRefetch(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.store.Snapshot()
	counts := make(map[string]int, len(clinicsync.Kinds()))
	for _, kind := range clinicsync.Kinds() {
		counts[string(kind)] = snapshot.Count(kind)
	}
	var errMsg *string
	if msg := s.store.Err(); msg != "" {
		errMsg = &msg
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Tenant:     s.store.Tenant(),
		Loading:    s.store.Loading(),
		Error:      errMsg,
		Counts:     counts,
		FeedState:  s.subscriber.ChannelState().String(),
		Generation: s.store.Generation(),
	})
}

func (s *Server) handleRefetch(w http.ResponseWriter, r *http.Request) {
	if s.store.Tenant() == "" {
		writeError(w, http.StatusConflict, "no_tenant", "no active tenant")
		return
	}
	scope := r.URL.Query().Get("scope")
	var err error
	switch scope {
	case "", "all":
		err = s.store.Refetch(r.Context())
	case "inventory":
		err = s.store.RefetchInventory(r.Context())
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "unknown scope")
		return
	}
	if err != nil {
		s.logger.WithField("scope", scope).WithError(err).Error("refetch failed")
		writeError(w, http.StatusBadGateway, "refetch_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
