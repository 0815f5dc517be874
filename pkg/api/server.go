package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/retailstack/pos-agent/pkg/capture"
	"github.com/retailstack/pos-agent/pkg/contracts"
	"github.com/retailstack/pos-agent/pkg/store"
)

// StatusSource reports the live state of every capture loop.
type StatusSource interface {
	Statuses() []capture.Status
}

// Reader is the durable state the status surface reads. Satisfied by
// *store.SQLiteStore.
type Reader interface {
	ListRecent(ctx context.Context, n int) ([]*contracts.Transaction, error)
	GapAlerts(ctx context.Context, limit int) ([]contracts.GapAlert, error)
	Stats(ctx context.Context) (store.Stats, error)
	PendingCount(ctx context.Context, printerID string) (int64, error)
	LastTransactionAt(ctx context.Context, printerID string) (time.Time, bool, error)
}

// Server is the agent's local HTTP surface. Read-only except for the
// manual sync trigger; it binds to localhost by default and carries no
// auth of its own.
type Server struct {
	reader       Reader
	printers     StatusSource
	syncNow      func()
	backendCheck func(context.Context) bool
	log          *slog.Logger
	startedAt    time.Time
	router       *mux.Router
}

// NewServer wires the status routes. syncNow wakes the sync engine out of
// band; nil disables the trigger endpoint.
func NewServer(reader Reader, printers StatusSource, syncNow func()) *Server {
	s := &Server{
		reader:    reader,
		printers:  printers,
		syncNow:   syncNow,
		log:       slog.Default().With("component", "api"),
		startedAt: time.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/status/{printerID}", s.handlePrinterStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/transactions/recent", s.handleRecent).Methods(http.MethodGet)
	r.HandleFunc("/api/gaps", s.handleGaps).Methods(http.MethodGet)
	r.HandleFunc("/api/sync/now", s.handleSyncNow).Methods(http.MethodPost)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, "no such endpoint: "+r.URL.Path)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetBackendCheck attaches a backend reachability probe, reported by
// GET /api/status.
func (s *Server) SetBackendCheck(fn func(context.Context) bool) {
	s.backendCheck = fn
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// agentStatus is the GET /api/status body.
type agentStatus struct {
	Printers []capture.Status `json:"printers"`
	Store    store.Stats      `json:"store"`
	// BackendReachable is nil when no probe is configured.
	BackendReachable *bool `json:"backendReachable,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reader.Stats(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	statuses := s.printers.Statuses()
	if statuses == nil {
		statuses = []capture.Status{}
	}
	out := agentStatus{Printers: statuses, Store: stats}
	if s.backendCheck != nil {
		up := s.backendCheck(r.Context())
		out.BackendReachable = &up
	}
	writeJSON(w, http.StatusOK, out)
}

// printerStatus is the GET /api/status/{printerID} body: the live capture
// snapshot plus the durable backlog for that printer.
type printerStatus struct {
	capture.Status
	PendingSync       int64     `json:"pendingSync"`
	LastTransactionAt time.Time `json:"lastTransactionAt,omitzero"`
}

func (s *Server) handlePrinterStatus(w http.ResponseWriter, r *http.Request) {
	printerID := mux.Vars(r)["printerID"]
	for _, st := range s.printers.Statuses() {
		if st.PrinterID != printerID {
			continue
		}
		pending, err := s.reader.PendingCount(r.Context(), printerID)
		if err != nil {
			WriteInternal(w, err)
			return
		}
		out := printerStatus{Status: st, PendingSync: pending}
		if at, ok, err := s.reader.LastTransactionAt(r.Context(), printerID); err != nil {
			WriteInternal(w, err)
			return
		} else if ok {
			out.LastTransactionAt = at
		}
		writeJSON(w, http.StatusOK, out)
		return
	}
	WriteNotFound(w, "unknown printer: "+printerID)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	n, ok := queryInt(w, r, "n", 20)
	if !ok {
		return
	}
	txs, err := s.reader.ListRecent(r.Context(), n)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if txs == nil {
		txs = []*contracts.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (s *Server) handleGaps(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", 50)
	if !ok {
		return
	}
	alerts, err := s.reader.GapAlerts(r.Context(), limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if alerts == nil {
		alerts = []contracts.GapAlert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"gaps": alerts})
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	if s.syncNow == nil {
		WriteNotFound(w, "sync trigger not available")
		return
	}
	s.syncNow()
	s.log.Info("manual sync triggered", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		WriteBadRequest(w, name+" must be a positive integer")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
