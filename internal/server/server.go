// Package server implements the meshd control-plane HTTP API.
package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/lumenmesh/meshproto/internal/bdc"
	"github.com/lumenmesh/meshproto/internal/bss"
	"github.com/lumenmesh/meshproto/internal/protoerr"
)

// Sentinel errors for the server package.
var (
	// ErrInvalidDataID indicates a path segment did not parse as a uint32 data_id.
	ErrInvalidDataID = errors.New("invalid data_id")

	// ErrMissingPeer indicates a bulk transfer request omitted the peer address.
	ErrMissingPeer = errors.New("peer address is required")
)

// BroadcastEngine is the subset of bss.Engine the control plane drives.
type BroadcastEngine interface {
	Items() []*bss.Item
	Register(dataID uint32, initial []byte, handler bss.UpdateHandler) (*bss.Item, error)
	Update(dataID uint32, value []byte) error
	Pause(dataID uint32) error
	Resume(dataID uint32) error
}

// BulkSessions starts outbound Bulk Data Collection transfers to a peer.
// Implemented by the host's per-peer session registry (cmd/meshd), which
// owns the mapping from peer address to a live bdc.Sender (spec Open
// Question 4: the host is the source-scoping mechanism).
type BulkSessions interface {
	StartTransfer(peer netip.AddrPort, packetID uint16, payload []byte, cfg bdc.SenderConfig) error
}

// Server is the HTTP handler for meshd's control plane: BSS item inspection
// and mutation, and triggering outbound BDC transfers.
type Server struct {
	mux      *http.ServeMux
	engine   BroadcastEngine
	sessions BulkSessions
	logger   *slog.Logger
}

// New constructs the control-plane HTTP handler. sessions may be nil if the
// daemon runs with BDC disabled; requests to its endpoint then report 503.
// The returned handler is wrapped with request logging and panic recovery.
func New(engine BroadcastEngine, sessions BulkSessions, logger *slog.Logger) http.Handler {
	s := &Server{
		engine:   engine,
		sessions: sessions,
		logger:   logger.With(slog.String("component", "server")),
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /v1/items", s.handleListItems)
	s.mux.HandleFunc("POST /v1/items/{dataID}/update", s.handleUpdate)
	s.mux.HandleFunc("POST /v1/items/{dataID}/pause", s.handlePause)
	s.mux.HandleFunc("POST /v1/items/{dataID}/resume", s.handleResume)
	s.mux.HandleFunc("POST /v1/bdc/transfers", s.handleStartTransfer)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	return WithRecovery(WithLogging(s.mux, s.logger), s.logger)
}

// itemView is the wire representation of one BSS item.
type itemView struct {
	DataID  uint32 `json:"data_id"`
	Version uint32 `json:"version"`
	Value   string `json:"value_base64"`
	Paused  bool   `json:"paused"`
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	items := s.engine.Items()
	views := make([]itemView, 0, len(items))
	for _, it := range items {
		version, value := it.Snapshot()
		views = append(views, itemView{
			DataID:  it.DataID(),
			Version: version,
			Value:   base64.StdEncoding.EncodeToString(value),
			Paused:  it.Paused(),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type updateRequest struct {
	Value string `json:"value_base64"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	dataID, err := parseDataID(r.PathValue("dataID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request body: %w", err))
		return
	}

	value, err := base64.StdEncoding.DecodeString(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode value_base64: %w", err))
		return
	}

	if err := s.engine.Update(dataID, value); err != nil {
		writeError(w, statusForEngineError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	dataID, err := parseDataID(r.PathValue("dataID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.Pause(dataID); err != nil {
		writeError(w, statusForEngineError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	dataID, err := parseDataID(r.PathValue("dataID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.Resume(dataID); err != nil {
		writeError(w, statusForEngineError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type startTransferRequest struct {
	Peer     string `json:"peer"`
	PacketID uint16 `json:"packet_id"`
	Payload  string `json:"payload_base64"`
	PeriodMS uint16 `json:"period_ms"`
}

func (s *Server) handleStartTransfer(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("bulk data collection is not enabled"))
		return
	}

	var req startTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request body: %w", err))
		return
	}
	if req.Peer == "" {
		writeError(w, http.StatusBadRequest, ErrMissingPeer)
		return
	}

	peer, err := netip.ParseAddrPort(req.Peer)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse peer %q: %w", req.Peer, err))
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode payload_base64: %w", err))
		return
	}

	cfg := bdc.SenderConfig{PeriodMS: req.PeriodMS}
	if err := s.sessions.StartTransfer(peer, req.PacketID, payload, cfg); err != nil {
		writeError(w, statusForEngineError(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func parseDataID(raw string) (uint32, error) {
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", raw, ErrInvalidDataID)
	}
	return uint32(v), nil
}

func statusForEngineError(err error) int {
	switch {
	case errors.Is(err, protoerr.ErrNotRegistered):
		return http.StatusNotFound
	case errors.Is(err, protoerr.ErrNoMemory), errors.Is(err, protoerr.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, protoerr.ErrInternal):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
