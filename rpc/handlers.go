package rpc

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"ghostswap/engine"
	"ghostswap/intent"
	"ghostswap/p2p"
)

const (
	maxRequestBytes     = 16 << 10
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// PostIntentRequest is the body of POST /v1/intents.
type PostIntentRequest struct {
	Amount    string `json:"amount"`
	FromToken string `json:"fromToken"`
	ToToken   string `json:"toToken"`
}

// ReputationResponse reports a peer's advisory score.
type ReputationResponse struct {
	Peer  string `json:"peer"`
	Score int64  `json:"score"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// statusFor maps engine reason codes onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidIntent):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrIntentNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrNotOpen), errors.Is(err, engine.ErrOwnIntent), errors.Is(err, engine.ErrNoCounterparty):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("api command failed", slog.Any("error", err))
	}
	writeError(w, status, err.Error())
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	var out []intent.Intent
	switch strings.ToLower(r.URL.Query().Get("status")) {
	case "", "all":
		out = s.engine.ListIntents()
	case string(intent.StatusOpen):
		out = s.engine.ListOpenIntents()
	default:
		writeError(w, http.StatusBadRequest, "status must be open or all")
		return
	}
	if out == nil {
		out = []intent.Intent{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.engine.Intent(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, engine.ErrIntentNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePostIntent(w http.ResponseWriter, r *http.Request) {
	var req PostIntentRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec, err := s.engine.PostIntent(r.Context(), req.Amount, req.FromToken, req.ToToken)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleCancelIntent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.CancelIntent(r.Context(), id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	rec, _ := s.engine.Intent(id)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAcceptPartial(w http.ResponseWriter, r *http.Request) {
	match, err := s.engine.AcceptPartial(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, match)
}

func (s *Server) handlePartials(w http.ResponseWriter, _ *http.Request) {
	out := s.engine.PartialMatches()
	if out == nil {
		out = []engine.Partial{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePeers(w http.ResponseWriter, _ *http.Request) {
	out := []p2p.PeerInfo{}
	if s.peers != nil {
		out = append(out, s.peers.Peers()...)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	peer := strings.TrimSpace(chi.URLParam(r, "peer"))
	if peer == "self" {
		peer = s.engine.Self()
	}
	score, err := s.engine.Score(peer)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReputationResponse{Peer: peer, Score: score})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history disabled")
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	events, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
