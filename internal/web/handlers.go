package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/vitos/cycle_trader/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	trades, err := s.trades.ListTrades(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list trades", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	if trades == nil {
		trades = []*domain.TradeRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"summary": domain.Summarize(trades),
		"trades":  trades,
	})
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.trades.(TransitionLister)
	if !ok {
		s.writeError(w, http.StatusNotImplemented, "store does not keep transitions")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ts, err := lister.ListTransitions(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list transitions", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list transitions")
		return
	}
	if ts == nil {
		ts = []domain.Transition{}
	}
	s.writeJSON(w, http.StatusOK, ts)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Reconcile(r.Context(), "operator request"); err != nil {
		s.logger.Warn("Operator reconciliation failed", zap.Error(err))
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleCancelActive(w http.ResponseWriter, r *http.Request) {
	err := s.ctrl.CancelActiveOrder(r.Context())
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, s.ctrl.Status())
	case errors.Is(err, domain.ErrNoActiveOrder):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrFaulted), errors.Is(err, domain.ErrNotReconciled):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Warn("Operator cancel failed", zap.Error(err))
		s.writeError(w, http.StatusBadGateway, err.Error())
	}
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
