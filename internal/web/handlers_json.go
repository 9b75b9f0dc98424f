package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/vitos/risk_lifecycle/internal/domain"
	"github.com/vitos/risk_lifecycle/internal/usecase"
	"go.uber.org/zap"
)

type openPositionRequest struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	OrderID  string  `json:"order_id"`
	Balance  float64 `json:"balance"`
	Regime   string  `json:"regime"`
	ATRPct   float64 `json:"atr_pct"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrPositionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrPositionExists),
		errors.Is(err, domain.ErrPositionBusy):
		status = http.StatusConflict
	case domain.IsKind(err, domain.KindValidation):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.Positions())
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.manager.Position(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	side := domain.Side(req.Side)
	if side != domain.SideLong && side != domain.SideShort {
		http.Error(w, "side must be LONG or SHORT", http.StatusBadRequest)
		return
	}
	if req.Symbol == "" || req.Price <= 0 || req.Quantity <= 0 {
		http.Error(w, "symbol, price and quantity are required", http.StatusBadRequest)
		return
	}

	pos, err := s.manager.Open(r.Context(), usecase.OpenRequest{
		Fill: domain.EntryFill{
			Symbol:   req.Symbol,
			Side:     side,
			Price:    req.Price,
			Quantity: req.Quantity,
			OrderID:  req.OrderID,
			FilledAt: time.Now(),
		},
		Balance: req.Balance,
		Regime:  domain.ParseRegime(req.Regime),
		ATRPct:  req.ATRPct,
	})
	if errors.Is(err, domain.ErrPositionExists) && pos != nil {
		s.writeJSON(w, http.StatusConflict, pos)
		return
	}
	if err != nil && pos == nil {
		s.writeError(w, err)
		return
	}
	// a position that ended Failed is still returned so the caller sees why
	s.writeJSON(w, http.StatusCreated, pos)
}

func (s *Server) handlePositionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.history.ListLifecycleEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []domain.LifecycleEvent{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	pos, err := s.manager.RecoverFailed(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if pos == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
		return
	}
	s.writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	res, err := s.manager.Reconcile(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history, err := s.history.ListPositionHistory(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if history == nil {
		history = []*domain.PositionHistory{}
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"positions": len(s.manager.Positions()),
	})
}
