package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"dspaving.app/licensing/internal/returnpoll"
	"dspaving.app/licensing/models"
)

type CheckRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
}

type CheckResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Data    *LicenseView `json:"data,omitempty"`
}

type ReturnResponse struct {
	Processing  bool               `json:"processing"`
	ReferenceID string             `json:"reference_id,omitempty"`
	Kind        models.PaymentKind `json:"kind,omitempty"`
}

// CheckPayment asks the provider for the caller's latest confirmed payment
// and reconciles it. Retrying is always safe.
func (s *Server) CheckPayment(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "user_id required")
		return
	}
	if !s.authorizeUser(w, r, req.UserID) {
		return
	}
	if !s.opts.CheckLimiter.Allow(req.UserID) {
		writeJSON(w, http.StatusTooManyRequests, CheckResponse{
			Message: "Muitas verificações. Aguarde um minuto e tente novamente.",
		})
		return
	}

	res, err := s.Checker.CheckForUser(r.Context(), req.UserID)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrNoPaymentFound):
		writeJSON(w, http.StatusNotFound, CheckResponse{
			Message: "Nenhum pagamento confirmado encontrado. Tente novamente em instantes.",
		})
		return
	case errors.Is(err, models.ErrProviderUnavailable), errors.Is(err, models.ErrLedgerUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, CheckResponse{
			Message: "Serviço de pagamento indisponível. Tente novamente em instantes.",
		})
		return
	default:
		writeJSON(w, http.StatusInternalServerError, CheckResponse{
			Message: "Falha ao verificar o pagamento.",
		})
		return
	}

	view := newLicenseView(*res.Outcome.License, s.now())
	writeJSON(w, http.StatusOK, CheckResponse{
		Success: true,
		Message: "Licença ativada.",
		Data:    &view,
	})
}

// PaymentReturn reports whether the provider's return query looks like a
// completed checkout. It never touches the ledger.
func (s *Server) PaymentReturn(w http.ResponseWriter, r *http.Request) {
	redirect, ok := returnpoll.DetectRedirect(r.URL.Query())
	writeJSON(w, http.StatusOK, ReturnResponse{
		Processing:  ok,
		ReferenceID: redirect.ReferenceID,
		Kind:        redirect.Kind,
	})
}
