package handlers

import (
	"errors"
	"io"
	"net/http"

	"dspaving.app/licensing/internal/logger"
	"dspaving.app/licensing/internal/provider"
	"dspaving.app/licensing/internal/provider/mercadopago"
	"dspaving.app/licensing/internal/provider/stripepay"
	"dspaving.app/licensing/internal/webhook"
	"dspaving.app/licensing/models"
)

const maxWebhookBytes = int64(65536)

func (s *Server) MercadoPagoWebhook(w http.ResponseWriter, r *http.Request) {
	payload, ok := readWebhookBody(w, r)
	if !ok {
		return
	}

	n := mercadopago.ParseNotification(payload, r.URL.Query())
	dataID := r.URL.Query().Get("data.id")
	if dataID == "" {
		dataID = n.ResourceID
	}

	err := mercadopago.VerifySignature(s.opts.MercadoPagoWebhookSecret, r.Header.Get("x-signature"), r.Header.Get("x-request-id"), dataID)
	if err != nil {
		logger.Warn("Webhook signature verification failed", logger.Fields{
			"provider":    "mercadopago",
			"remote_addr": r.RemoteAddr,
			"resource_id": n.ResourceID,
		})
		writeErrorResponse(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	s.handleNotification(w, r, n)
}

func (s *Server) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, ok := readWebhookBody(w, r)
	if !ok {
		return
	}

	n, err := stripepay.ParseWebhook(payload, r.Header.Get("Stripe-Signature"), s.opts.StripeWebhookSecret)
	if err != nil {
		logger.Warn("Webhook signature verification failed", logger.Fields{
			"provider":    "stripe",
			"remote_addr": r.RemoteAddr,
			"error":       err.Error(),
		})
		writeErrorResponse(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	s.handleNotification(w, r, n)
}

func readWebhookBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorResponse(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return nil, false
		}
		logger.Error("Failed to read webhook payload", logger.Fields{"error": err.Error()})
		writeErrorResponse(w, http.StatusServiceUnavailable, "Failed to read payload")
		return nil, false
	}
	return payload, true
}

// handleNotification runs the gateway and maps its error to a status code.
// Anything other than 2xx makes the provider redeliver.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request, n provider.Notification) {
	res, err := s.Webhooks.Handle(r.Context(), n)
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"received": true,
			"state":    res.Reached,
		})
		return
	}

	switch {
	case errors.Is(err, webhook.ErrMissingResourceID):
		writeErrorResponse(w, http.StatusBadRequest, "Notification has no resource id")
	case errors.Is(err, models.ErrMissingExternalReference):
		writeErrorResponse(w, http.StatusUnprocessableEntity, "Payment is not linked to a user")
	case errors.Is(err, models.ErrLedgerConstraintViolation):
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to apply payment")
	case errors.Is(err, models.ErrProviderUnavailable), errors.Is(err, models.ErrLedgerUnavailable):
		writeErrorResponse(w, http.StatusServiceUnavailable, "Temporarily unavailable")
	default:
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to process notification")
	}
}
