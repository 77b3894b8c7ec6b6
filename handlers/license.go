package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"dspaving.app/licensing/internal/logger"
	"dspaving.app/licensing/internal/version"
	"dspaving.app/licensing/models"
	"dspaving.app/licensing/storage"
	"github.com/go-chi/chi/v5"
)

// LicenseView is what clients see: the status is derived at read time.
type LicenseView struct {
	UserID        string          `json:"user_id"`
	PlanTier      models.PlanTier `json:"plan_tier"`
	Status        models.Status   `json:"status"`
	LicenseKey    string          `json:"license_key"`
	ExpiresAt     time.Time       `json:"expires_at"`
	DaysRemaining int             `json:"days_remaining"`
	TermsAccepted bool            `json:"terms_accepted"`
}

func newLicenseView(l models.License, now time.Time) LicenseView {
	return LicenseView{
		UserID:        l.UserID,
		PlanTier:      l.PlanTier,
		Status:        l.EffectiveStatus(now),
		LicenseKey:    l.LicenseKey,
		ExpiresAt:     l.ExpiresAt,
		DaysRemaining: l.DaysRemaining(now),
		TermsAccepted: l.TermsAccepted,
	}
}

type ValidateRequest struct {
	LicenseKey string `json:"license_key" validate:"required"`
	AppVersion string `json:"app_version"`
}

type ValidateResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

type TrialRequest struct {
	UserID        string `json:"user_id" validate:"required,max=128"`
	TermsAccepted bool   `json:"terms_accepted" validate:"required"`
}

func (s *Server) GetLicense(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !s.authorizeUser(w, r, userID) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.LedgerTimeout)
	defer cancel()

	license, err := s.Ledger.GetLicense(ctx, userID)
	if err != nil {
		logger.Error("Failed to read license", logger.Fields{"user_id": userID, "error": err.Error()})
		writeErrorResponse(w, http.StatusServiceUnavailable, "License store unavailable")
		return
	}
	if license == nil {
		writeErrorResponse(w, http.StatusNotFound, "License not found")
		return
	}

	writeJSON(w, http.StatusOK, newLicenseView(*license, s.now()))
}

func (s *Server) ValidateLicense(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Empty body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid license")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.LedgerTimeout)
	defer cancel()

	license, err := s.Ledger.FindLicenseByKey(ctx, req.LicenseKey)
	if err != nil {
		logger.Error("Failed to look up license key", logger.Fields{"error": err.Error()})
		writeErrorResponse(w, http.StatusServiceUnavailable, "License store unavailable")
		return
	}
	if license == nil {
		respondWithValidation(w, false, "License not found")
		return
	}

	switch license.EffectiveStatus(s.now()) {
	case models.StatusActive, models.StatusTrial:
	case models.StatusExpired:
		respondWithValidation(w, false, "License expired")
		return
	default:
		respondWithValidation(w, false, "License not active")
		return
	}

	supported, err := version.IsSupported(req.AppVersion, s.opts.MinAppVersion)
	if err != nil {
		respondWithValidation(w, false, "Invalid version format")
		return
	}
	if !supported {
		respondWithValidation(w, false, "App version no longer supported")
		return
	}

	respondWithValidation(w, true, "License valid")
}

// StartTrial issues a trial license once per user. A user who already has a
// license gets it back unchanged.
func (s *Server) StartTrial(w http.ResponseWriter, r *http.Request) {
	var req TrialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "user_id and terms_accepted required")
		return
	}
	if !s.authorizeUser(w, r, req.UserID) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.LedgerTimeout)
	defer cancel()

	now := s.now()
	license, created, err := s.Ledger.StartTrial(ctx, storage.TrialRequest{
		UserID:        req.UserID,
		TermsAccepted: req.TermsAccepted,
		Duration:      s.opts.TrialDuration,
		Now:           now,
	})
	if err != nil {
		logger.Error("Failed to start trial", logger.Fields{"user_id": req.UserID, "error": err.Error()})
		writeErrorResponse(w, http.StatusServiceUnavailable, "License store unavailable")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		logger.Info("Trial started", logger.Fields{"user_id": req.UserID, "expires_at": license.ExpiresAt})
	}
	writeJSON(w, status, newLicenseView(*license, now))
}

func respondWithValidation(w http.ResponseWriter, valid bool, message string) {
	writeJSON(w, http.StatusOK, ValidateResponse{
		Valid:   valid,
		Message: message,
	})
}
