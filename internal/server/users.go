package server

import (
	"errors"
	"log/slog"
	"net/http"

	"pipay/internal/platform"
)

// upstreamStatus passes platform 4xx answers through and maps everything
// else to 502.
func upstreamStatus(err error) int {
	var apiErr *platform.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		return apiErr.StatusCode
	}
	if errors.Is(err, platform.ErrUnauthorized) {
		return http.StatusUnauthorized
	}
	return http.StatusBadGateway
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req tokenRequest
	if !s.decode(w, r, &req) {
		return
	}

	user, err := s.platform.Me(ctx, req.AccessToken)
	if err != nil {
		s.logger.WarnContext(ctx, "fetch user failed", slog.Any("error", err))
		writeJSON(w, upstreamStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req tokenRequest
	if !s.decode(w, r, &req) {
		return
	}

	wallet, err := s.platform.Wallet(ctx, req.AccessToken)
	if err != nil {
		s.logger.WarnContext(ctx, "fetch wallet failed", slog.Any("error", err))
		writeJSON(w, upstreamStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// handleVerify always answers 200; validity is in the body.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req tokenRequest
	if !s.decode(w, r, &req) {
		return
	}

	user, err := s.platform.Me(ctx, req.AccessToken)
	if err != nil {
		s.logger.InfoContext(ctx, "token verification failed", slog.Any("error", err))
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "user": user})
}
