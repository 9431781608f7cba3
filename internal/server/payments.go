package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"

	"pipay/internal/idempotency"
	"pipay/internal/platform"
	"pipay/internal/txref"
)

type approveRequest struct {
	PaymentID   string `json:"paymentId" validate:"required,max=128,excludesall=/?#%"`
	AccessToken string `json:"accessToken"`
}

type completeRequest struct {
	PaymentID string `json:"paymentId" validate:"required,max=128,excludesall=/?#%"`
	TxID      string `json:"txid"`
	Debug     string `json:"debug" validate:"omitempty,oneof=cancel error"`
}

type cancelRequest struct {
	PaymentID string `json:"paymentId" validate:"required,max=128,excludesall=/?#%"`
}

type paymentResponse struct {
	Status    string `json:"status"`
	PaymentID string `json:"paymentId,omitempty"`
	TxID      string `json:"txid,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

const (
	opApprove  = "approve"
	opComplete = "complete"
	opCancel   = "cancel"
)

// decode reads a JSON body into dst and validates it. On failure it has
// already written the 400 response.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, paymentResponse{Status: "failed", Error: "invalid json payload"})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, paymentResponse{Status: "failed", Error: validationMessage(err)})
		return false
	}
	return true
}

func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return "invalid request"
	}
	fe := ve[0]
	name := map[string]string{
		"PaymentID":   "paymentId",
		"AccessToken": "accessToken",
		"TxID":        "txid",
		"Debug":       "debug",
	}[fe.StructField()]
	if name == "" {
		name = fe.Field()
	}
	if fe.Tag() == "required" {
		return name + " is required"
	}
	return name + " is invalid"
}

func upstreamFailureStatus(err error) int {
	if errors.Is(err, platform.ErrUnauthorized) {
		return http.StatusUnauthorized
	}
	return http.StatusBadGateway
}

// upstreamFailure maps a platform error onto the gateway's answer.
func (s *Server) upstreamFailure(w http.ResponseWriter, op, paymentID string, err error) {
	s.metrics.incRequest(op, "failed")
	writeJSON(w, upstreamFailureStatus(err), paymentResponse{
		Status:    "failed",
		PaymentID: paymentID,
		Error:     err.Error(),
	})
}

func (s *Server) replay(ctx context.Context, w http.ResponseWriter, op, key string) bool {
	existing, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "replay lookup failed", slog.String("key", key), slog.Any("error", err))
		return false
	}
	if existing == nil {
		return false
	}
	s.metrics.incRequest(op, "replayed")
	writeRaw(w, existing.StatusCode, existing.Response)
	return true
}

func (s *Server) remember(ctx context.Context, op, paymentID string, status int, body any) []byte {
	b, _ := json.Marshal(body)
	now := s.now()
	rec := idempotency.Record{
		Operation:  op,
		PaymentID:  paymentID,
		StatusCode: status,
		Response:   b,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.Service.IdempotencyWindow),
	}
	if err := s.store.Save(ctx, idempotency.Key(op, paymentID), rec); err != nil {
		s.logger.ErrorContext(ctx, "save replay record", slog.String("payment_id", paymentID), slog.Any("error", err))
	}
	return b
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req approveRequest
	if !s.decode(w, r, &req) {
		return
	}

	s.logger.DebugContext(ctx, "approving payment", slog.String("payment_id", req.PaymentID))
	start := time.Now()
	_, err := s.platform.Approve(ctx, req.PaymentID)
	s.metrics.observePlatform(opApprove, start)
	if err != nil {
		s.logger.ErrorContext(ctx, "approve failed", slog.String("payment_id", req.PaymentID), slog.Any("error", err))
		s.upstreamFailure(w, opApprove, req.PaymentID, err)
		return
	}

	s.metrics.incRequest(opApprove, "approved")
	writeJSON(w, http.StatusOK, paymentResponse{
		Status:    "approved",
		PaymentID: req.PaymentID,
		Message:   "Payment approved",
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req completeRequest
	if !s.decode(w, r, &req) {
		return
	}
	log := s.logger.With(slog.String("payment_id", req.PaymentID))

	if req.Debug != "" && s.cfg.Service.AllowDebugOutcomes {
		log.InfoContext(ctx, "debug outcome requested", slog.String("debug", req.Debug))
		if req.Debug == "cancel" {
			writeJSON(w, http.StatusOK, paymentResponse{Status: "cancelled", PaymentID: req.PaymentID, Message: "Payment cancelled (debug)"})
			return
		}
		writeJSON(w, http.StatusOK, paymentResponse{Status: "error", PaymentID: req.PaymentID, Message: "Simulated error (debug)"})
		return
	}

	if req.TxID == "" {
		log.WarnContext(ctx, "complete without transaction id")
		writeJSON(w, http.StatusBadRequest, paymentResponse{
			Status:    "incomplete",
			PaymentID: req.PaymentID,
			Message:   "transaction id not provided",
			Error:     "transaction id not provided",
		})
		return
	}

	hash, err := txref.Parse(req.TxID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, paymentResponse{Status: "failed", PaymentID: req.PaymentID, Error: err.Error()})
		return
	}

	key := idempotency.Key(opComplete, req.PaymentID)
	// Concurrent completes of one payment share a single platform call.
	v, _, _ := s.inflight.Do(key, func() (any, error) {
		return s.completeOnce(context.WithoutCancel(ctx), req, hash), nil
	})
	res := v.(completeResult)

	if res.txID != "" && !sameTx(res.txID, req.TxID) {
		log.WarnContext(ctx, "complete with a different transaction", slog.String("txid", req.TxID), slog.String("completed_txid", res.txID))
		s.metrics.incRequest(opComplete, "conflict")
		writeJSON(w, http.StatusConflict, paymentResponse{
			Status:    "failed",
			PaymentID: req.PaymentID,
			TxID:      res.txID,
			Error:     "payment already completed with a different transaction",
		})
		return
	}
	writeRaw(w, res.status, res.body)
}

// completeResult is the answer to one complete request. txID is set once
// the payment is known to be completed with that transaction.
type completeResult struct {
	status int
	body   []byte
	txID   string
}

func (s *Server) completeOnce(ctx context.Context, req completeRequest, hash common.Hash) completeResult {
	log := s.logger.With(slog.String("payment_id", req.PaymentID))
	key := idempotency.Key(opComplete, req.PaymentID)

	if existing, err := s.store.Get(ctx, key); err != nil {
		log.WarnContext(ctx, "replay lookup failed", slog.Any("error", err))
	} else if existing != nil {
		var prev paymentResponse
		_ = json.Unmarshal(existing.Response, &prev)
		s.metrics.incRequest(opComplete, "replayed")
		return completeResult{status: existing.StatusCode, body: existing.Response, txID: prev.TxID}
	}

	if err := s.chain.Verify(ctx, hash); err != nil {
		log.WarnContext(ctx, "transaction verification failed", slog.Any("error", err))
		s.metrics.incRequest(opComplete, "unverified")
		return jsonResult(http.StatusUnprocessableEntity, paymentResponse{Status: "failed", PaymentID: req.PaymentID, TxID: req.TxID, Error: err.Error()})
	}

	attempts, err := s.completeWithRetry(ctx, req.PaymentID, req.TxID)
	if err != nil {
		log.ErrorContext(ctx, "complete failed", slog.Int("attempts", attempts), slog.Any("error", err))
		if !errors.Is(err, platform.ErrUnauthorized) {
			s.writeDLQ(ctx, dlqEntry{
				Operation: opComplete,
				PaymentID: req.PaymentID,
				TxID:      req.TxID,
				Attempts:  attempts,
				Error:     err.Error(),
			})
		}
		s.metrics.incRequest(opComplete, "failed")
		return jsonResult(upstreamFailureStatus(err), paymentResponse{Status: "failed", PaymentID: req.PaymentID, Error: err.Error()})
	}

	resp := paymentResponse{
		Status:    "completed",
		PaymentID: req.PaymentID,
		TxID:      req.TxID,
		Message:   "Payment completed",
	}
	body := s.remember(ctx, opComplete, req.PaymentID, http.StatusOK, resp)
	s.metrics.incRequest(opComplete, "completed")
	return completeResult{status: http.StatusOK, body: body, txID: req.TxID}
}

// sameTx compares transaction ids by hash, so case and 0x prefix do not matter.
func sameTx(a, b string) bool {
	ha, errA := txref.Parse(a)
	hb, errB := txref.Parse(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return ha == hb
}

func jsonResult(status int, body paymentResponse) completeResult {
	b, _ := json.Marshal(body)
	return completeResult{status: status, body: b}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req cancelRequest
	if !s.decode(w, r, &req) {
		return
	}

	if s.replay(ctx, w, opCancel, idempotency.Key(opCancel, req.PaymentID)) {
		return
	}

	start := time.Now()
	_, err := s.platform.Cancel(ctx, req.PaymentID)
	s.metrics.observePlatform(opCancel, start)
	if err != nil {
		s.logger.ErrorContext(ctx, "cancel failed", slog.String("payment_id", req.PaymentID), slog.Any("error", err))
		s.upstreamFailure(w, opCancel, req.PaymentID, err)
		return
	}

	resp := paymentResponse{
		Status:    "cancelled",
		PaymentID: req.PaymentID,
		Message:   "Payment cancelled",
	}
	body := s.remember(ctx, opCancel, req.PaymentID, http.StatusOK, resp)
	s.metrics.incRequest(opCancel, "cancelled")
	writeRaw(w, http.StatusOK, body)
}

// completeWithRetry retries retryable platform failures with capped
// exponential backoff. It returns the number of attempts made.
func (s *Server) completeWithRetry(ctx context.Context, paymentID, txID string) (int, error) {
	attempts := s.cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	backoff := s.cfg.Retry.InitialBackoff
	for i := 1; i <= attempts; i++ {
		start := time.Now()
		_, err := s.platform.Complete(ctx, paymentID, txID)
		s.metrics.observePlatform(opComplete, start)
		if err == nil {
			s.metrics.incRetry("success")
			return i, nil
		}
		if !platform.Retryable(err) || i == attempts {
			s.metrics.incRetry("failed")
			return i, err
		}

		s.metrics.incRetry("retry")
		sleep := backoff
		if s.cfg.Retry.MaxBackoff > 0 && sleep > s.cfg.Retry.MaxBackoff {
			sleep = s.cfg.Retry.MaxBackoff
		}
		s.logger.WarnContext(ctx, "retrying platform completion",
			slog.String("payment_id", paymentID),
			slog.Int("attempt", i),
			slog.Duration("backoff", sleep),
			slog.Any("error", err),
		)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return i, ctx.Err()
		}

		if s.cfg.Retry.BackoffMultiplier > 1 {
			backoff = time.Duration(float64(backoff) * s.cfg.Retry.BackoffMultiplier)
		}
	}
	return attempts, fmt.Errorf("exhausted retries")
}

type tokenRequest struct {
	AccessToken string `json:"accessToken" validate:"required"`
}

func (s *Server) handleIncomplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req tokenRequest
	if !s.decode(w, r, &req) {
		return
	}

	list, err := s.platform.Incomplete(ctx, req.AccessToken)
	if err != nil {
		s.logger.WarnContext(ctx, "incomplete payments unavailable", slog.Any("error", err))
		writeJSON(w, http.StatusOK, map[string]any{
			"pendingPayments": []platform.Payment{},
			"warning":         "incomplete payments unavailable: " + err.Error(),
		})
		return
	}
	if list == nil {
		list = []platform.Payment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pendingPayments": list})
}
