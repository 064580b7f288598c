// Package api binds the negotiation engine to HTTP: a single method-dispatch
// endpoint for the protocol, plus the payment-receipt webhook ingress.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/apexprotocol/apex-go/pkg/apexerr"
	"github.com/apexprotocol/apex-go/pkg/estimate"
	"github.com/apexprotocol/apex-go/pkg/httpx"
	"github.com/apexprotocol/apex-go/pkg/logging"
	"github.com/apexprotocol/apex-go/pkg/negotiation"
	"github.com/apexprotocol/apex-go/pkg/settlement"
	"github.com/apexprotocol/apex-go/pkg/transcript"
)

const maxBodyBytes = 1 << 20 // 1MB

// Handler serves the protocol surface for one seller.
type Handler struct {
	engine       *negotiation.Engine
	estimator    *estimate.Estimator
	capabilities map[string]negotiation.Capability
	intent       *settlement.Intent
	log          logging.Logger
}

// Config wires a Handler. Intent may be nil when the payment-intent rail is
// not configured; Estimator may be nil to disable quoting.
type Config struct {
	Engine       *negotiation.Engine
	Estimator    *estimate.Estimator
	Capabilities map[string]negotiation.Capability
	Intent       *settlement.Intent
	Logger       logging.Logger
}

// NewHandler builds the HTTP surface.
func NewHandler(cfg Config) *Handler {
	log := cfg.Logger
	if log == nil {
		log = logging.NoOp()
	}
	return &Handler{
		engine:       cfg.Engine,
		estimator:    cfg.Estimator,
		capabilities: cfg.Capabilities,
		intent:       cfg.Intent,
		log:          log,
	}
}

// Register mounts the handler's routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Post("/apex", h.handleDispatch)
	if h.intent != nil {
		r.Post("/webhooks/receipts", h.handleReceipt)
	}
}

type estimateParams struct {
	Capability string `json:"capability"`
	Input      string `json:"input,omitempty"`
}

type rejectParams struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
	Buyer  string `json:"buyer,omitempty"`
}

type statusParams struct {
	JobID string `json:"job_id"`
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req httpx.RPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, httpx.RPCResponse{
			RequestID: httpx.NewRequestID(),
			Error:     apexerr.Newf(apexerr.CodeInvalidState, "malformed request envelope: %v", err),
		})
		return
	}
	if req.RequestID == "" {
		req.RequestID = httpx.NewRequestID()
	}

	result, err := h.dispatch(r, req)
	if err != nil {
		var pe *apexerr.Error
		if !errors.As(err, &pe) {
			h.log.Error("dispatch failed", "method", req.Method, "error", err)
			pe = apexerr.New(apexerr.CodeExecutionFailed, "internal error")
		}
		httpx.WriteJSON(w, statusFor(pe.Code), httpx.RPCResponse{RequestID: req.RequestID, Error: pe})
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		h.log.Error("encoding result failed", "method", req.Method, "error", err)
		httpx.WriteJSON(w, http.StatusInternalServerError, httpx.RPCResponse{
			RequestID: req.RequestID,
			Error:     apexerr.New(apexerr.CodeExecutionFailed, "internal error"),
		})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, httpx.RPCResponse{RequestID: req.RequestID, Result: raw})
}

func (h *Handler) dispatch(r *http.Request, req httpx.RPCRequest) (any, error) {
	ctx := r.Context()
	switch req.Method {
	case httpx.MethodEstimate:
		var params estimateParams
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		return h.estimate(ctx, params)

	case httpx.MethodPropose:
		var params negotiation.ProposeRequest
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		return h.engine.Propose(ctx, params)

	case httpx.MethodCounter:
		var params negotiation.CounterRequest
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		return h.engine.Counter(ctx, params)

	case httpx.MethodAccept:
		var params negotiation.AcceptRequest
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		return h.engine.Accept(ctx, params)

	case httpx.MethodReject:
		var params rejectParams
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		return h.engine.Reject(ctx, params.JobID, transcript.PartyBuyer, params.Reason)

	case httpx.MethodStatus:
		var params statusParams
		if err := unmarshalParams(req.Params, &params); err != nil {
			return nil, err
		}
		return h.engine.Status(params.JobID)

	default:
		return nil, apexerr.Newf(apexerr.CodeInvalidState, "unknown method %q", req.Method)
	}
}

func (h *Handler) estimate(ctx context.Context, params estimateParams) (estimate.Estimate, error) {
	if h.estimator == nil {
		return estimate.Estimate{}, apexerr.New(apexerr.CodeEstimationFailed, "estimates are not enabled")
	}
	cap, ok := h.capabilities[params.Capability]
	if !ok {
		return estimate.Estimate{}, apexerr.Newf(apexerr.CodeUnknownCapability, "unknown capability %q", params.Capability)
	}
	base := cap.Pricing.Target
	if cap.Pricing.Mode == negotiation.PricingFixed {
		base = cap.Pricing.Fixed
	}
	return h.estimator.Estimate(ctx, params.Capability, params.Input, base)
}

// handleReceipt ingests one signed provider receipt for the payment-intent
// rail.
func (h *Handler) handleReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.WriteProtocolError(w, http.StatusBadRequest, "",
			apexerr.Newf(apexerr.CodePaymentInvalid, "reading body: %v", err))
		return
	}

	intentID, err := h.intent.HandleCallback(r.Header, rawBody, time.Now().UTC())
	if err != nil {
		var pe *apexerr.Error
		if !errors.As(err, &pe) {
			pe = apexerr.Newf(apexerr.CodePaymentInvalid, "receipt rejected: %v", err)
		}
		httpx.WriteProtocolError(w, http.StatusUnauthorized, "", pe)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id": httpx.NewRequestID(),
		"status":     "accepted",
		"intent_id":  intentID,
	})
}

func unmarshalParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return apexerr.New(apexerr.CodeInvalidState, "missing params")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apexerr.Newf(apexerr.CodeInvalidState, "malformed params: %v", err)
	}
	return nil
}

// statusFor maps permanent protocol codes onto HTTP statuses.
func statusFor(code int) int {
	switch code {
	case apexerr.CodeUnknownCapability, apexerr.CodeInvalidJobID:
		return http.StatusNotFound
	case apexerr.CodeSignatureRequired, apexerr.CodeSignatureInvalid:
		return http.StatusUnauthorized
	case apexerr.CodePaymentRequired, apexerr.CodePaymentInvalid, apexerr.CodePaymentExpired,
		apexerr.CodeInsufficientAmount, apexerr.CodeWrongRecipient, apexerr.CodeRailImmutable:
		return http.StatusPaymentRequired
	case apexerr.CodeUnsupportedRail, apexerr.CodeUnsupportedCurrency:
		return http.StatusBadRequest
	case apexerr.CodeExecutionFailed, apexerr.CodeEstimationFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusConflict
	}
}
