package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/auth"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/idempotency"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/logger"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/middleware"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/service"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/workflow"
)

// ReplayedHeader is set on responses served from a stored result.
const ReplayedHeader = "Idempotent-Replayed"

const maxBodyBytes = 1 << 20

// Services groups the workflow services exposed by the handlers.
type Services struct {
	Orders     *service.OrderService
	Ledger     *service.ApprovalLedger
	Bulk       *service.BulkCoordinator
	Receiving  *service.ReceivingService
	Thresholds *service.ThresholdService
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	svc   Services
	guard *idempotency.Guard
	auth  *auth.Authenticator
	log   *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(svc Services, guard *idempotency.Guard, authn *auth.Authenticator, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		svc:   svc,
		guard: guard,
		auth:  authn,
		log:   log,
	}
}

// Register mounts the purchase order routes on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.Handle("/api/v1/purchase-orders", h.authenticated(http.MethodPost, h.CreateOrder))
	mux.Handle("/api/v1/purchase-orders/update", h.authenticated(http.MethodPost, h.UpdateOrder))
	mux.Handle("/api/v1/purchase-orders/autosave", h.authenticated(http.MethodPost, h.AutosaveOrder))
	mux.Handle("/api/v1/purchase-orders/get", h.authenticated(http.MethodGet, h.GetOrder))
	mux.Handle("/api/v1/purchase-orders/history", h.authenticated(http.MethodGet, h.GetHistory))
	mux.Handle("/api/v1/purchase-orders/submit", h.authenticated(http.MethodPost, h.SubmitOrder))
	mux.Handle("/api/v1/purchase-orders/approve", h.authenticated(http.MethodPost, h.DecideOrder))
	mux.Handle("/api/v1/purchase-orders/bulk-approve", h.authenticated(http.MethodPost, h.BulkDecide))
	mux.Handle("/api/v1/purchase-orders/send", h.authenticated(http.MethodPost, h.SendOrder))
	mux.Handle("/api/v1/purchase-orders/receive", h.authenticated(http.MethodPost, h.ReceiveOrder))

	mux.Handle("/api/v1/receiving/start", h.authenticated(http.MethodPost, h.StartReceiving))
	mux.Handle("/api/v1/receiving/item", h.authenticated(http.MethodPost, h.ReceiveItem))
	mux.Handle("/api/v1/receiving/complete", h.authenticated(http.MethodPost, h.CompleteReceiving))
	mux.Handle("/api/v1/receiving/session", h.authenticated(http.MethodGet, h.GetSession))

	thresholds := map[string]http.HandlerFunc{
		http.MethodGet:    h.GetThresholds,
		http.MethodPost:   h.ReplaceThresholds,
		http.MethodPut:    h.ReplaceThresholds,
		http.MethodDelete: h.DeleteThresholds,
	}
	mux.Handle("/api/v1/thresholds", h.withActor(func(w http.ResponseWriter, r *http.Request) {
		handle, ok := thresholds[r.Method]
		if !ok {
			h.writeError(w, r, errors.New(errors.ErrCodeInvalidInput, "method not allowed"), http.StatusMethodNotAllowed)
			return
		}
		handle(w, r)
	}))
}

// ── Orders ────────────────────────────────────────────────────────────────────

// CreateOrder handles create order HTTP requests
func (h *HTTPHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req service.CreateOrderRequest
	h.guarded(w, r, http.StatusCreated, &req, nil, func(ctx context.Context, actor auth.Actor) (any, error) {
		return h.svc.Orders.Create(ctx, actor, req)
	})
}

// UpdateOrder handles draft update HTTP requests
func (h *HTTPHandler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	var req service.UpdateOrderRequest
	h.guarded(w, r, http.StatusOK, &req, nil, func(ctx context.Context, actor auth.Actor) (any, error) {
		return h.svc.Orders.Update(ctx, actor, req)
	})
}

// AutosaveOrder handles autosave HTTP requests
func (h *HTTPHandler) AutosaveOrder(w http.ResponseWriter, r *http.Request) {
	var req service.AutosaveRequest
	h.guarded(w, r, http.StatusOK, &req, nil, func(ctx context.Context, actor auth.Actor) (any, error) {
		return h.svc.Orders.Autosave(ctx, actor, req)
	})
}

// GetOrder handles get order HTTP requests
func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	po, err := h.svc.Orders.Get(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		h.writeError(w, r, err, 0)
		return
	}
	h.writeJSON(w, http.StatusOK, po)
}

// GetHistory handles audit trail HTTP requests
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Orders.History(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		h.writeError(w, r, err, 0)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

type orderRef struct {
	ID string `json:"id"`
}

// SubmitOrder handles submit HTTP requests
func (h *HTTPHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRef
	rounds := func(ctx context.Context) map[string]int { return h.svc.submitRounds(ctx, req.ID) }
	h.guarded(w, r, http.StatusOK, &req, rounds, func(ctx context.Context, actor auth.Actor) (any, error) {
		return h.svc.Orders.Submit(ctx, actor, req.ID)
	})
}

// SendOrder handles send-to-supplier HTTP requests. The supplier call cannot
// be rolled back, so the request is claimed before it is made.
func (h *HTTPHandler) SendOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRef
	h.claimed(w, r, http.StatusOK, &req, func(ctx context.Context, actor auth.Actor) (any, error) {
		return sideEffect(h.svc.Orders.Send(ctx, actor, req.ID))
	})
}

// ── Approvals ─────────────────────────────────────────────────────────────────

type decisionBody struct {
	ID       string   `json:"id"`
	IDs      []string `json:"po_ids"`
	Decision string   `json:"decision"`
	Comments string   `json:"comments"`
}

func (b decisionBody) decision() (workflow.Decision, error) {
	if b.Decision == "" {
		return workflow.DecisionApproved, nil
	}
	return workflow.ParseDecision(b.Decision)
}

// DecideOrder handles approve, reject and request-changes HTTP requests
func (h *HTTPHandler) DecideOrder(w http.ResponseWriter, r *http.Request) {
	var req decisionBody
	rounds := func(ctx context.Context) map[string]int { return h.svc.decisionRounds(ctx, req.ID) }
	h.guarded(w, r, http.StatusOK, &req, rounds, func(ctx context.Context, actor auth.Actor) (any, error) {
		decision, err := req.decision()
		if err != nil {
			return nil, err
		}
		return h.svc.Ledger.RecordDecision(ctx, actor, service.DecisionRequest{
			OrderID:  req.ID,
			Decision: decision,
			Comments: req.Comments,
		})
	})
}

// BulkDecide handles all-or-nothing bulk decision HTTP requests
func (h *HTTPHandler) BulkDecide(w http.ResponseWriter, r *http.Request) {
	var req decisionBody
	rounds := func(ctx context.Context) map[string]int { return h.svc.decisionRounds(ctx, req.IDs...) }
	h.guarded(w, r, http.StatusOK, &req, rounds, func(ctx context.Context, actor auth.Actor) (any, error) {
		decision, err := req.decision()
		if err != nil {
			return nil, err
		}
		return h.svc.Bulk.Apply(ctx, actor, service.BulkDecisionRequest{
			OrderIDs: req.IDs,
			Decision: decision,
			Comments: req.Comments,
		})
	})
}

// ── Receiving ─────────────────────────────────────────────────────────────────

// ReceiveOrder books a whole delivery. It spans several transactions, so the
// request is claimed up front and completed once the receipt is booked.
func (h *HTTPHandler) ReceiveOrder(w http.ResponseWriter, r *http.Request) {
	var req service.ReceiveRequest
	h.claimed(w, r, http.StatusOK, &req, func(ctx context.Context, actor auth.Actor) (any, error) {
		return sideEffect(h.svc.Receiving.Receive(ctx, actor, req))
	})
}

type sessionBody struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Notes     string `json:"notes"`
}

// StartReceiving handles receiving session start HTTP requests
func (h *HTTPHandler) StartReceiving(w http.ResponseWriter, r *http.Request) {
	var req sessionBody
	h.guarded(w, r, http.StatusOK, &req, nil, func(ctx context.Context, actor auth.Actor) (any, error) {
		return h.svc.Receiving.StartSession(ctx, actor, req.ID, req.Notes)
	})
}

// ReceiveItem handles single product receipt HTTP requests
func (h *HTTPHandler) ReceiveItem(w http.ResponseWriter, r *http.Request) {
	var req service.ReceiveItemRequest
	h.guarded(w, r, http.StatusOK, &req, nil, func(ctx context.Context, actor auth.Actor) (any, error) {
		return h.svc.Receiving.ReceiveItem(ctx, actor, req)
	})
}

// CompleteReceiving handles receiving session completion HTTP requests
func (h *HTTPHandler) CompleteReceiving(w http.ResponseWriter, r *http.Request) {
	var req sessionBody
	h.guarded(w, r, http.StatusOK, &req, nil, func(ctx context.Context, actor auth.Actor) (any, error) {
		return h.svc.Receiving.CompleteSession(ctx, actor, req.SessionID)
	})
}

// GetSession handles receiving session read HTTP requests
func (h *HTTPHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.svc.Receiving.Session(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		h.writeError(w, r, err, 0)
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

// ── Thresholds ────────────────────────────────────────────────────────────────

// GetThresholds returns the tier set in force for an outlet, or the tier a
// given total resolves to when total is passed.
func (h *HTTPHandler) GetThresholds(w http.ResponseWriter, r *http.Request) {
	outletID := r.URL.Query().Get("outlet_id")
	if raw := r.URL.Query().Get("total"); raw != "" {
		total, err := decimal.NewFromString(raw)
		if err != nil {
			h.writeError(w, r, errors.InvalidInput("total", "total must be a decimal amount"), 0)
			return
		}
		tier, err := h.svc.Thresholds.Resolve(r.Context(), outletID, total)
		if err != nil {
			h.writeError(w, r, err, 0)
			return
		}
		h.writeJSON(w, http.StatusOK, tier)
		return
	}

	set, err := h.svc.Thresholds.Get(r.Context(), outletID)
	if err != nil {
		h.writeError(w, r, err, 0)
		return
	}
	h.writeJSON(w, http.StatusOK, set)
}

type thresholdsBody struct {
	Tiers []workflow.Tier `json:"tiers"`
}

// ReplaceThresholds swaps the tier set of the default scope or of outlet_id.
func (h *HTTPHandler) ReplaceThresholds(w http.ResponseWriter, r *http.Request) {
	var req thresholdsBody
	outletID := r.URL.Query().Get("outlet_id")
	h.guarded(w, r, http.StatusOK, &req, nil, func(ctx context.Context, actor auth.Actor) (any, error) {
		return h.svc.Thresholds.Replace(ctx, actor, outletID, req.Tiers)
	})
}

// DeleteThresholds removes an outlet override.
func (h *HTTPHandler) DeleteThresholds(w http.ResponseWriter, r *http.Request) {
	outletID := r.URL.Query().Get("outlet_id")
	h.guarded(w, r, http.StatusOK, nil, nil, func(ctx context.Context, actor auth.Actor) (any, error) {
		removed, err := h.svc.Thresholds.DeleteOverride(ctx, actor, outletID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"outlet_id": outletID, "deleted": removed}, nil
	})
}

// ── plumbing ──────────────────────────────────────────────────────────────────

type envelope struct {
	Success bool               `json:"success"`
	Data    any                `json:"data,omitempty"`
	Error   errors.Code        `json:"error,omitempty"`
	Message string             `json:"message,omitempty"`
	Field   string             `json:"field,omitempty"`
	Errors  []errors.ItemError `json:"errors,omitempty"`
}

type actorHandler func(w http.ResponseWriter, r *http.Request)

// withActor authenticates the bearer token and stores the actor on the request context.
func (h *HTTPHandler) withActor(next actorHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := h.auth.ActorFromRequest(r)
		if err != nil {
			h.writeError(w, r, err, 0)
			return
		}
		next(w, r.WithContext(auth.WithActor(r.Context(), actor)))
	})
}

// authenticated restricts a route to one method and an authenticated actor.
func (h *HTTPHandler) authenticated(method string, next actorHandler) http.Handler {
	return h.withActor(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			h.writeError(w, r, errors.New(errors.ErrCodeInvalidInput, "method not allowed"), http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	})
}

func (h *HTTPHandler) actor(r *http.Request) auth.Actor {
	actor, _ := auth.ActorFromContext(r.Context())
	return actor
}

// guarded decodes the body into req and runs op at most once per actor,
// client key, approval round and body. rounds may be nil. A repeated request
// gets the stored result and the replay header.
func (h *HTTPHandler) guarded(w http.ResponseWriter, r *http.Request, status int, req any, rounds roundsFunc, op func(ctx context.Context, actor auth.Actor) (any, error)) {
	actor := h.actor(r)
	key, err := h.decodeKeyed(r, actor, req, rounds)
	if err != nil {
		h.writeError(w, r, err, 0)
		return
	}

	res, err := h.guard.Execute(r.Context(), key, func(ctx context.Context) (any, error) {
		return op(ctx, actor)
	})
	if err != nil {
		h.writeError(w, r, err, 0)
		return
	}
	h.writeSnapshot(w, status, res)
}

// claimed is guarded for operations with effects outside the database. The
// claim commits before op runs and is released only when op returns a nil
// result, so an effect that happened is never repeated by a retry.
func (h *HTTPHandler) claimed(w http.ResponseWriter, r *http.Request, status int, req any, op func(ctx context.Context, actor auth.Actor) (any, error)) {
	actor := h.actor(r)
	key, err := h.decodeKeyed(r, actor, req, nil)
	if err != nil {
		h.writeError(w, r, err, 0)
		return
	}

	ctx := r.Context()
	prior, claimed, err := h.guard.Claim(ctx, key)
	if err != nil {
		h.writeError(w, r, err, 0)
		return
	}
	if !claimed {
		h.writeSnapshot(w, status, prior)
		return
	}

	out, err := op(ctx, actor)
	if err != nil {
		if out == nil {
			if relErr := h.guard.Release(context.WithoutCancel(ctx), key); relErr != nil {
				h.log.Error().Err(relErr).Str("hash", key.Hash).Msg("Failed to release idempotency claim")
			}
		} else {
			h.log.Warn().Err(err).Str("hash", key.Hash).Msg("Claim kept after partial failure")
		}
		h.writeError(w, r, err, 0)
		return
	}

	res, err := h.guard.Complete(context.WithoutCancel(ctx), key, out)
	if err != nil {
		h.log.Error().Err(err).Str("hash", key.Hash).Msg("Failed to store result snapshot")
		h.writeJSON(w, status, out)
		return
	}
	h.writeSnapshot(w, status, res)
}

// decodeKeyed reads the body into req, which may be nil, and fingerprints the
// request. The query string is part of the path so writes to different scopes
// never collide.
func (h *HTTPHandler) decodeKeyed(r *http.Request, actor auth.Actor, req any, rounds roundsFunc) (idempotency.Key, error) {
	body, err := readBody(r)
	if err != nil {
		return idempotency.Key{}, err
	}
	if req != nil {
		if err := decode(body, req); err != nil {
			return idempotency.Key{}, err
		}
	}
	scope, err := requestScope(r.Context(), actor, r.Header.Get(IdempotencyKeyHeader), rounds)
	if err != nil {
		return idempotency.Key{}, err
	}
	scoped, err := idempotency.Scoped(scope, body)
	if err != nil {
		return idempotency.Key{}, err
	}
	return idempotency.NewKey(r.Method, r.URL.RequestURI(), scoped)
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, errors.InvalidInput("body", "failed to read request body")
	}
	if len(body) > maxBodyBytes {
		return nil, errors.InvalidInput("body", "request body too large")
	}
	return body, nil
}

func decode(body []byte, v any) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.InvalidInput("body", "invalid request body")
	}
	return nil
}

func (h *HTTPHandler) writeSnapshot(w http.ResponseWriter, status int, res idempotency.Result) {
	if res.Replayed {
		w.Header().Set(ReplayedHeader, "true")
	}
	h.writeJSON(w, status, json.RawMessage(res.Snapshot))
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError renders err in the envelope. status overrides the status derived
// from the error code when non-zero.
func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error, status int) {
	if status == 0 {
		status = errors.HTTPStatus(err)
	}
	if status >= http.StatusInternalServerError {
		h.log.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.RequestIDFromContext(r.Context())).
			Msg("Request failed")
	}

	resp := envelope{
		Error:   errors.CodeOf(err),
		Message: errors.PublicMessage(err),
		Errors:  errors.ItemsOf(err),
	}
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		resp.Field = appErr.Field
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		h.log.Error().Err(encErr).Msg("Failed to encode error response")
	}
}
