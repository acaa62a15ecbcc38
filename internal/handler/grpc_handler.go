package handler

import (
	"context"
	"encoding/json"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/auth"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/idempotency"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/logger"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/service"
	"github.com/pesio-ai/be-ap-purchase-orders/internal/workflow"
)

// WorkflowServiceName is the fully qualified gRPC service name.
const WorkflowServiceName = "procurement.v1.PurchaseOrderWorkflow"

// WorkflowServer is the gRPC surface of the workflow. Messages are free-form
// structs so callers need no generated stubs.
type WorkflowServer interface {
	Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Approve(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	BulkApprove(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// WorkflowServiceDesc describes WorkflowServer for grpc.Server.RegisterService.
var WorkflowServiceDesc = grpc.ServiceDesc{
	ServiceName: WorkflowServiceName,
	HandlerType: (*WorkflowServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Submit", WorkflowServer.Submit),
		unaryMethod("Approve", WorkflowServer.Approve),
		unaryMethod("BulkApprove", WorkflowServer.BulkApprove),
		unaryMethod("Send", WorkflowServer.Send),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "procurement/v1/purchase_order_workflow.proto",
}

func unaryMethod(name string, call func(WorkflowServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	fullMethod := "/" + WorkflowServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(WorkflowServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(WorkflowServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// GRPCHandler implements WorkflowServer
type GRPCHandler struct {
	svc   Services
	guard *idempotency.Guard
	auth  *auth.Authenticator
	log   *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(svc Services, guard *idempotency.Guard, authn *auth.Authenticator, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		svc:   svc,
		guard: guard,
		auth:  authn,
		log:   log.Component("grpc"),
	}
}

// Register adds the workflow service to s.
func (h *GRPCHandler) Register(s *grpc.Server) {
	s.RegisterService(&WorkflowServiceDesc, h)
}

// AuthInterceptor validates the bearer token in the authorization metadata
// of workflow calls and stores the actor on the context. Other services, such
// as health and reflection, pass through.
func (h *GRPCHandler) AuthInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if !strings.HasPrefix(info.FullMethod, "/"+WorkflowServiceName+"/") {
		return handler(ctx, req)
	}
	md, _ := metadata.FromIncomingContext(ctx)
	var token string
	if values := md.Get("authorization"); len(values) > 0 {
		token, _ = strings.CutPrefix(values[0], "Bearer ")
	}
	if token == "" {
		return nil, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	actor, err := h.auth.ValidateToken(token)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return handler(auth.WithActor(ctx, actor), req)
}

// Submit routes a draft for approval
func (h *GRPCHandler) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(in, "id")
	h.log.Info().Str("po_id", id).Msg("gRPC Submit called")

	rounds := func(ctx context.Context) map[string]int { return h.svc.submitRounds(ctx, id) }
	return h.guarded(ctx, "Submit", in, rounds, func(ctx context.Context, actor auth.Actor) (any, error) {
		return h.svc.Orders.Submit(ctx, actor, id)
	})
}

// Approve records one decision
func (h *GRPCHandler) Approve(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(in, "id")
	h.log.Info().Str("po_id", id).Msg("gRPC Approve called")

	rounds := func(ctx context.Context) map[string]int { return h.svc.decisionRounds(ctx, id) }
	return h.guarded(ctx, "Approve", in, rounds, func(ctx context.Context, actor auth.Actor) (any, error) {
		decision, err := decisionField(in)
		if err != nil {
			return nil, err
		}
		return h.svc.Ledger.RecordDecision(ctx, actor, service.DecisionRequest{
			OrderID:  id,
			Decision: decision,
			Comments: stringField(in, "comments"),
		})
	})
}

// BulkApprove applies one decision to a batch of orders, all or nothing
func (h *GRPCHandler) BulkApprove(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var ids []string
	for _, v := range in.GetFields()["po_ids"].GetListValue().GetValues() {
		ids = append(ids, v.GetStringValue())
	}
	h.log.Info().Int("batch_size", len(ids)).Msg("gRPC BulkApprove called")

	rounds := func(ctx context.Context) map[string]int { return h.svc.decisionRounds(ctx, ids...) }
	return h.guarded(ctx, "BulkApprove", in, rounds, func(ctx context.Context, actor auth.Actor) (any, error) {
		decision, err := decisionField(in)
		if err != nil {
			return nil, err
		}
		return h.svc.Bulk.Apply(ctx, actor, service.BulkDecisionRequest{
			OrderIDs: ids,
			Decision: decision,
			Comments: stringField(in, "comments"),
		})
	})
}

// Send notifies the supplier of an approved order. The request is claimed
// before the supplier is called.
func (h *GRPCHandler) Send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(in, "id")
	h.log.Info().Str("po_id", id).Msg("gRPC Send called")

	actor, key, err := h.requestKey(ctx, "Send", in, nil)
	if err != nil {
		return nil, err
	}
	prior, claimed, err := h.guard.Claim(ctx, key)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	if !claimed {
		return h.respond(ctx, prior)
	}

	po, err := h.svc.Orders.Send(ctx, actor, id)
	if err != nil {
		if po == nil {
			if relErr := h.guard.Release(context.WithoutCancel(ctx), key); relErr != nil {
				h.log.Error().Err(relErr).Str("hash", key.Hash).Msg("Failed to release idempotency claim")
			}
		}
		h.log.Error().Err(err).Str("method", "Send").Str("actor_id", actor.ID).Msg("gRPC call failed")
		return nil, mapErrorToGRPC(err)
	}
	res, err := h.guard.Complete(context.WithoutCancel(ctx), key, po)
	if err != nil {
		h.log.Error().Err(err).Str("hash", key.Hash).Msg("Failed to store result snapshot")
		return nil, mapErrorToGRPC(err)
	}
	return h.respond(ctx, res)
}

// guarded runs op through the idempotency guard, keyed on the method, the
// actor, the client key, the approval rounds and the request struct.
func (h *GRPCHandler) guarded(ctx context.Context, method string, in *structpb.Struct, rounds roundsFunc, op func(ctx context.Context, actor auth.Actor) (any, error)) (*structpb.Struct, error) {
	actor, key, err := h.requestKey(ctx, method, in, rounds)
	if err != nil {
		return nil, err
	}

	res, err := h.guard.Execute(ctx, key, func(ctx context.Context) (any, error) {
		return op(ctx, actor)
	})
	if err != nil {
		h.log.Error().Err(err).Str("method", method).Str("actor_id", actor.ID).Msg("gRPC call failed")
		return nil, mapErrorToGRPC(err)
	}
	return h.respond(ctx, res)
}

// requestKey returns the caller and the fingerprint of a call. The client key
// travels in the idempotency-key metadata.
func (h *GRPCHandler) requestKey(ctx context.Context, method string, in *structpb.Struct, rounds roundsFunc) (auth.Actor, idempotency.Key, error) {
	actor, ok := auth.ActorFromContext(ctx)
	if !ok {
		return auth.Actor{}, idempotency.Key{}, status.Error(codes.Unauthenticated, "missing actor")
	}

	payload, err := protojson.Marshal(in)
	if err != nil {
		return actor, idempotency.Key{}, status.Error(codes.InvalidArgument, "invalid request")
	}
	var clientKey string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(strings.ToLower(IdempotencyKeyHeader)); len(values) > 0 {
			clientKey = values[0]
		}
	}
	scope, err := requestScope(ctx, actor, clientKey, rounds)
	if err != nil {
		return actor, idempotency.Key{}, mapErrorToGRPC(err)
	}
	scoped, err := idempotency.Scoped(scope, payload)
	if err != nil {
		return actor, idempotency.Key{}, mapErrorToGRPC(err)
	}
	key, err := idempotency.NewKey("GRPC", "/"+WorkflowServiceName+"/"+method, scoped)
	if err != nil {
		return actor, idempotency.Key{}, mapErrorToGRPC(err)
	}
	return actor, key, nil
}

func (h *GRPCHandler) respond(ctx context.Context, res idempotency.Result) (*structpb.Struct, error) {
	if res.Replayed {
		if err := grpc.SetHeader(ctx, metadata.Pairs(strings.ToLower(ReplayedHeader), "true")); err != nil {
			h.log.Warn().Err(err).Msg("Failed to set replay header")
		}
	}
	return snapshotToStruct(res.Snapshot)
}

func snapshotToStruct(snapshot json.RawMessage) (*structpb.Struct, error) {
	var fields map[string]any
	if err := json.Unmarshal(snapshot, &fields); err != nil {
		return nil, status.Error(codes.Internal, "internal error")
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal error")
	}
	return out, nil
}

func stringField(in *structpb.Struct, name string) string {
	return in.GetFields()[name].GetStringValue()
}

func decisionField(in *structpb.Struct) (workflow.Decision, error) {
	raw := stringField(in, "decision")
	if raw == "" {
		return workflow.DecisionApproved, nil
	}
	return workflow.ParseDecision(raw)
}

// mapErrorToGRPC converts an application error to a gRPC status. Per-order
// failures of a bulk call travel as a status detail.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}

	var code codes.Code
	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidInput:
		code = codes.InvalidArgument
	case errors.ErrCodeNotFound:
		code = codes.NotFound
	case errors.ErrCodeConflict, errors.ErrCodeInvalidTransition, errors.ErrCodeThresholdConfig:
		code = codes.FailedPrecondition
	case errors.ErrCodePartialBatch, errors.ErrCodeInProgress:
		code = codes.Aborted
	case errors.ErrCodeNotEligible, errors.ErrCodeForbidden:
		code = codes.PermissionDenied
	case errors.ErrCodeUnauthorized:
		code = codes.Unauthenticated
	case errors.ErrCodeUnavailable:
		code = codes.Unavailable
	default:
		code = codes.Internal
	}

	st := status.New(code, errors.PublicMessage(err))
	items := errors.ItemsOf(err)
	if len(items) == 0 {
		return st.Err()
	}

	list := make([]any, len(items))
	for i, item := range items {
		list[i] = map[string]any{"id": item.ID, "code": string(item.Code), "message": item.Message}
	}
	detail, derr := structpb.NewStruct(map[string]any{"errors": list})
	if derr != nil {
		return st.Err()
	}
	if withDetail, derr := st.WithDetails(detail); derr == nil {
		return withDetail.Err()
	}
	return st.Err()
}
