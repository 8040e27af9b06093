package api

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-governance/internal/engine"
	"github.com/miradorstack/mirador-governance/internal/services"
	"github.com/miradorstack/mirador-governance/internal/utils"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mirador.governance.v1.GovernanceEngine"

// GovernanceEngineServer is the unary surface of the governance engine. Requests and responses are
// google.protobuf.Struct documents keyed by snake_case field names.
type GovernanceEngineServer interface {
	CanProceed(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PendingAlerts(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PropertySummary(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunAnalysis(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckThresholds(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolveAlert(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UnlockLock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExpireOldLocks(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExpirePendingAlerts(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AnomalyTrend(context.Context, *structpb.Struct) (*structpb.Struct, error)
	HealthCheck(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(GovernanceEngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(GovernanceEngineServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(GovernanceEngineServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes GovernanceEngine for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GovernanceEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("CanProceed", GovernanceEngineServer.CanProceed),
		unaryMethod("PendingAlerts", GovernanceEngineServer.PendingAlerts),
		unaryMethod("PropertySummary", GovernanceEngineServer.PropertySummary),
		unaryMethod("RunAnalysis", GovernanceEngineServer.RunAnalysis),
		unaryMethod("CheckThresholds", GovernanceEngineServer.CheckThresholds),
		unaryMethod("ResolveAlert", GovernanceEngineServer.ResolveAlert),
		unaryMethod("UnlockLock", GovernanceEngineServer.UnlockLock),
		unaryMethod("ExpireOldLocks", GovernanceEngineServer.ExpireOldLocks),
		unaryMethod("ExpirePendingAlerts", GovernanceEngineServer.ExpirePendingAlerts),
		unaryMethod("AnomalyTrend", GovernanceEngineServer.AnomalyTrend),
		unaryMethod("HealthCheck", GovernanceEngineServer.HealthCheck),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mirador/governance/v1/governance.proto",
}

// RegisterGovernanceEngineServer attaches srv to a gRPC server.
func RegisterGovernanceEngineServer(s grpc.ServiceRegistrar, srv GovernanceEngineServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Handler adapts GovernanceService to the gRPC surface.
type Handler struct {
	svc    *services.GovernanceService
	logger *slog.Logger
}

// NewHandler wraps svc.
func NewHandler(svc *services.GovernanceService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) CanProceed(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	decision, err := h.svc.CanProceed(ctx, stringField(req, "property_id"), stringField(req, "action"))
	if err != nil {
		return nil, h.toStatus("CanProceed", err)
	}
	return encode(ToStructDecision(decision))
}

func (h *Handler) PendingAlerts(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	alerts, err := h.svc.PendingAlerts(ctx, stringField(req, "committee"))
	if err != nil {
		return nil, h.toStatus("PendingAlerts", err)
	}
	return encode(ToStructAlerts(alerts))
}

func (h *Handler) PropertySummary(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	summary, err := h.svc.PropertySummary(ctx, stringField(req, "property_id"))
	if err != nil {
		return nil, h.toStatus("PropertySummary", err)
	}
	return encode(ToStructPropertySummary(summary))
}

func (h *Handler) RunAnalysis(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	analysisReq, err := FromStructAnalysisRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	outcome, err := h.svc.RunAnalysis(ctx, analysisReq)
	if err != nil && outcome.Result.ID == "" {
		return nil, h.toStatus("RunAnalysis", err)
	}
	if err != nil {
		// Result is persisted; the alert path failed and is reported in the log only.
		h.logger.Warn("anomaly alert failed", slog.String("result_id", outcome.Result.ID), slog.Any("error", err))
	}
	return encode(ToStructAnalysisOutcome(outcome))
}

func (h *Handler) CheckThresholds(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	outcomes, err := h.svc.CheckThresholds(ctx, stringField(req, "property_id"))
	if err != nil {
		return nil, h.toStatus("CheckThresholds", err)
	}
	return encode(ToStructAlertOutcomes(outcomes))
}

func (h *Handler) ResolveAlert(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	resolveReq, err := FromStructResolveRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	outcome, err := h.svc.ResolveAlert(ctx, resolveReq)
	if err != nil {
		return nil, h.toStatus("ResolveAlert", err)
	}
	return encode(ToStructResolveOutcome(outcome))
}

func (h *Handler) UnlockLock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	lock, err := h.svc.UnlockLock(ctx, stringField(req, "lock_id"), stringField(req, "actor"), stringField(req, "reason"))
	if err != nil {
		return nil, h.toStatus("UnlockLock", err)
	}
	return encode(ToStructLock(lock))
}

func (h *Handler) ExpireOldLocks(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	days, err := intField(req, "age_days")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	report, err := h.svc.ExpireOldLocks(ctx, days)
	if err != nil {
		return nil, h.toStatus("ExpireOldLocks", err)
	}
	return encode(ToStructSweep(report))
}

func (h *Handler) ExpirePendingAlerts(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	report, err := h.svc.ExpirePendingAlerts(ctx)
	if err != nil {
		return nil, h.toStatus("ExpirePendingAlerts", err)
	}
	return encode(ToStructSweep(report))
}

func (h *Handler) AnomalyTrend(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	trends, err := h.svc.AnomalyTrend(ctx, stringField(req, "property_id"), stringField(req, "metric_name"))
	if err != nil {
		return nil, h.toStatus("AnomalyTrend", err)
	}
	return encode(ToStructTrends(trends))
}

func (h *Handler) HealthCheck(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	state, err := h.svc.HealthCheck(ctx)
	if err != nil {
		h.logger.Warn("health check failed", slog.Any("error", err))
	}
	return encode(structpb.NewStruct(map[string]any{
		"status":         state,
		"latency_p95_ms": h.svc.LatencyP95().Milliseconds(),
	}))
}

func encode(out *structpb.Struct, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// toStatus maps the engine error taxonomy onto gRPC codes.
func (h *Handler) toStatus(method string, err error) error {
	code := Code(err)
	if code == codes.Internal {
		h.logger.Error("governance call failed", slog.String("method", method), slog.Any("error", err))
	}
	return status.Error(code, err.Error())
}

// Code classifies err.
func Code(err error) codes.Code {
	var (
		threshold *utils.InvalidThresholdError
		short     *utils.InsufficientDataError
		conflict  *utils.ConcurrentMutationError
	)
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, services.ErrInvalidRequest),
		errors.Is(err, engine.ErrInvalidLockOptions),
		errors.Is(err, utils.ErrUnsupportedMethod),
		errors.As(err, &threshold):
		return codes.InvalidArgument
	case errors.Is(err, utils.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, utils.ErrInvalidTransition),
		errors.Is(err, engine.ErrSeverityNotLockable),
		errors.As(err, &short):
		return codes.FailedPrecondition
	case errors.As(err, &conflict):
		return codes.Aborted
	case errors.Is(err, utils.ErrInsufficientAuthority):
		return codes.PermissionDenied
	default:
		return codes.Internal
	}
}
