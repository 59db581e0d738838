package handler

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/platform/protoconv"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// EngineServiceName is the fully qualified gRPC service domain modules call.
const EngineServiceName = "approvals.v1.ApprovalEngine"

// EngineServer is the server side of approvals.v1.ApprovalEngine. Requests
// and responses are google.protobuf.Struct documents carrying the same JSON
// shapes as the HTTP API.
type EngineServer interface {
	Initiate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetInstance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetInstanceByTarget(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// engineServiceDesc is hand-written over structpb messages. No file
// descriptor is registered for Metadata, so server reflection lists the
// service name but cannot describe its methods.
var engineServiceDesc = grpc.ServiceDesc{
	ServiceName: EngineServiceName,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		structMethod("Initiate", EngineServer.Initiate),
		structMethod("Cancel", EngineServer.Cancel),
		structMethod("GetInstance", EngineServer.GetInstance),
		structMethod("GetInstanceByTarget", EngineServer.GetInstanceByTarget),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "approvals/v1/engine.proto",
}

// RegisterEngineServer registers srv on s.
func RegisterEngineServer(s grpc.ServiceRegistrar, srv EngineServer) {
	s.RegisterService(&engineServiceDesc, srv)
}

func structMethod(name string, call func(EngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(EngineServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + EngineServiceName + "/" + name,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(EngineServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// GRPCHandler implements EngineServer on top of the engine and query service.
type GRPCHandler struct {
	engine  *service.Engine
	queries *service.QueryService
	log     *logger.Logger
}

var _ EngineServer = (*GRPCHandler)(nil)

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(engine *service.Engine, queries *service.QueryService, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		engine:  engine,
		queries: queries,
		log:     log.Component("grpc_handler"),
	}
}

// Initiate starts an approval for a domain request.
func (h *GRPCHandler) Initiate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req service.InitiateRequest
	if err := protoconv.FromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	h.log.Info().
		Str("target_type", req.TargetType).
		Str("target_id", req.TargetID).
		Str("flow_code", req.FlowCode).
		Msg("gRPC Initiate called")

	inst, err := h.engine.Initiate(ctx, req)
	if err != nil {
		return nil, h.toStatus(err, "Initiate")
	}
	return h.encode(inst)
}

// Cancel withdraws an open instance.
func (h *GRPCHandler) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req service.CancelRequest
	if err := protoconv.FromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	h.log.Info().Str("instance_id", req.InstanceID).Msg("gRPC Cancel called")

	inst, err := h.engine.Cancel(ctx, req)
	if err != nil {
		return nil, h.toStatus(err, "Cancel")
	}
	return h.encode(inst)
}

type instanceLookup struct {
	ID         string `json:"id"`
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
}

// GetInstance returns an instance by id.
func (h *GRPCHandler) GetInstance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req instanceLookup
	if err := protoconv.FromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	inst, err := h.queries.Instance(ctx, req.ID)
	if err != nil {
		return nil, h.toStatus(err, "GetInstance")
	}
	return h.encode(inst)
}

// GetInstanceByTarget returns the most recent instance for a target.
func (h *GRPCHandler) GetInstanceByTarget(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req instanceLookup
	if err := protoconv.FromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	inst, err := h.queries.InstanceByTarget(ctx, req.TargetType, req.TargetID)
	if err != nil {
		return nil, h.toStatus(err, "GetInstanceByTarget")
	}
	return h.encode(inst)
}

func (h *GRPCHandler) encode(v any) (*structpb.Struct, error) {
	out, err := protoconv.ToStruct(v)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode gRPC response")
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

// toStatus maps coded errors onto gRPC status codes. Internal errors are
// logged and their detail withheld from the caller.
func (h *GRPCHandler) toStatus(err error, method string) error {
	code := errors.CodeOf(err)
	if code == errors.ErrCodeInternal {
		h.log.Error().Err(err).Str("method", method).Msg("gRPC call failed")
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(errors.GRPCCode(code), err.Error())
}
