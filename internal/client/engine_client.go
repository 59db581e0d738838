package client

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-approvals/internal/platform/protoconv"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

const engineService = "/approvals.v1.ApprovalEngine/"

// EngineClient is the client domain modules use to drive the approval engine
// over gRPC.
type EngineClient struct {
	conn *grpc.ClientConn
}

// NewEngineClient dials the approvals gRPC service. Incoming request metadata
// is forwarded on every call.
func NewEngineClient(addr string, opts ...grpc.DialOption) (*EngineClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &EngineClient{conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (c *EngineClient) Close() error {
	return c.conn.Close()
}

// Initiate starts an approval for a domain request.
func (c *EngineClient) Initiate(ctx context.Context, req service.InitiateRequest) (*repository.ApprovalInstance, error) {
	return c.instanceCall(ctx, "Initiate", req)
}

// Cancel withdraws an open instance.
func (c *EngineClient) Cancel(ctx context.Context, req service.CancelRequest) (*repository.ApprovalInstance, error) {
	return c.instanceCall(ctx, "Cancel", req)
}

// GetInstance returns nil, nil when the instance does not exist.
func (c *EngineClient) GetInstance(ctx context.Context, id string) (*repository.ApprovalInstance, error) {
	inst, err := c.instanceCall(ctx, "GetInstance", map[string]string{"id": id})
	return notFoundAsNil(inst, err)
}

// GetInstanceByTarget returns nil, nil when the target never had an approval.
func (c *EngineClient) GetInstanceByTarget(ctx context.Context, targetType, targetID string) (*repository.ApprovalInstance, error) {
	inst, err := c.instanceCall(ctx, "GetInstanceByTarget", map[string]string{
		"target_type": targetType,
		"target_id":   targetID,
	})
	return notFoundAsNil(inst, err)
}

func (c *EngineClient) instanceCall(ctx context.Context, method string, req any) (*repository.ApprovalInstance, error) {
	in, err := protoconv.ToStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, engineService+method, in, out); err != nil {
		return nil, err
	}
	var inst repository.ApprovalInstance
	if err := protoconv.FromStruct(out, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func notFoundAsNil(inst *repository.ApprovalInstance, err error) (*repository.ApprovalInstance, error) {
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}
	return inst, nil
}
