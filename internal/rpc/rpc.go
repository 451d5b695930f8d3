// Package rpc exposes a minimal gRPC status service a UI-facing
// controller polls to learn which orchestrator is attached, what FSM
// state it's in, and how far the current operation has progressed.
// Grounded on the server shape used by driver/device.HasherServer in
// the teacher repo (a struct embedding an Unimplemented* server,
// status.Errorf with a codes.* reason for every failure path) and
// registered against *grpc.Server exactly as NewHasherServer's caller
// does. The teacher's generated pb package
// (hasher/internal/proto/hasher/v1) isn't present in this tree to
// regenerate from, and this project cannot invoke protoc, so the
// service descriptor and message types here are hand-written and
// carried over the wire with a small JSON codec registered under
// content-subtype "json" rather than protobuf's wire format — grpc
// itself (framing, streaming, status codes, interceptors) is the real
// dependency being exercised, not protobuf's binary encoding.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

const jsonCodecName = "json"

// jsonCodec implements grpc/encoding.Codec with encoding/json, used so
// this package's hand-written messages don't need protoc-generated
// proto.Message implementations to ride over grpc.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// DeviceStatusRequest requests the orchestrator's current status.
// Empty: the service reports whatever session is currently attached.
type DeviceStatusRequest struct{}

// DeviceStatusResponse reports one orchestrator's live state.
type DeviceStatusResponse struct {
	Vendor          string  `json:"vendor"`
	State           string  `json:"state"`
	Protocol        string  `json:"protocol,omitempty"`
	OperationName   string  `json:"operation_name,omitempty"`
	ProgressPercent float64 `json:"progress_percent"`
	Message         string  `json:"message,omitempty"`
}

// Provider is supplied by whichever vendor orchestrator is currently
// attached; it reports a snapshot of that session's status.
type Provider func(ctx context.Context) (DeviceStatusResponse, error)

// StatusServiceServer is the service interface a gRPC server registers.
type StatusServiceServer interface {
	GetDeviceStatus(ctx context.Context, req *DeviceStatusRequest) (*DeviceStatusResponse, error)
}

// UnimplementedStatusServiceServer can be embedded by servers that
// only need a subset of methods, mirroring the forward-compatibility
// pattern generated protobuf servers use.
type UnimplementedStatusServiceServer struct{}

func (UnimplementedStatusServiceServer) GetDeviceStatus(context.Context, *DeviceStatusRequest) (*DeviceStatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetDeviceStatus not implemented")
}

// StatusServer adapts a Provider function into a StatusServiceServer.
type StatusServer struct {
	UnimplementedStatusServiceServer
	provider Provider
}

// NewStatusServer creates a StatusServer backed by provider.
func NewStatusServer(provider Provider) *StatusServer {
	return &StatusServer{provider: provider}
}

// GetDeviceStatus implements StatusServiceServer.
func (s *StatusServer) GetDeviceStatus(ctx context.Context, req *DeviceStatusRequest) (*DeviceStatusResponse, error) {
	if s.provider == nil {
		return nil, status.Error(codes.Unavailable, "no orchestrator session attached")
	}
	resp, err := s.provider(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "reading device status: %v", err)
	}
	return &resp, nil
}

func getDeviceStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeviceStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatusServiceServer).GetDeviceStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/flashengine.rpc.StatusService/GetDeviceStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StatusServiceServer).GetDeviceStatus(ctx, req.(*DeviceStatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// serviceDesc is the hand-written equivalent of a protoc-generated
// grpc.ServiceDesc for StatusService.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "flashengine.rpc.StatusService",
	HandlerType: (*StatusServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetDeviceStatus", Handler: getDeviceStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/rpc/rpc.go",
}

// RegisterStatusServiceServer registers srv against s, the same call
// shape a generated RegisterXServiceServer function has.
func RegisterStatusServiceServer(s *grpc.Server, srv StatusServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

// StatusServiceClient is the client-side interface a generated
// NewXServiceClient constructor would normally return.
type StatusServiceClient interface {
	GetDeviceStatus(ctx context.Context, in *DeviceStatusRequest, opts ...grpc.CallOption) (*DeviceStatusResponse, error)
}

type statusServiceClient struct {
	cc *grpc.ClientConn
}

// NewStatusServiceClient wraps cc for calls to StatusService.
func NewStatusServiceClient(cc *grpc.ClientConn) StatusServiceClient {
	return &statusServiceClient{cc: cc}
}

func (c *statusServiceClient) GetDeviceStatus(ctx context.Context, in *DeviceStatusRequest, opts ...grpc.CallOption) (*DeviceStatusResponse, error) {
	out := new(DeviceStatusResponse)
	opts = append(opts, grpc.CallContentSubtype(jsonCodecName))
	err := c.cc.Invoke(ctx, "/flashengine.rpc.StatusService/GetDeviceStatus", in, out, opts...)
	if err != nil {
		return nil, fmt.Errorf("rpc.GetDeviceStatus: %w", err)
	}
	return out, nil
}
