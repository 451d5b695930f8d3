package rpc

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func dialer(lis *bufconn.Listener) func(context.Context, string) (net.Conn, error) {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		return lis.Dial()
	}
}

func TestGetDeviceStatusRoundTripsOverBufconn(t *testing.T) {
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	RegisterStatusServiceServer(srv, NewStatusServer(func(ctx context.Context) (DeviceStatusResponse, error) {
		return DeviceStatusResponse{Vendor: "mediatek", State: "Ready", Protocol: "xflash", ProgressPercent: 42.5}, nil
	}))
	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer(lis)),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dialing bufconn: %v", err)
	}
	defer conn.Close()

	client := NewStatusServiceClient(conn)
	resp, err := client.GetDeviceStatus(context.Background(), &DeviceStatusRequest{})
	if err != nil {
		t.Fatalf("GetDeviceStatus error: %v", err)
	}
	if resp.Vendor != "mediatek" || resp.State != "Ready" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.ProgressPercent != 42.5 {
		t.Fatalf("ProgressPercent = %v", resp.ProgressPercent)
	}
}

func TestGetDeviceStatusErrorsWithoutProvider(t *testing.T) {
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	RegisterStatusServiceServer(srv, NewStatusServer(nil))
	go srv.Serve(lis)
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer(lis)),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dialing bufconn: %v", err)
	}
	defer conn.Close()

	client := NewStatusServiceClient(conn)
	if _, err := client.GetDeviceStatus(context.Background(), &DeviceStatusRequest{}); err == nil {
		t.Fatalf("expected error when no provider is attached")
	}
}
