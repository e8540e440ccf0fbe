package httpapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"videotube.org/internal/auth"
)

const bufSize = 1024 * 1024

func startBufGRPC(t *testing.T, server *grpc.Server) (*grpc.ClientConn, func()) {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.DialContext(
		context.Background(),
		"bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	cleanup := func() {
		server.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	}
	return conn, cleanup
}

func loginAlice(t *testing.T, svc *auth.Service) auth.TokenPair {
	t.Helper()
	ctx := context.Background()
	if _, err := svc.Register(ctx, auth.Registration{
		FullName: "Alice A",
		Email:    "alice@x.com",
		Username: "alice",
		Password: "secret1",
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	pair, _, err := svc.Login(ctx, "alice", "secret1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return pair
}

func TestGRPCServer_InfoAndHealth(t *testing.T) {
	svc := newTestService(t, nil)
	conn, cleanup := startBufGRPC(t, NewGRPC(svc, ReadyProbe{}, "1.2.3"))
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	info := new(structpb.Struct)
	if err := conn.Invoke(ctx, methodGetInfo, &emptypb.Empty{}, info); err != nil {
		t.Fatalf("GetInfo error: %v", err)
	}
	fields := info.AsMap()
	if fields["name"] != serviceName || fields["version"] != "1.2.3" {
		t.Fatalf("unexpected info response: %v", fields)
	}
	if _, err := time.Parse(time.RFC3339, fields["time"].(string)); err != nil {
		t.Fatalf("invalid time format: %v", err)
	}

	healthResp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if healthResp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status: %s", healthResp.GetStatus())
	}
}

type failingReadiness struct{}

func (f failingReadiness) Check(context.Context) error { return errors.New("boom") }

func TestGRPCServer_HealthFailure(t *testing.T) {
	conn, cleanup := startBufGRPC(t, NewGRPC(newTestService(t, nil), failingReadiness{}, "1.0.0"))
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err == nil {
		t.Fatal("expected health check error")
	}
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Unavailable {
		t.Fatalf("unexpected status: %v", err)
	}
}

func TestGRPCServer_WhoAmI(t *testing.T) {
	svc := newTestService(t, nil)
	pair := loginAlice(t, svc)
	conn, cleanup := startBufGRPC(t, NewGRPC(svc, ReadyProbe{}, "1.0.0"))
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out := new(structpb.Struct)
	err := conn.Invoke(ctx, methodWhoAmI, &emptypb.Empty{}, out)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated without token, got %v", err)
	}

	bad := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+pair.RefreshToken)
	if err := conn.Invoke(bad, methodWhoAmI, &emptypb.Empty{}, out); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated for refresh token, got %v", err)
	}

	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+pair.AccessToken)
	if err := conn.Invoke(authed, methodWhoAmI, &emptypb.Empty{}, out); err != nil {
		t.Fatalf("WhoAmI error: %v", err)
	}
	fields := out.AsMap()
	if fields["username"] != "alice" || fields["email"] != "alice@x.com" {
		t.Fatalf("unexpected identity: %v", fields)
	}
	if _, ok := fields["passwordHash"]; ok {
		t.Fatalf("identity leaks password hash")
	}
}
