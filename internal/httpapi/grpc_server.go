package httpapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"videotube.org/internal/auth"
	"videotube.org/internal/obs"
)

const (
	serviceName = "videotube-api"

	identityService   = "videotube.auth.v1.Identity"
	methodWhoAmI      = "/" + identityService + "/WhoAmI"
	methodGetInfo     = "/" + identityService + "/GetInfo"
	healthServicePath = "/grpc.health.v1.Health/"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// IdentityServer is the server API of videotube.auth.v1.Identity.
type IdentityServer interface {
	WhoAmI(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetInfo(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// GRPCServer implements the Identity service and the standard health service.
type GRPCServer struct {
	healthpb.UnimplementedHealthServer

	readiness readinessChecker
	version   string
}

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(r readinessChecker, version string) *GRPCServer {
	return &GRPCServer{
		readiness: r,
		version:   version,
	}
}

// NewGRPC builds a server with the auth interceptor and both services registered.
func NewGRPC(svc *auth.Service, r readinessChecker, version string, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(UnaryAuthInterceptor(svc))}, opts...)
	server := grpc.NewServer(opts...)
	RegisterGRPC(server, NewGRPCServer(r, version))
	return server
}

// RegisterGRPC registers srv on s.
func RegisterGRPC(s grpc.ServiceRegistrar, srv *GRPCServer) {
	s.RegisterService(&identityServiceDesc, srv)
	healthpb.RegisterHealthServer(s, srv)
}

// WhoAmI returns the identity attached by the auth interceptor.
func (s *GRPCServer) WhoAmI(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	user, ok := auth.UserFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "unauthorized request")
	}
	return structpb.NewStruct(map[string]any{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
		"fullName": user.FullName,
	})
}

// GetInfo returns service metadata.
func (s *GRPCServer) GetInfo(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"name":    serviceName,
		"version": s.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Check evaluates readiness. On failure returns gRPC Unavailable error.
func (s *GRPCServer) Check(ctx context.Context, _ *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		return nil, status.Errorf(codes.Unavailable, "not ready: %v", err)
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

// UnaryAuthInterceptor requires a bearer access token in the "authorization"
// metadata for every method except health checks and GetInfo.
func UnaryAuthInterceptor(svc *auth.Service) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthServicePath) || info.FullMethod == methodGetInfo {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		var header string
		if vals := md.Get("authorization"); len(vals) > 0 {
			header = vals[0]
		}
		token, err := extractBearerToken(header)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "unauthorized request")
		}
		user, err := svc.Authenticate(ctx, token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrTokenExpired) {
				return nil, status.Error(codes.Unauthenticated, "invalid access token")
			}
			obs.Logger().ErrorContext(ctx, "grpc authenticate failed", "method", info.FullMethod, "error", err)
			return nil, status.Error(codes.Internal, "internal error")
		}
		return handler(auth.ContextWithUser(ctx, user), req)
	}
}

var identityServiceDesc = grpc.ServiceDesc{
	ServiceName: identityService,
	HandlerType: (*IdentityServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "WhoAmI", Handler: unaryHandler(methodWhoAmI, IdentityServer.WhoAmI)},
		{MethodName: "GetInfo", Handler: unaryHandler(methodGetInfo, IdentityServer.GetInfo)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "videotube/auth/v1/identity.proto",
}

func unaryHandler(fullMethod string, call func(IdentityServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(IdentityServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(IdentityServer), ctx, req.(*emptypb.Empty))
		})
	}
}
