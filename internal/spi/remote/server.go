package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"qazna.org/xs2a/internal/domain"
	"qazna.org/xs2a/internal/obs"
	"qazna.org/xs2a/internal/spi"
)

// backendService is the handler type registered with grpc.
type backendService interface {
	dispatch(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*backendService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodAuthenticatePsu, Handler: unaryHandler(methodAuthenticatePsu)},
		{MethodName: methodListScaMethods, Handler: unaryHandler(methodListScaMethods)},
		{MethodName: methodRequestAuthorisationCode, Handler: unaryHandler(methodRequestAuthorisationCode)},
		{MethodName: methodStartDecoupled, Handler: unaryHandler(methodStartDecoupled)},
		{MethodName: methodExecuteWithoutSca, Handler: unaryHandler(methodExecuteWithoutSca)},
		{MethodName: methodValidateConfirmationCode, Handler: unaryHandler(methodValidateConfirmationCode)},
		{MethodName: methodNotifyOutcome, Handler: unaryHandler(methodNotifyOutcome)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "xs2a/spi/v1/backend.proto",
}

func unaryHandler(method string) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		svc := srv.(backendService)
		if interceptor == nil {
			return svc.dispatch(ctx, method, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return svc.dispatch(ctx, method, req.(*structpb.Struct))
		})
	}
}

type route interface {
	handle(ctx context.Context, method string, env envelope) (any, error)
}

// Server exposes local spi.Backend implementations over gRPC.
type Server struct {
	routes map[string]route
}

var _ backendService = (*Server)(nil)

func NewServer() *Server {
	return &Server{routes: make(map[string]route)}
}

// Route registers the backend serving kind.
func Route[T any](s *Server, kind string, b spi.Backend[T]) {
	s.routes[kind] = typedRoute[T]{b: b}
}

// Register attaches the service to a grpc server.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

func (s *Server) dispatch(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	var env envelope
	if err := fromStruct(in, &env); err != nil {
		return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("%s: %v", domain.CodeFormatError, err))
	}
	r, ok := s.routes[env.Kind]
	if !ok {
		return nil, status.Error(codes.NotFound, fmt.Sprintf("%s: unknown backend %q", domain.CodeServiceInvalid, env.Kind))
	}
	res, err := r.handle(ctx, method, env)
	if err != nil {
		obs.Logger().Warn("spi request failed", "kind", env.Kind, "method", method, "error", err)
		return nil, toStatus(err)
	}
	out, err := toStruct(reply[any]{Result: res})
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("%s: encode reply", domain.CodeInternalServerError))
	}
	return out, nil
}

type typedRoute[T any] struct {
	b spi.Backend[T]
}

func (r typedRoute[T]) handle(ctx context.Context, method string, env envelope) (any, error) {
	var obj T
	if len(env.Object) > 0 {
		if err := json.Unmarshal(env.Object, &obj); err != nil {
			return nil, spi.Fail(domain.CodeFormatError, "decode object: %v", err)
		}
	}
	sc := env.Context
	switch method {
	case methodAuthenticatePsu:
		return r.b.AuthenticatePsu(ctx, sc, env.Psu, env.Password, obj)
	case methodListScaMethods:
		return r.b.ListScaMethods(ctx, sc, obj)
	case methodRequestAuthorisationCode:
		return r.b.RequestAuthorisationCode(ctx, sc, env.MethodID, obj)
	case methodStartDecoupled:
		return r.b.StartDecoupled(ctx, sc, env.AuthorisationID, env.MethodID, obj)
	case methodExecuteWithoutSca:
		return r.b.ExecuteWithoutSca(ctx, sc, obj)
	case methodValidateConfirmationCode:
		return r.b.ValidateConfirmationCode(ctx, sc, env.Code, obj)
	case methodNotifyOutcome:
		return r.b.NotifyConfirmationCodeOutcome(ctx, sc, env.Valid, obj)
	}
	return nil, status.Error(codes.Unimplemented, fmt.Sprintf("%s: unknown method %q", domain.CodeServiceInvalid, method))
}
