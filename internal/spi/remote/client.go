// Package remote carries the banking backend contract over gRPC. The bank runs
// a Server next to its core systems; the authorisation core uses a Client.
package remote

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"qazna.org/xs2a/internal/domain"
	"qazna.org/xs2a/internal/spi"
)

// Client wraps the connection to a remote bank.
type Client struct {
	conn    *grpc.ClientConn
	limiter *rate.Limiter
}

// Dial creates a client. A nil limiter disables client-side throttling.
func Dial(target string, limiter *rate.Limiter, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, limiter: limiter}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req envelope, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &spi.Error{Code: domain.CodeInternalServerError, Text: "backend rate limit", Err: err}
		}
	}
	in, err := toStruct(req)
	if err != nil {
		return spi.AsError(err)
	}
	ctx = outgoingWithRequest(ctx, req.Context)
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, resp); err != nil {
		return mapBackendError(err)
	}
	if err := fromStruct(resp, out); err != nil {
		return spi.AsError(err)
	}
	return nil
}

func outgoingWithRequest(ctx context.Context, sc spi.Context) context.Context {
	var pairs []string
	if sc.RequestID != uuid.Nil {
		pairs = append(pairs, "x-request-id", sc.RequestID.String())
	}
	if sc.TppID != "" {
		pairs = append(pairs, "x-tpp-id", sc.TppID)
	}
	if len(pairs) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

// Backend adapts the client to spi.Backend for one object kind.
type Backend[T any] struct {
	client *Client
	kind   string
}

var _ spi.Backend[domain.Payment] = (*Backend[domain.Payment])(nil)

// NewBackend returns the backend serving kind (see the Kind constants).
func NewBackend[T any](client *Client, kind string) *Backend[T] {
	return &Backend[T]{client: client, kind: kind}
}

func do[R, T any](ctx context.Context, b *Backend[T], method string, env envelope, obj T) (R, error) {
	var zero R
	raw, err := json.Marshal(obj)
	if err != nil {
		return zero, spi.AsError(err)
	}
	env.Kind = b.kind
	env.Object = raw
	var out reply[R]
	if err := b.client.invoke(ctx, method, env, &out); err != nil {
		return zero, err
	}
	return out.Result, nil
}

func (b *Backend[T]) AuthenticatePsu(ctx context.Context, sc spi.Context, psu domain.PsuIdData, password string, obj T) (spi.AuthResult, error) {
	return do[spi.AuthResult](ctx, b, methodAuthenticatePsu, envelope{Context: sc, Psu: psu, Password: password}, obj)
}

func (b *Backend[T]) ListScaMethods(ctx context.Context, sc spi.Context, obj T) ([]domain.AuthenticationObject, error) {
	return do[[]domain.AuthenticationObject](ctx, b, methodListScaMethods, envelope{Context: sc}, obj)
}

func (b *Backend[T]) RequestAuthorisationCode(ctx context.Context, sc spi.Context, methodID string, obj T) (spi.CodeResult, error) {
	return do[spi.CodeResult](ctx, b, methodRequestAuthorisationCode, envelope{Context: sc, MethodID: methodID}, obj)
}

func (b *Backend[T]) StartDecoupled(ctx context.Context, sc spi.Context, authorisationID, methodID string, obj T) (spi.DecoupledResult, error) {
	return do[spi.DecoupledResult](ctx, b, methodStartDecoupled,
		envelope{Context: sc, AuthorisationID: authorisationID, MethodID: methodID}, obj)
}

func (b *Backend[T]) ExecuteWithoutSca(ctx context.Context, sc spi.Context, obj T) (spi.ExecutionResult, error) {
	return do[spi.ExecutionResult](ctx, b, methodExecuteWithoutSca, envelope{Context: sc}, obj)
}

func (b *Backend[T]) ValidateConfirmationCode(ctx context.Context, sc spi.Context, code string, obj T) (spi.ConfirmationResult, error) {
	return do[spi.ConfirmationResult](ctx, b, methodValidateConfirmationCode, envelope{Context: sc, Code: code}, obj)
}

func (b *Backend[T]) NotifyConfirmationCodeOutcome(ctx context.Context, sc spi.Context, valid bool, obj T) (spi.ConfirmationResult, error) {
	return do[spi.ConfirmationResult](ctx, b, methodNotifyOutcome, envelope{Context: sc, Valid: valid}, obj)
}
