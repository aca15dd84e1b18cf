package remote

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"qazna.org/xs2a/internal/domain"
	"qazna.org/xs2a/internal/spi"
)

const serviceName = "xs2a.spi.v1.Backend"

// Backend kinds served over one connection.
const (
	KindPayments      = "payments"
	KindCancellations = "cancellations"
	KindAIS           = "ais"
	KindPIIS          = "piis"
)

// Method names.
const (
	methodAuthenticatePsu          = "AuthenticatePsu"
	methodListScaMethods           = "ListScaMethods"
	methodRequestAuthorisationCode = "RequestAuthorisationCode"
	methodStartDecoupled           = "StartDecoupled"
	methodExecuteWithoutSca        = "ExecuteWithoutSca"
	methodValidateConfirmationCode = "ValidateConfirmationCode"
	methodNotifyOutcome            = "NotifyConfirmationCodeOutcome"
)

func fullMethod(name string) string { return "/" + serviceName + "/" + name }

// envelope is the request body of every call.
type envelope struct {
	Kind            string           `json:"kind"`
	Context         spi.Context      `json:"context"`
	Object          json.RawMessage  `json:"object,omitempty"`
	Psu             domain.PsuIdData `json:"psu,omitempty"`
	Password        string           `json:"password,omitempty"`
	MethodID        string           `json:"method_id,omitempty"`
	AuthorisationID string           `json:"authorisation_id,omitempty"`
	Code            string           `json:"code,omitempty"`
	Valid           bool             `json:"valid,omitempty"`
}

// reply wraps every response body.
type reply[R any] struct {
	Result R `json:"result"`
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// toStatus encodes a backend failure so that the reason code survives the wire.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	be := spi.AsError(err)
	c := codes.FailedPrecondition
	if be.Code == domain.CodeInternalServerError {
		c = codes.Internal
	}
	return status.Error(c, fmt.Sprintf("%s: %s", be.Code, be.Text))
}

// mapBackendError turns a gRPC failure back into *spi.Error.
func mapBackendError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return spi.AsError(err)
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return &spi.Error{Code: domain.CodeInternalServerError, Text: "backend timeout", Err: err}
	case codes.Unavailable, codes.Canceled:
		return &spi.Error{Code: domain.CodeInternalServerError, Text: "backend unavailable", Err: err}
	}
	code, text, found := strings.Cut(st.Message(), ": ")
	if !found || code == "" || strings.ContainsAny(code, " \t") {
		return &spi.Error{Code: domain.CodeInternalServerError, Text: st.Message(), Err: err}
	}
	return &spi.Error{Code: domain.MessageErrorCode(code), Text: text}
}
