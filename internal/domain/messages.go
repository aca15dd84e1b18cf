package domain

import "fmt"

// MessageErrorCode is a Berlin Group style error code returned to the TPP.
type MessageErrorCode string

const (
	CodeResourceUnknown       MessageErrorCode = "RESOURCE_UNKNOWN"
	CodeStatusInvalid         MessageErrorCode = "STATUS_INVALID"
	CodeScaInvalid            MessageErrorCode = "SCA_INVALID"
	CodeScaMethodUnknown      MessageErrorCode = "SCA_METHOD_UNKNOWN"
	CodePsuCredentialsInvalid MessageErrorCode = "PSU_CREDENTIALS_INVALID"
	CodeFormatError           MessageErrorCode = "FORMAT_ERROR"
	CodeServiceInvalid        MessageErrorCode = "SERVICE_INVALID"
	CodeConsentExpired        MessageErrorCode = "CONSENT_EXPIRED"
	CodeInternalServerError   MessageErrorCode = "INTERNAL_SERVER_ERROR"
	CodeAccessExceeded        MessageErrorCode = "ACCESS_EXCEEDED"
)

// MessageError is a business failure reported to the caller as data.
type MessageError struct {
	Code MessageErrorCode `json:"code"`
	Text string           `json:"text,omitempty"`
}

func (m MessageError) String() string {
	if m.Text == "" {
		return string(m.Code)
	}
	return fmt.Sprintf("%s: %s", m.Code, m.Text)
}

// NewMessageError is shorthand for building a MessageError.
func NewMessageError(code MessageErrorCode, format string, args ...any) MessageError {
	return MessageError{Code: code, Text: fmt.Sprintf(format, args...)}
}

// HasCode reports whether errs contains code.
func HasCode(errs []MessageError, code MessageErrorCode) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}
