package domain

import "time"

// Authorisation is one PSU-facing SCA attempt against a consent or payment.
type Authorisation struct {
	ID                     string            `json:"id"`
	ParentID               string            `json:"parent_id"`
	Type                   AuthorisationType `json:"type"`
	ObjectType             ObjectType        `json:"object_type"`
	ScaStatus              ScaStatus         `json:"sca_status"`
	ScaApproach            ScaApproach       `json:"sca_approach"`
	Psu                    PsuIdData         `json:"psu"`
	AuthenticationMethodID string            `json:"authentication_method_id,omitempty"`
	AuthenticationData     string            `json:"-"`
	CodeExpiresAt          time.Time         `json:"code_expires_at,omitempty"`
	RedirectURI            string            `json:"redirect_uri,omitempty"`
	NokRedirectURI         string            `json:"nok_redirect_uri,omitempty"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
	ExpiresAt              time.Time         `json:"expires_at"`
	Version                int64             `json:"version"`
}

// IsFinalised reports whether the authorisation reached a terminal status.
func (a Authorisation) IsFinalised() bool { return a.ScaStatus.IsFinalised() }

// IsExpired reports whether the authorisation outlived its TTL at now.
func (a Authorisation) IsExpired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt)
}

// CodeExpired reports whether a dispatched confirmation code is stale at now.
func (a Authorisation) CodeExpired(now time.Time) bool {
	return !a.CodeExpiresAt.IsZero() && now.After(a.CodeExpiresAt)
}
