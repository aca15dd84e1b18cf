package domain

import "strings"

// ScaStatus is the state of a single SCA attempt.
type ScaStatus string

const (
	ScaReceived         ScaStatus = "RECEIVED"
	ScaPsuIdentified    ScaStatus = "PSUIDENTIFIED"
	ScaPsuAuthenticated ScaStatus = "PSUAUTHENTICATED"
	ScaMethodSelected   ScaStatus = "SCAMETHODSELECTED"
	ScaUnconfirmed      ScaStatus = "UNCONFIRMED"
	ScaFinalised        ScaStatus = "FINALISED"
	ScaFailed           ScaStatus = "FAILED"
	ScaExempted         ScaStatus = "EXEMPTED"
)

var scaRank = map[ScaStatus]int{
	ScaReceived:         0,
	ScaPsuIdentified:    1,
	ScaPsuAuthenticated: 2,
	ScaMethodSelected:   3,
	ScaUnconfirmed:      4,
	ScaFinalised:        5,
	ScaFailed:           5,
	ScaExempted:         5,
}

// IsFinalised reports whether no further transition is possible.
func (s ScaStatus) IsFinalised() bool {
	return s == ScaFinalised || s == ScaFailed || s == ScaExempted
}

// IsAuthenticated reports whether the PSU has passed authentication on the
// way to s.
func (s ScaStatus) IsAuthenticated() bool {
	return s != ScaFailed && s.Rank() >= ScaPsuAuthenticated.Rank()
}

// Valid reports whether s is a known status.
func (s ScaStatus) Valid() bool {
	_, ok := scaRank[s]
	return ok
}

// Rank orders statuses along the authorisation flow. Terminal statuses share
// the highest rank.
func (s ScaStatus) Rank() int {
	r, ok := scaRank[s]
	if !ok {
		return -1
	}
	return r
}

// ParseScaStatus accepts both the upper-case form and the camel-case form used
// by Berlin Group payloads (e.g. "psuAuthenticated").
func ParseScaStatus(v string) (ScaStatus, bool) {
	s := ScaStatus(strings.ToUpper(strings.TrimSpace(v)))
	return s, s.Valid()
}

// ScaApproach is the way the bank performs SCA.
type ScaApproach string

const (
	ApproachEmbedded  ScaApproach = "EMBEDDED"
	ApproachDecoupled ScaApproach = "DECOUPLED"
	ApproachRedirect  ScaApproach = "REDIRECT"
)

func (a ScaApproach) Valid() bool {
	switch a {
	case ApproachEmbedded, ApproachDecoupled, ApproachRedirect:
		return true
	}
	return false
}

// AuthorisationType tells what an authorisation authorises.
type AuthorisationType string

const (
	AuthorisationConsent         AuthorisationType = "CONSENT"
	AuthorisationPisCreation     AuthorisationType = "PIS_CREATION"
	AuthorisationPisCancellation AuthorisationType = "PIS_CANCELLATION"
)

// ObjectType identifies the kind of parent business object.
type ObjectType string

const (
	ObjectPIS  ObjectType = "PIS"
	ObjectAIS  ObjectType = "AIS"
	ObjectPIIS ObjectType = "PIIS"
)

// AuthenticationObject is one SCA method offered by the bank.
type AuthenticationObject struct {
	AuthenticationType     string `json:"authentication_type"`
	AuthenticationVersion  string `json:"authentication_version,omitempty"`
	AuthenticationMethodID string `json:"authentication_method_id"`
	Name                   string `json:"name,omitempty"`
	ExplanationText        string `json:"explanation_text,omitempty"`
	Decoupled              bool   `json:"decoupled"`
}

// ChallengeData is shown to the PSU so that a TAN can be produced.
type ChallengeData struct {
	Image                 []byte   `json:"image,omitempty"`
	Data                  []string `json:"data,omitempty"`
	ImageLink             string   `json:"image_link,omitempty"`
	OtpMaxLength          int      `json:"otp_max_length,omitempty"`
	OtpFormat             string   `json:"otp_format,omitempty"`
	AdditionalInformation string   `json:"additional_information,omitempty"`
}
