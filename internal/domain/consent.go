package domain

import "time"

// ConsentType distinguishes account-information from funds-confirmation consents.
type ConsentType string

const (
	ConsentAIS  ConsentType = "AIS"
	ConsentPIIS ConsentType = "PIIS"
)

// ObjectType maps the consent type onto the authorisation object type.
func (t ConsentType) ObjectType() ObjectType {
	if t == ConsentPIIS {
		return ObjectPIIS
	}
	return ObjectAIS
}

// ConsentStatus is the business status of a consent.
type ConsentStatus string

const (
	ConsentReceived            ConsentStatus = "RECEIVED"
	ConsentValid               ConsentStatus = "VALID"
	ConsentRejected            ConsentStatus = "REJECTED"
	ConsentRevokedByPsu        ConsentStatus = "REVOKED_BY_PSU"
	ConsentExpired             ConsentStatus = "EXPIRED"
	ConsentTerminatedByTpp     ConsentStatus = "TERMINATED_BY_TPP"
	ConsentTerminatedByAspsp   ConsentStatus = "TERMINATED_BY_ASPSP"
	ConsentPartiallyAuthorised ConsentStatus = "PARTIALLY_AUTHORISED"
)

// IsFinalised reports whether the status can never change again.
func (s ConsentStatus) IsFinalised() bool {
	switch s {
	case ConsentRejected, ConsentRevokedByPsu, ConsentExpired, ConsentTerminatedByTpp, ConsentTerminatedByAspsp:
		return true
	}
	return false
}

// AccountReference points at a single account.
type AccountReference struct {
	IBAN      string `json:"iban,omitempty"`
	BBAN      string `json:"bban,omitempty"`
	MaskedPan string `json:"masked_pan,omitempty"`
	Currency  string `json:"currency,omitempty"`
}

// AccountAccess is the scope a consent grants.
type AccountAccess struct {
	Accounts          []AccountReference `json:"accounts,omitempty"`
	Balances          []AccountReference `json:"balances,omitempty"`
	Transactions      []AccountReference `json:"transactions,omitempty"`
	AvailableAccounts string             `json:"available_accounts,omitempty"`
	AllPsd2           string             `json:"all_psd2,omitempty"`
}

func (a AccountAccess) clone() AccountAccess {
	return AccountAccess{
		Accounts:          cloneRefs(a.Accounts),
		Balances:          cloneRefs(a.Balances),
		Transactions:      cloneRefs(a.Transactions),
		AvailableAccounts: a.AvailableAccounts,
		AllPsd2:           a.AllPsd2,
	}
}

func cloneRefs(in []AccountReference) []AccountReference {
	if in == nil {
		return nil
	}
	out := make([]AccountReference, len(in))
	copy(out, in)
	return out
}

// Consent is an AIS or PIIS consent, the parent of CONSENT authorisations.
type Consent struct {
	ID                    string        `json:"id"`
	Type                  ConsentType   `json:"type"`
	TppID                 string        `json:"tpp_id"`
	InstanceID            string        `json:"instance_id"`
	Psus                  []PsuIdData   `json:"psus"`
	Status                ConsentStatus `json:"status"`
	MultilevelScaRequired bool          `json:"multilevel_sca_required"`
	Recurring             bool          `json:"recurring"`
	ValidUntil            time.Time     `json:"valid_until"`
	FrequencyPerDay       int           `json:"frequency_per_day"`
	UsageDate             time.Time     `json:"usage_date,omitempty"`
	UsageCount            int           `json:"usage_count"`
	TotalUsage            int           `json:"total_usage"`
	Access                AccountAccess `json:"access"`
	CreatedAt             time.Time     `json:"created_at"`
	StatusChangedAt       time.Time     `json:"status_changed_at"`
	Version               int64         `json:"version"`
}

// Clone returns a deep copy.
func (c Consent) Clone() Consent {
	out := c
	out.Psus = clonePsus(c.Psus)
	out.Access = c.Access.clone()
	return out
}

// IsExpiredAt reports whether the consent should be treated as expired at now:
// either its validity date lies in the past or a one-off consent used up its
// access counter.
func (c Consent) IsExpiredAt(now time.Time) bool {
	if c.Status.IsFinalised() {
		return false
	}
	if !c.ValidUntil.IsZero() {
		y, m, d := c.ValidUntil.Date()
		endOfDay := time.Date(y, m, d, 0, 0, 0, 0, c.ValidUntil.Location()).AddDate(0, 0, 1)
		if !now.Before(endOfDay) {
			return true
		}
	}
	return !c.Recurring && c.Status == ConsentValid && c.TotalUsage >= c.accessLimit()
}

// accessLimit is the number of accesses a one-off consent allows.
func (c Consent) accessLimit() int {
	if c.FrequencyPerDay > 0 {
		return c.FrequencyPerDay
	}
	return 1
}
