package domain

import "strings"

// PsuIdData identifies the PSU as presented by the TPP. Two values describe
// the same PSU when their identifying fields are equal; IPAddress and
// UserAgent are enrichment and never take part in the comparison.
type PsuIdData struct {
	ID              string `json:"psu_id,omitempty"`
	IDType          string `json:"psu_id_type,omitempty"`
	CorporateID     string `json:"psu_corporate_id,omitempty"`
	CorporateIDType string `json:"psu_corporate_id_type,omitempty"`
	IPAddress       string `json:"psu_ip_address,omitempty"`
	UserAgent       string `json:"psu_user_agent,omitempty"`
}

// IsEmpty reports whether no identifying field is set.
func (p PsuIdData) IsEmpty() bool {
	return strings.TrimSpace(p.ID) == "" &&
		strings.TrimSpace(p.IDType) == "" &&
		strings.TrimSpace(p.CorporateID) == "" &&
		strings.TrimSpace(p.CorporateIDType) == ""
}

// ContentEquals compares the identifying fields only.
func (p PsuIdData) ContentEquals(o PsuIdData) bool {
	return strings.TrimSpace(p.ID) == strings.TrimSpace(o.ID) &&
		strings.TrimSpace(p.IDType) == strings.TrimSpace(o.IDType) &&
		strings.TrimSpace(p.CorporateID) == strings.TrimSpace(o.CorporateID) &&
		strings.TrimSpace(p.CorporateIDType) == strings.TrimSpace(o.CorporateIDType)
}

func clonePsus(in []PsuIdData) []PsuIdData {
	if in == nil {
		return nil
	}
	out := make([]PsuIdData, len(in))
	copy(out, in)
	return out
}
