package domain

import "time"

// Money is represented in minor units (e.g., cents). No floats.
type Money struct {
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

// PaymentType is the Berlin Group payment service.
type PaymentType string

const (
	PaymentSingle   PaymentType = "SINGLE"
	PaymentPeriodic PaymentType = "PERIODIC"
	PaymentBulk     PaymentType = "BULK"
)

// TransactionStatus is the ISO 20022 status of a payment.
type TransactionStatus string

const (
	TxAccepted          TransactionStatus = "ACCP"
	TxSettlementDone    TransactionStatus = "ACSC"
	TxSettlementProcess TransactionStatus = "ACSP"
	TxTechnicalAccepted TransactionStatus = "ACTC"
	TxCreditSettled     TransactionStatus = "ACCC"
	TxAcceptedChange    TransactionStatus = "ACWC"
	TxFundsChecked      TransactionStatus = "ACFC"
	TxReceived          TransactionStatus = "RCVD"
	TxPending           TransactionStatus = "PDNG"
	TxRejected          TransactionStatus = "RJCT"
	TxCancelled         TransactionStatus = "CANC"
	TxPartiallyAccepted TransactionStatus = "PATC"
	TxPartial           TransactionStatus = "PART"
)

// IsFinalised reports whether the payment reached a terminal status.
func (s TransactionStatus) IsFinalised() bool {
	switch s {
	case TxCreditSettled, TxSettlementDone, TxRejected, TxCancelled:
		return true
	}
	return false
}

// Payment is a payment initiation, the parent of PIS authorisations.
type Payment struct {
	ID                    string            `json:"id"`
	Type                  PaymentType       `json:"type"`
	Product               string            `json:"product"`
	TppID                 string            `json:"tpp_id"`
	InstanceID            string            `json:"instance_id"`
	Psus                  []PsuIdData       `json:"psus"`
	TransactionStatus     TransactionStatus `json:"transaction_status"`
	MultilevelScaRequired bool              `json:"multilevel_sca_required"`
	DebtorIBAN            string            `json:"debtor_iban"`
	CreditorIBAN          string            `json:"creditor_iban"`
	CreditorName          string            `json:"creditor_name"`
	Amount                Money             `json:"amount"`
	CreatedAt             time.Time         `json:"created_at"`
	StatusChangedAt       time.Time         `json:"status_changed_at"`
	Version               int64             `json:"version"`
}

// Clone returns a deep copy.
func (p Payment) Clone() Payment {
	out := p
	out.Psus = clonePsus(p.Psus)
	return out
}
