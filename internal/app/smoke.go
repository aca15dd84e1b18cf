package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"qazna.org/xs2a/internal/authorisation"
	"qazna.org/xs2a/internal/domain"
	"qazna.org/xs2a/internal/events"
	"qazna.org/xs2a/internal/stage"
)

// SmokeTppID is the TPP the scripted flows act as.
const SmokeTppID = "PSDDE-SANDBOX-TPP"

// ErrNoSandbox is returned when a scripted flow needs the in-process bank.
var ErrNoSandbox = errors.New("scripted flows need the sandbox bank")

// SmokeReport summarises one scripted flow.
type SmokeReport struct {
	PaymentID         string
	AuthorisationID   string
	ScaStatus         domain.ScaStatus
	TransactionStatus domain.TransactionStatus
	Events            []events.StatusChanged
}

// SmokeEmbeddedPayment drives a single-PSU payment through embedded SCA: PSU
// login, TAN dispatch and TAN entry. It fails unless the payment ends ACCP.
func (a *App) SmokeEmbeddedPayment(ctx context.Context, amount domain.Money) (SmokeReport, error) {
	var rep SmokeReport
	if a.Bank == nil {
		return rep, ErrNoSandbox
	}
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream := a.Bus.Subscribe(subCtx)

	p, err := a.Payments.Create(ctx, domain.Payment{
		Product:      "sepa-credit-transfers",
		TppID:        SmokeTppID,
		Psus:         []domain.PsuIdData{{ID: DemoSingle}},
		DebtorIBAN:   "DE89370400440532013000",
		CreditorIBAN: "DE02120300000000202051",
		CreditorName: "Sandbox Merchant",
		Amount:       amount,
	})
	if err != nil {
		return rep, err
	}
	rep.PaymentID = p.ID

	created, err := a.PIS.Create(ctx, authorisation.CreateRequest{
		ParentID: p.ID,
		Type:     domain.AuthorisationPisCreation,
		Approach: domain.ApproachEmbedded,
		TppID:    SmokeTppID,
	})
	if err != nil {
		return rep, err
	}
	if err := rejected("create authorisation", created.Errors); err != nil {
		return rep, err
	}
	rep.AuthorisationID = created.AuthorisationID

	res, err := a.PIS.Update(ctx, created.AuthorisationID, stage.Update{
		Psu:      domain.PsuIdData{ID: DemoSingle},
		Password: DemoPassword,
	})
	if err != nil {
		return rep, err
	}
	if err := rejected("psu login", res.Errors); err != nil {
		return rep, err
	}
	if res.ScaStatus != domain.ScaMethodSelected {
		return rep, fmt.Errorf("psu login: expected %s, got %s", domain.ScaMethodSelected, res.ScaStatus)
	}

	tan, ok := a.Bank.CurrentCode(created.AuthorisationID)
	if !ok {
		return rep, errors.New("sandbox did not dispatch a TAN")
	}
	res, err = a.PIS.Update(ctx, created.AuthorisationID, stage.Update{ScaAuthenticationData: tan})
	if err != nil {
		return rep, err
	}
	if err := rejected("tan entry", res.Errors); err != nil {
		return rep, err
	}
	rep.ScaStatus = res.ScaStatus

	p, err = a.Payments.Get(ctx, p.ID)
	if err != nil {
		return rep, err
	}
	rep.TransactionStatus = p.TransactionStatus

	// Events are published synchronously after commit, so the buffer
	// already holds everything this flow produced.
	for done := false; !done; {
		select {
		case evt := <-stream:
			rep.Events = append(rep.Events, evt)
		default:
			done = true
		}
	}

	if rep.ScaStatus != domain.ScaFinalised || rep.TransactionStatus != domain.TxAccepted {
		return rep, fmt.Errorf("flow ended at %s with payment %s", rep.ScaStatus, rep.TransactionStatus)
	}
	return rep, nil
}

func rejected(step string, errs []domain.MessageError) error {
	if len(errs) == 0 {
		return nil
	}
	codes := make([]string, len(errs))
	for i, e := range errs {
		codes[i] = e.String()
	}
	return fmt.Errorf("%s rejected: %s", step, strings.Join(codes, ", "))
}
