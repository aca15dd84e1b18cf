// Package sandbox is an in-memory bank used by tests, the smoke tool and local
// runs. TANs are real TOTP codes derived from a per-PSU secret.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"

	"qazna.org/xs2a/internal/domain"
	"qazna.org/xs2a/internal/spi"
)

const tanPeriod = 300

var tanOpts = totp.ValidateOpts{
	Period:    tanPeriod,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Built-in SCA methods.
var (
	MethodSMS = domain.AuthenticationObject{
		AuthenticationType:     "SMS_OTP",
		AuthenticationMethodID: "sms",
		Name:                   "SMS to +49 *** 1234",
	}
	MethodChipTAN = domain.AuthenticationObject{
		AuthenticationType:     "CHIP_OTP",
		AuthenticationVersion:  "1.6",
		AuthenticationMethodID: "chiptan",
		Name:                   "chipTAN",
	}
	MethodApp = domain.AuthenticationObject{
		AuthenticationType:     "PUSH_OTP",
		AuthenticationMethodID: "app",
		Name:                   "Banking app",
		Decoupled:              true,
	}
)

// Notification records something the bank told the PSU or learned from the core.
type Notification struct {
	Kind            string
	PsuID           string
	AuthorisationID string
	MethodID        string
	Code            string
	Valid           bool
}

type account struct {
	passwordHash []byte
	exempt       bool
	methods      []domain.AuthenticationObject
	secret       string
}

// Bank holds registered PSUs and everything the sandbox sent out.
type Bank struct {
	mu            sync.Mutex
	issuer        string
	now           func() time.Time
	accounts      map[string]*account
	codes         map[string]string
	failures      map[string]*spi.Error
	notifications []Notification
}

// Option configures a Bank.
type Option func(*Bank)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Bank) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates an empty bank.
func New(opts ...Option) *Bank {
	b := &Bank{
		issuer:   "xs2a-sandbox",
		now:      time.Now,
		accounts: make(map[string]*account),
		codes:    make(map[string]string),
		failures: make(map[string]*spi.Error),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterPsu adds a PSU. An exempt PSU never needs SCA.
func (b *Bank) RegisterPsu(id, password string, exempt bool, methods ...domain.AuthenticationObject) error {
	if password == "" {
		return errors.New("sandbox psu needs a password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      b.issuer,
		AccountName: id,
		Period:      tanPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return fmt.Errorf("generate tan secret: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[id] = &account{
		passwordHash: hash,
		exempt:       exempt,
		methods:      append([]domain.AuthenticationObject(nil), methods...),
		secret:       key.Secret(),
	}
	return nil
}

// FailNext makes the next call to method fail with err.
func (b *Bank) FailNext(method string, err *spi.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[method] = err
}

// CurrentCode returns the last TAN sent for an authorisation.
func (b *Bank) CurrentCode(authorisationID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.codes[authorisationID]
	return c, ok
}

// Notifications returns a copy of everything recorded so far.
func (b *Bank) Notifications() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Notification(nil), b.notifications...)
}

// Payments serves payment initiation. Executed payments are accepted (ACCP).
func (b *Bank) Payments() spi.Backend[domain.Payment] {
	return &backend[domain.Payment]{bank: b, name: "payments", executed: domain.TxAccepted, rejected: domain.TxRejected}
}

// Cancellations serves payment cancellation. Executed cancellations are CANC.
func (b *Bank) Cancellations() spi.Backend[domain.Payment] {
	return &backend[domain.Payment]{bank: b, name: "cancellations", executed: domain.TxCancelled}
}

// Consents serves AIS and PIIS consents. Consents carry no transaction status.
func (b *Bank) Consents() spi.Backend[domain.Consent] {
	return &backend[domain.Consent]{bank: b, name: "consents"}
}

func (b *Bank) takeFailure(method string) error {
	if err, ok := b.failures[method]; ok {
		delete(b.failures, method)
		return err
	}
	return nil
}

func (b *Bank) lookup(p domain.PsuIdData) (*account, error) {
	acc, ok := b.accounts[p.ID]
	if !ok {
		return nil, spi.Fail(domain.CodePsuCredentialsInvalid, "unknown PSU")
	}
	return acc, nil
}

type backend[T any] struct {
	bank     *Bank
	name     string
	executed domain.TransactionStatus
	rejected domain.TransactionStatus
}

func (s *backend[T]) AuthenticatePsu(ctx context.Context, sc spi.Context, psu domain.PsuIdData, password string, obj T) (spi.AuthResult, error) {
	b := s.bank
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("AuthenticatePsu"); err != nil {
		return spi.AuthResult{}, err
	}
	acc, err := b.lookup(psu)
	if err != nil {
		return spi.AuthResult{}, err
	}
	if bcrypt.CompareHashAndPassword(acc.passwordHash, []byte(password)) != nil {
		return spi.AuthResult{}, spi.Fail(domain.CodePsuCredentialsInvalid, "password does not match")
	}
	return spi.AuthResult{Authenticated: true, ScaExempted: acc.exempt}, nil
}

func (s *backend[T]) ListScaMethods(ctx context.Context, sc spi.Context, obj T) ([]domain.AuthenticationObject, error) {
	b := s.bank
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("ListScaMethods"); err != nil {
		return nil, err
	}
	acc, err := b.lookup(sc.Psu)
	if err != nil {
		return nil, err
	}
	return append([]domain.AuthenticationObject(nil), acc.methods...), nil
}

func (s *backend[T]) RequestAuthorisationCode(ctx context.Context, sc spi.Context, methodID string, obj T) (spi.CodeResult, error) {
	b := s.bank
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("RequestAuthorisationCode"); err != nil {
		return spi.CodeResult{}, err
	}
	acc, err := b.lookup(sc.Psu)
	if err != nil {
		return spi.CodeResult{}, err
	}
	method, ok := findMethod(acc.methods, methodID)
	if !ok {
		return spi.CodeResult{}, spi.Fail(domain.CodeScaMethodUnknown, "method %q is not enrolled", methodID)
	}
	code, err := totp.GenerateCodeCustom(acc.secret, b.now(), tanOpts)
	if err != nil {
		return spi.CodeResult{}, spi.AsError(err)
	}
	b.codes[sc.AuthorisationID] = code
	b.notifications = append(b.notifications, Notification{
		Kind: "tan", PsuID: sc.Psu.ID, AuthorisationID: sc.AuthorisationID, MethodID: methodID, Code: code,
	})
	return spi.CodeResult{
		Method: method,
		Challenge: &domain.ChallengeData{
			OtpMaxLength:          6,
			OtpFormat:             "integer",
			AdditionalInformation: fmt.Sprintf("Enter the TAN sent via %s", method.Name),
		},
		AuthenticationData: code,
	}, nil
}

func (s *backend[T]) StartDecoupled(ctx context.Context, sc spi.Context, authorisationID, methodID string, obj T) (spi.DecoupledResult, error) {
	b := s.bank
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("StartDecoupled"); err != nil {
		return spi.DecoupledResult{}, err
	}
	acc, err := b.lookup(sc.Psu)
	if err != nil {
		return spi.DecoupledResult{}, err
	}
	if acc.exempt {
		return spi.DecoupledResult{ScaStatus: domain.ScaExempted}, nil
	}
	b.notifications = append(b.notifications, Notification{
		Kind: "decoupled", PsuID: sc.Psu.ID, AuthorisationID: authorisationID, MethodID: methodID,
	})
	return spi.DecoupledResult{
		ScaStatus:  domain.ScaMethodSelected,
		PsuMessage: "Please confirm the request in your banking app.",
	}, nil
}

func (s *backend[T]) ExecuteWithoutSca(ctx context.Context, sc spi.Context, obj T) (spi.ExecutionResult, error) {
	b := s.bank
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("ExecuteWithoutSca"); err != nil {
		return spi.ExecutionResult{}, err
	}
	return spi.ExecutionResult{TransactionStatus: s.executed}, nil
}

func (s *backend[T]) ValidateConfirmationCode(ctx context.Context, sc spi.Context, code string, obj T) (spi.ConfirmationResult, error) {
	b := s.bank
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("ValidateConfirmationCode"); err != nil {
		return spi.ConfirmationResult{}, err
	}
	acc, err := b.lookup(sc.Psu)
	if err != nil {
		return spi.ConfirmationResult{}, err
	}
	issued, ok := b.codes[sc.AuthorisationID]
	valid := ok && issued == code
	if valid {
		valid, err = totp.ValidateCustom(code, acc.secret, b.now(), tanOpts)
		if err != nil {
			valid = false
		}
	}
	delete(b.codes, sc.AuthorisationID)
	if !valid {
		return spi.ConfirmationResult{Valid: false, ScaStatus: domain.ScaFailed, TransactionStatus: s.rejected}, nil
	}
	return spi.ConfirmationResult{Valid: true, ScaStatus: domain.ScaFinalised, TransactionStatus: s.executed}, nil
}

func (s *backend[T]) NotifyConfirmationCodeOutcome(ctx context.Context, sc spi.Context, valid bool, obj T) (spi.ConfirmationResult, error) {
	b := s.bank
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure("NotifyConfirmationCodeOutcome"); err != nil {
		return spi.ConfirmationResult{}, err
	}
	delete(b.codes, sc.AuthorisationID)
	b.notifications = append(b.notifications, Notification{
		Kind: "confirmation", PsuID: sc.Psu.ID, AuthorisationID: sc.AuthorisationID, Valid: valid,
	})
	if !valid {
		return spi.ConfirmationResult{Valid: false, ScaStatus: domain.ScaFailed}, nil
	}
	return spi.ConfirmationResult{Valid: true, ScaStatus: domain.ScaFinalised, TransactionStatus: s.executed}, nil
}

func findMethod(methods []domain.AuthenticationObject, id string) (domain.AuthenticationObject, bool) {
	for _, m := range methods {
		if m.AuthenticationMethodID == id {
			return m, true
		}
	}
	return domain.AuthenticationObject{}, false
}
