// Package pg implements store.Store on PostgreSQL through database/sql and the
// pgx stdlib driver.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"qazna.org/xs2a/internal/domain"
	"qazna.org/xs2a/internal/store"
)

const (
	pgSerializationFailure = "40001"
	pgUniqueViolation      = "23505"
)

type Store struct {
	reader
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an already opened database handle.
func New(db *sql.DB) *Store {
	return &Store{reader: reader{q: db}, db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping is used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// InTx runs fn in a serializable transaction. A serialization failure is
// reported as store.ErrConflict.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&txStore{reader: reader{q: sqlTx}, tx: sqlTx}); err != nil {
		return mapError(err)
	}
	return mapError(sqlTx.Commit())
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type reader struct {
	q querier
}

const authColumns = `id, parent_id, type, object_type, sca_status, sca_approach, psu,
	authentication_method_id, authentication_data, code_expires_at, redirect_uri, nok_redirect_uri,
	created_at, updated_at, expires_at, version`

const consentColumns = `id, type, tpp_id, instance_id, psus, status, multilevel_sca_required, recurring,
	valid_until, frequency_per_day, usage_date, usage_count, total_usage, access,
	created_at, status_changed_at, version`

const paymentColumns = `id, type, product, tpp_id, instance_id, psus, transaction_status, multilevel_sca_required,
	debtor_iban, creditor_iban, creditor_name, currency, amount, created_at, status_changed_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuthorisation(row rowScanner) (domain.Authorisation, error) {
	var (
		a                      domain.Authorisation
		psu                    []byte
		codeExp, expires       sql.NullTime
		typ, objType, sca, app string
	)
	err := row.Scan(&a.ID, &a.ParentID, &typ, &objType, &sca, &app, &psu,
		&a.AuthenticationMethodID, &a.AuthenticationData, &codeExp, &a.RedirectURI, &a.NokRedirectURI,
		&a.CreatedAt, &a.UpdatedAt, &expires, &a.Version)
	if err != nil {
		return domain.Authorisation{}, err
	}
	a.Type = domain.AuthorisationType(typ)
	a.ObjectType = domain.ObjectType(objType)
	a.ScaStatus = domain.ScaStatus(sca)
	a.ScaApproach = domain.ScaApproach(app)
	a.CodeExpiresAt = codeExp.Time
	a.ExpiresAt = expires.Time
	if len(psu) > 0 {
		if err := json.Unmarshal(psu, &a.Psu); err != nil {
			return domain.Authorisation{}, fmt.Errorf("decode psu: %w", err)
		}
	}
	return a, nil
}

func scanConsent(row rowScanner) (domain.Consent, error) {
	var (
		c                   domain.Consent
		psus, access        []byte
		validUntil, usageAt sql.NullTime
		typ, status         string
	)
	err := row.Scan(&c.ID, &typ, &c.TppID, &c.InstanceID, &psus, &status, &c.MultilevelScaRequired, &c.Recurring,
		&validUntil, &c.FrequencyPerDay, &usageAt, &c.UsageCount, &c.TotalUsage, &access,
		&c.CreatedAt, &c.StatusChangedAt, &c.Version)
	if err != nil {
		return domain.Consent{}, err
	}
	c.Type = domain.ConsentType(typ)
	c.Status = domain.ConsentStatus(status)
	c.ValidUntil = validUntil.Time
	c.UsageDate = usageAt.Time
	if err := decodeJSON(psus, &c.Psus); err != nil {
		return domain.Consent{}, fmt.Errorf("decode psus: %w", err)
	}
	if err := decodeJSON(access, &c.Access); err != nil {
		return domain.Consent{}, fmt.Errorf("decode access: %w", err)
	}
	return c, nil
}

func scanPayment(row rowScanner) (domain.Payment, error) {
	var (
		p           domain.Payment
		psus        []byte
		typ, status string
	)
	err := row.Scan(&p.ID, &typ, &p.Product, &p.TppID, &p.InstanceID, &psus, &status, &p.MultilevelScaRequired,
		&p.DebtorIBAN, &p.CreditorIBAN, &p.CreditorName, &p.Amount.Currency, &p.Amount.Amount,
		&p.CreatedAt, &p.StatusChangedAt, &p.Version)
	if err != nil {
		return domain.Payment{}, err
	}
	p.Type = domain.PaymentType(typ)
	p.TransactionStatus = domain.TransactionStatus(status)
	if err := decodeJSON(psus, &p.Psus); err != nil {
		return domain.Payment{}, fmt.Errorf("decode psus: %w", err)
	}
	return p, nil
}

func (r reader) GetAuthorisation(ctx context.Context, id string) (domain.Authorisation, error) {
	a, err := scanAuthorisation(r.q.QueryRowContext(ctx,
		`select `+authColumns+` from authorisations where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Authorisation{}, store.ErrNotFound
	}
	return a, err
}

func (r reader) ListAuthorisations(ctx context.Context, parentID string, typ domain.AuthorisationType) ([]domain.Authorisation, error) {
	rows, err := r.q.QueryContext(ctx, `
		select `+authColumns+`
		from authorisations
		where parent_id=$1 and ($2 = '' or type=$2)
		order by id asc
	`, parentID, string(typ))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.Authorisation
	for rows.Next() {
		a, err := scanAuthorisation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r reader) GetConsent(ctx context.Context, id string) (domain.Consent, error) {
	c, err := scanConsent(r.q.QueryRowContext(ctx,
		`select `+consentColumns+` from consents where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Consent{}, store.ErrNotFound
	}
	return c, err
}

// finalisedConsentStatuses mirrors domain.ConsentStatus.IsFinalised.
var finalisedConsentStatuses = []string{
	string(domain.ConsentRejected),
	string(domain.ConsentRevokedByPsu),
	string(domain.ConsentExpired),
	string(domain.ConsentTerminatedByTpp),
	string(domain.ConsentTerminatedByAspsp),
}

func (r reader) FindConsents(ctx context.Context, q store.ConsentQuery) ([]domain.Consent, error) {
	query := `
		select ` + consentColumns + `
		from consents
		where instance_id=$1 and id <> $2 and ($3 = '' or tpp_id=$3) and ($4 = '' or type=$4)`
	args := []any{q.InstanceID, q.ExcludeID, q.TppID, string(q.Type)}
	if q.OnlyActive {
		query += ` and status not in ($5, $6, $7, $8, $9)`
		for _, s := range finalisedConsentStatuses {
			args = append(args, s)
		}
	}
	query += ` order by id asc`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []domain.Consent
	for rows.Next() {
		c, err := scanConsent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r reader) GetPayment(ctx context.Context, id string) (domain.Payment, error) {
	p, err := scanPayment(r.q.QueryRowContext(ctx,
		`select `+paymentColumns+` from payments where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Payment{}, store.ErrNotFound
	}
	return p, err
}

type txStore struct {
	reader
	tx *sql.Tx
}

func (t *txStore) CreateAuthorisation(ctx context.Context, a domain.Authorisation) error {
	psu, err := json.Marshal(a.Psu)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		insert into authorisations(`+authColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,1)
	`, a.ID, a.ParentID, string(a.Type), string(a.ObjectType), string(a.ScaStatus), string(a.ScaApproach), psu,
		a.AuthenticationMethodID, a.AuthenticationData, nullTime(a.CodeExpiresAt), a.RedirectURI, a.NokRedirectURI,
		a.CreatedAt, a.UpdatedAt, nullTime(a.ExpiresAt))
	return mapError(err)
}

func (t *txStore) SaveAuthorisation(ctx context.Context, a domain.Authorisation, expected domain.ScaStatus) (domain.Authorisation, error) {
	psu, err := json.Marshal(a.Psu)
	if err != nil {
		return domain.Authorisation{}, err
	}
	res, err := t.tx.ExecContext(ctx, `
		update authorisations
		set sca_status=$4, sca_approach=$5, psu=$6, authentication_method_id=$7, authentication_data=$8,
			code_expires_at=$9, updated_at=$10, version=version+1
		where id=$1 and sca_status=$2 and version=$3
	`, a.ID, string(expected), a.Version, string(a.ScaStatus), string(a.ScaApproach), psu,
		a.AuthenticationMethodID, a.AuthenticationData, nullTime(a.CodeExpiresAt), a.UpdatedAt)
	if err := t.checkUpdated(ctx, res, err, "authorisations", a.ID); err != nil {
		return domain.Authorisation{}, err
	}
	a.Version++
	return a, nil
}

func (t *txStore) CreateConsent(ctx context.Context, c domain.Consent) error {
	psus, access, err := encodeConsent(c)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		insert into consents(`+consentColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,1)
	`, c.ID, string(c.Type), c.TppID, c.InstanceID, psus, string(c.Status), c.MultilevelScaRequired, c.Recurring,
		nullTime(c.ValidUntil), c.FrequencyPerDay, nullTime(c.UsageDate), c.UsageCount, c.TotalUsage, access,
		c.CreatedAt, c.StatusChangedAt)
	return mapError(err)
}

func (t *txStore) SaveConsent(ctx context.Context, c domain.Consent) (domain.Consent, error) {
	psus, access, err := encodeConsent(c)
	if err != nil {
		return domain.Consent{}, err
	}
	res, err := t.tx.ExecContext(ctx, `
		update consents
		set psus=$3, status=$4, multilevel_sca_required=$5, valid_until=$6, frequency_per_day=$7,
			usage_date=$8, usage_count=$9, total_usage=$10, access=$11, status_changed_at=$12, version=version+1
		where id=$1 and version=$2
	`, c.ID, c.Version, psus, string(c.Status), c.MultilevelScaRequired, nullTime(c.ValidUntil), c.FrequencyPerDay,
		nullTime(c.UsageDate), c.UsageCount, c.TotalUsage, access, c.StatusChangedAt)
	if err := t.checkUpdated(ctx, res, err, "consents", c.ID); err != nil {
		return domain.Consent{}, err
	}
	c = c.Clone()
	c.Version++
	return c, nil
}

func (t *txStore) CreatePayment(ctx context.Context, p domain.Payment) error {
	psus, err := json.Marshal(nonNilPsus(p.Psus))
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		insert into payments(`+paymentColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,1)
	`, p.ID, string(p.Type), p.Product, p.TppID, p.InstanceID, psus, string(p.TransactionStatus), p.MultilevelScaRequired,
		p.DebtorIBAN, p.CreditorIBAN, p.CreditorName, p.Amount.Currency, p.Amount.Amount, p.CreatedAt, p.StatusChangedAt)
	return mapError(err)
}

func (t *txStore) SavePayment(ctx context.Context, p domain.Payment) (domain.Payment, error) {
	psus, err := json.Marshal(nonNilPsus(p.Psus))
	if err != nil {
		return domain.Payment{}, err
	}
	res, err := t.tx.ExecContext(ctx, `
		update payments
		set psus=$3, transaction_status=$4, multilevel_sca_required=$5, status_changed_at=$6, version=version+1
		where id=$1 and version=$2
	`, p.ID, p.Version, psus, string(p.TransactionStatus), p.MultilevelScaRequired, p.StatusChangedAt)
	if err := t.checkUpdated(ctx, res, err, "payments", p.ID); err != nil {
		return domain.Payment{}, err
	}
	p = p.Clone()
	p.Version++
	return p, nil
}

// checkUpdated turns a conditional update that touched no row into either
// ErrNotFound or ErrConflict.
func (t *txStore) checkUpdated(ctx context.Context, res sql.Result, err error, table, id string) error {
	if err != nil {
		return mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var one int
	err = t.tx.QueryRowContext(ctx, `select 1 from `+table+` where id=$1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return mapError(err)
	}
	return store.ErrConflict
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure:
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", store.ErrExists, pgErr.ConstraintName)
		}
	}
	return err
}

func encodeConsent(c domain.Consent) (psus, access []byte, err error) {
	if psus, err = json.Marshal(nonNilPsus(c.Psus)); err != nil {
		return nil, nil, err
	}
	if access, err = json.Marshal(c.Access); err != nil {
		return nil, nil, err
	}
	return psus, access, nil
}

func decodeJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func nonNilPsus(in []domain.PsuIdData) []domain.PsuIdData {
	if in == nil {
		return []domain.PsuIdData{}
	}
	return in
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
