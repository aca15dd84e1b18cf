package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"qazna.org/xs2a/internal/domain"
	"qazna.org/xs2a/internal/store"
)

var authCols = []string{
	"id", "parent_id", "type", "object_type", "sca_status", "sca_approach", "psu",
	"authentication_method_id", "authentication_data", "code_expires_at", "redirect_uri", "nok_redirect_uri",
	"created_at", "updated_at", "expires_at", "version",
}

var consentCols = []string{
	"id", "type", "tpp_id", "instance_id", "psus", "status", "multilevel_sca_required", "recurring",
	"valid_until", "frequency_per_day", "usage_date", "usage_count", "total_usage", "access",
	"created_at", "status_changed_at", "version",
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestGetAuthorisation(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("select .* from authorisations where id").
		WithArgs("auth-1").
		WillReturnRows(sqlmock.NewRows(authCols).AddRow(
			"auth-1", "pay-1", "PIS_CREATION", "PIS", "SCAMETHODSELECTED", "EMBEDDED", []byte(`{"psu_id":"alice"}`),
			"sms", "123456", now.Add(5*time.Minute), "", "",
			now, now, nil, int64(3),
		))

	a, err := s.GetAuthorisation(context.Background(), "auth-1")
	if err != nil {
		t.Fatalf("GetAuthorisation: %v", err)
	}
	if a.ScaStatus != domain.ScaMethodSelected || a.Psu.ID != "alice" || a.Version != 3 {
		t.Fatalf("unexpected authorisation: %+v", a)
	}
	if !a.ExpiresAt.IsZero() {
		t.Fatalf("expected zero expiry, got %v", a.ExpiresAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetAuthorisationNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select .* from authorisations where id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(authCols))

	_, err := s.GetAuthorisation(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveAuthorisationConditional(t *testing.T) {
	s, mock := newMock(t)
	a := domain.Authorisation{ID: "auth-1", ScaStatus: domain.ScaFinalised, Version: 4}

	mock.ExpectBegin()
	mock.ExpectExec("update authorisations").
		WithArgs("auth-1", "UNCONFIRMED", int64(4), "FINALISED", sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var saved domain.Authorisation
	err := s.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		saved, err = tx.SaveAuthorisation(context.Background(), a, domain.ScaUnconfirmed)
		return err
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	if saved.Version != 5 {
		t.Fatalf("expected version 5, got %d", saved.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSaveAuthorisationStaleRead(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("update authorisations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select 1 from authorisations where id").
		WithArgs("auth-1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(tx store.Tx) error {
		_, err := tx.SaveAuthorisation(context.Background(),
			domain.Authorisation{ID: "auth-1", ScaStatus: domain.ScaFinalised, Version: 1}, domain.ScaUnconfirmed)
		return err
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSavePaymentMissingRow(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("update payments").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select 1 from payments where id").
		WithArgs("pay-9").
		WillReturnRows(sqlmock.NewRows([]string{"one"}))
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(tx store.Tx) error {
		_, err := tx.SavePayment(context.Background(), domain.Payment{ID: "pay-9", Version: 1})
		return err
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSerializationFailureIsConflict(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("update consents").WillReturnError(&pgconn.PgError{Code: "40001", Message: "could not serialize access"})
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(tx store.Tx) error {
		_, err := tx.SaveConsent(context.Background(), domain.Consent{ID: "c-1", Version: 2})
		return err
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCreateAuthorisationDuplicate(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into authorisations").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "authorisations_pkey"})
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateAuthorisation(context.Background(), domain.Authorisation{ID: "auth-1"})
	})
	if !errors.Is(err, store.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestFindActiveConsents(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("select .* from consents where instance_id=.* and status not in").
		WithArgs("", "c-new", "tpp-1", "AIS",
			"REJECTED", "REVOKED_BY_PSU", "EXPIRED", "TERMINATED_BY_TPP", "TERMINATED_BY_ASPSP").
		WillReturnRows(sqlmock.NewRows(consentCols).AddRow(
			"c-old", "AIS", "tpp-1", "", []byte(`[{"psu_id":"alice"}]`), "VALID", false, true,
			now.AddDate(0, 1, 0), 4, nil, 0, 2, []byte(`{"all_psd2":"allAccounts"}`),
			now, now, int64(7),
		))

	found, err := s.FindConsents(context.Background(), store.ConsentQuery{
		TppID: "tpp-1", Type: domain.ConsentAIS, ExcludeID: "c-new", OnlyActive: true,
	})
	if err != nil {
		t.Fatalf("FindConsents: %v", err)
	}
	if len(found) != 1 || found[0].ID != "c-old" {
		t.Fatalf("unexpected consents: %+v", found)
	}
	if len(found[0].Psus) != 1 || found[0].Psus[0].ID != "alice" || found[0].Access.AllPsd2 != "allAccounts" {
		t.Fatalf("json columns not decoded: %+v", found[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
