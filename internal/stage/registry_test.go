package stage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qazna.org/xs2a/internal/domain"
)

func noop[T any]() Handler[T] {
	return HandlerFunc[T](func(context.Context, Request[T]) Outcome { return Outcome{} })
}

func TestKeyString(t *testing.T) {
	k := Key{Direction: Cancellation, Approach: domain.ApproachEmbedded, Status: domain.ScaPsuAuthenticated}
	assert.Equal(t, "CANCELLATION_EMBEDDED_PSUAUTHENTICATED", k.String())
	assert.Equal(t, Initiation, DirectionOf(domain.AuthorisationPisCreation))
	assert.Equal(t, Initiation, DirectionOf(domain.AuthorisationConsent))
	assert.Equal(t, Cancellation, DirectionOf(domain.AuthorisationPisCancellation))
}

func TestResolveUnmappedKey(t *testing.T) {
	reg, err := NewBuilder[domain.Consent](domain.ObjectPIIS).
		Register(Key{Initiation, domain.ApproachEmbedded, domain.ScaReceived}, noop[domain.Consent]()).
		Build()
	require.NoError(t, err)

	_, err = reg.Resolve(domain.AuthorisationConsent, domain.ApproachEmbedded, domain.ScaReceived)
	require.NoError(t, err)

	_, err = reg.Resolve(domain.AuthorisationConsent, domain.ApproachDecoupled, domain.ScaReceived)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDispatch))
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.ObjectPIIS, de.ObjectType)
	assert.Equal(t, "INITIATION_DECOUPLED_RECEIVED", de.Key.String())
}

func TestBuilderRejectsBadRegistrations(t *testing.T) {
	k := Key{Initiation, domain.ApproachEmbedded, domain.ScaReceived}

	_, err := NewBuilder[domain.Payment](domain.ObjectPIS).Register(k, noop[domain.Payment]()).Register(k, noop[domain.Payment]()).Build()
	assert.ErrorContains(t, err, "duplicate")

	_, err = NewBuilder[domain.Payment](domain.ObjectPIS).
		Register(Key{Initiation, domain.ApproachEmbedded, domain.ScaFinalised}, noop[domain.Payment]()).Build()
	assert.ErrorContains(t, err, "terminal")

	_, err = NewBuilder[domain.Payment](domain.ObjectPIS).Register(Key{Initiation, "OAUTH", domain.ScaReceived}, noop[domain.Payment]()).Build()
	assert.ErrorContains(t, err, "invalid key")

	_, err = NewBuilder[domain.Payment](domain.ObjectPIS).Register(k, nil).Build()
	assert.ErrorContains(t, err, "nil handler")
}

func TestRegisterAllKeys(t *testing.T) {
	h := &Handlers[domain.Payment]{Options: Options{AllowDecoupled: true}, Links: stubLinks{}}
	b := NewBuilder[domain.Payment](domain.ObjectPIS)
	h.RegisterAll(b, Initiation)
	h.RegisterAll(b, Cancellation)
	reg, err := b.Build()
	require.NoError(t, err)
	assert.Len(t, reg.Keys(), 24)

	consents := &Handlers[domain.Consent]{}
	reg2, err := consents.RegisterAll(NewBuilder[domain.Consent](domain.ObjectPIIS), Initiation).Build()
	require.NoError(t, err)
	assert.Len(t, reg2.Keys(), 5)
	for _, k := range reg2.Keys() {
		assert.Equal(t, domain.ApproachEmbedded, k.Approach)
	}
}

func TestTransitionsNeverGoBackward(t *testing.T) {
	statuses := []domain.ScaStatus{
		domain.ScaReceived, domain.ScaPsuIdentified, domain.ScaPsuAuthenticated, domain.ScaMethodSelected,
		domain.ScaUnconfirmed, domain.ScaFinalised, domain.ScaFailed, domain.ScaExempted,
	}
	for _, from := range statuses {
		for _, to := range statuses {
			err := CheckTransition(from, to)
			if to.Rank() < from.Rank() {
				assert.Error(t, err, "%s -> %s", from, to)
			}
			if from.IsFinalised() {
				assert.Error(t, err, "%s is terminal", from)
			}
			if err != nil {
				assert.True(t, errors.Is(err, ErrDispatch))
			}
		}
	}
}

func TestTransitionEdges(t *testing.T) {
	cases := []struct {
		from, to domain.ScaStatus
		ok       bool
	}{
		{domain.ScaReceived, domain.ScaReceived, true},
		{domain.ScaReceived, domain.ScaExempted, true},
		{domain.ScaPsuAuthenticated, domain.ScaExempted, true},
		{domain.ScaPsuAuthenticated, domain.ScaFinalised, false},
		{domain.ScaMethodSelected, domain.ScaExempted, false},
		{domain.ScaMethodSelected, domain.ScaFailed, true},
		{domain.ScaUnconfirmed, domain.ScaFinalised, true},
		{domain.ScaUnconfirmed, domain.ScaMethodSelected, false},
		{domain.ScaFinalised, domain.ScaFinalised, false},
		{domain.ScaReceived, "DONE", false},
	}
	for _, tc := range cases {
		err := CheckTransition(tc.from, tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			assert.Error(t, err, "%s -> %s", tc.from, tc.to)
		}
	}
}
