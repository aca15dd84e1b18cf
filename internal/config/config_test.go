package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(nil))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ConfirmationLocal, cfg.ConfirmationCheck)
	assert.False(t, cfg.ConfirmationMandated)
	assert.Equal(t, 15*time.Minute, cfg.AuthorisationTTL)
	assert.Equal(t, 10*time.Second, cfg.SpiTimeout)
	assert.Equal(t, 20.0, cfg.HTTPRate)
	assert.Equal(t, 40, cfg.HTTPBurst)
}

func TestOverrides(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(map[string]string{
		"XS2A_CONFIRMATION_CHECK":    "BACKEND",
		"XS2A_CONFIRMATION_MANDATED": "true",
		"XS2A_AUTHORISATION_TTL":     "30m",
		"XS2A_REDIRECT_SECRET":       "s3cret",
		"XS2A_REDIRECT_BASE_URL":     "https://bank.example/sca",
		"XS2A_SPI_RATE":              "2.5",
		"XS2A_SPI_BURST":             "3",
	}))
	require.NoError(t, err)
	assert.Equal(t, ConfirmationBackend, cfg.ConfirmationCheck)
	assert.True(t, cfg.ConfirmationMandated)
	assert.Equal(t, 30*time.Minute, cfg.AuthorisationTTL)
	assert.Equal(t, 2.5, cfg.SpiRate)
	assert.Equal(t, 3, cfg.SpiBurst)
}

func TestInvalidValues(t *testing.T) {
	_, err := FromLookup(lookupFrom(map[string]string{
		"XS2A_AUTHORISATION_TTL":     "soon",
		"XS2A_CONFIRMATION_MANDATED": "maybe",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "XS2A_AUTHORISATION_TTL")
	assert.Contains(t, err.Error(), "XS2A_CONFIRMATION_MANDATED")

	_, err = FromLookup(lookupFrom(map[string]string{"XS2A_CONFIRMATION_CHECK": "psu"}))
	require.Error(t, err)

	_, err = FromLookup(lookupFrom(map[string]string{"XS2A_REDIRECT_BASE_URL": "https://bank.example"}))
	require.Error(t, err)

	_, err = FromLookup(lookupFrom(map[string]string{"XS2A_HTTP_BURST": "-1"}))
	require.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("XS2A_HTTP_ADDR=:9191\nXS2A_CODE_TTL=90s\n"), 0o600))
	t.Setenv("XS2A_HTTP_ADDR", "")
	require.NoError(t, os.Unsetenv("XS2A_HTTP_ADDR"))
	t.Setenv("XS2A_CODE_TTL", "2m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9191", cfg.HTTPAddr)
	assert.Equal(t, 2*time.Minute, cfg.CodeTTL, "process environment wins over the file")
}
