package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv(t *testing.T) {
	t.Run("TestEmptyEnvironment", func(t *testing.T) {
		r, err := LoadFromEnv()
		require.NoError(t, err)
		assert.Equal(t, 0, r.Len())
	})

	t.Run("TestSingleProvider", func(t *testing.T) {
		t.Setenv("OIDC_1_ISSUER_URL", "https://accounts.google.com")
		t.Setenv("OIDC_1_CLIENT_ID", "client-1")
		t.Setenv("OIDC_1_CLIENT_SECRET", "secret-1")
		t.Setenv("OIDC_1_PROVIDER_NAME", "Google")

		r, err := LoadFromEnv()
		require.NoError(t, err)
		require.Equal(t, 1, r.Len())

		p, err := r.Get("oidc-1")
		require.NoError(t, err)
		assert.Equal(t, "https://accounts.google.com", p.IssuerURL)
		assert.Equal(t, "client-1", p.ClientID)
		assert.Equal(t, "secret-1", p.ClientSecret)
		assert.Equal(t, "Google", p.Name)
	})

	t.Run("TestGapsInNumberingAreSkipped", func(t *testing.T) {
		t.Setenv("OIDC_1_ISSUER_URL", "https://one.example")
		t.Setenv("OIDC_1_CLIENT_ID", "one")
		t.Setenv("OIDC_3_ISSUER_URL", "https://three.example")
		t.Setenv("OIDC_3_CLIENT_ID", "three")

		r, err := LoadFromEnv()
		require.NoError(t, err)
		require.Equal(t, 2, r.Len())

		all := r.All()
		assert.Equal(t, "oidc-1", all[0].ID)
		assert.Equal(t, "oidc-3", all[1].ID)
	})

	t.Run("TestIssuerWithoutClientIDIsAnError", func(t *testing.T) {
		t.Setenv("OIDC_2_ISSUER_URL", "https://two.example")

		_, err := LoadFromEnv()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "OIDC_2_CLIENT_ID")
	})

	t.Run("TestDefaultName", func(t *testing.T) {
		t.Setenv("OIDC_1_ISSUER_URL", "https://one.example")
		t.Setenv("OIDC_1_CLIENT_ID", "one")

		r, err := LoadFromEnv()
		require.NoError(t, err)

		p, err := r.Get("oidc-1")
		require.NoError(t, err)
		assert.Equal(t, "Provider 1", p.Name)
	})

	t.Run("TestUnknownProviderID", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.Get("oidc-99")
		assert.Error(t, err)
	})
}
