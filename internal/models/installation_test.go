package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallation_NeedsRefresh(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	inst := &Installation{ExpiresAt: now.Add(10 * time.Minute)}

	assert.False(t, inst.NeedsRefresh(now, 5*time.Minute))
	assert.True(t, inst.NeedsRefresh(now, 10*time.Minute))
	assert.True(t, inst.NeedsRefresh(now, 15*time.Minute))
}

func TestInstallation_Expired(t *testing.T) {
	now := time.Now()
	assert.False(t, (&Installation{ExpiresAt: now.Add(time.Second)}).Expired(now))
	assert.True(t, (&Installation{ExpiresAt: now}).Expired(now))
	assert.True(t, (&Installation{ExpiresAt: now.Add(-time.Second)}).Expired(now))
}

func TestInstallation_Lifetime(t *testing.T) {
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	inst := &Installation{IssuedAt: issued, ExpiresAt: issued.Add(24 * time.Hour)}
	assert.Equal(t, 24*time.Hour, inst.Lifetime())

	assert.Zero(t, (&Installation{ExpiresAt: issued}).Lifetime())
}

func TestInstallation_IsLocationLevel(t *testing.T) {
	assert.True(t, (&Installation{UserType: AuthClassLocation, LocationID: "loc1"}).IsLocationLevel())
	assert.False(t, (&Installation{UserType: AuthClassLocation}).IsLocationLevel())
	assert.False(t, (&Installation{UserType: AuthClassCompany, LocationID: "loc1"}).IsLocationLevel())
}

func TestInstallation_HasScope(t *testing.T) {
	inst := &Installation{Scopes: []string{"products.write", "medias.write"}}
	assert.True(t, inst.HasScope("medias.write"))
	assert.True(t, inst.HasScope(ScopeProductsRead), "write covers readonly")
	assert.False(t, inst.HasScope("locations.readonly"))

	readOnly := &Installation{Scopes: []string{"medias.readonly"}}
	assert.True(t, readOnly.HasScope(ScopeMediasRead))
	assert.False(t, readOnly.HasScope(ScopeMediasWrite), "readonly does not cover write")
}

func TestInstallation_CloneIsDeep(t *testing.T) {
	inst := &Installation{ID: "install_1", Scopes: []string{"a"}}
	c := inst.Clone()
	c.Scopes[0] = "b"
	c.ID = "install_2"

	assert.Equal(t, "a", inst.Scopes[0])
	assert.Equal(t, "install_1", inst.ID)
}

func TestInstallation_SummaryOmitsSecrets(t *testing.T) {
	inst := &Installation{
		ID:           "install_1",
		AccessToken:  "access-secret",
		RefreshToken: "refresh-secret",
		LocationID:   "loc1",
		UserType:     AuthClassLocation,
		TokenStatus:  StatusValid,
	}

	data, err := json.Marshal(inst.Summary())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "access-secret")
	assert.NotContains(t, string(data), "refresh-secret")
	assert.Contains(t, string(data), `"locationId":"loc1"`)
	assert.Contains(t, string(data), `"tokenStatus":"valid"`)
}

func TestTokenStatus_Terminal(t *testing.T) {
	assert.True(t, StatusRefreshExpired.Terminal())
	assert.True(t, StatusInvalid.Terminal())
	assert.False(t, StatusValid.Terminal())
	assert.False(t, StatusRefreshRequired.Terminal())
	assert.False(t, StatusRefreshFailed.Terminal())
}

func TestAuthClass_Valid(t *testing.T) {
	assert.True(t, AuthClassLocation.Valid())
	assert.True(t, AuthClassCompany.Valid())
	assert.False(t, AuthClass("Agency").Valid())
}
