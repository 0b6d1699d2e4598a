package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialValid(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	c := &Credential{Active: true}
	assert.True(t, c.Valid(now))

	c.Active = false
	assert.False(t, c.Valid(now))

	c = &Credential{Active: true, ValidFrom: &future}
	assert.False(t, c.Valid(now))

	c = &Credential{Active: true, ValidFrom: &past, ValidUntil: &future}
	assert.True(t, c.Valid(now))

	c = &Credential{Active: true, ValidUntil: &past}
	assert.False(t, c.Valid(now))
}

func TestCredentialTimeout(t *testing.T) {
	assert.Equal(t, DefaultTimeout, (&Credential{}).Timeout())
	assert.Equal(t, 5*time.Second, (&Credential{TimeoutSeconds: 5}).Timeout())
}

func TestPickForCompany(t *testing.T) {
	acme := &Credential{Company: "Acme Distribuciones"}
	beta := &Credential{Company: "Beta Ltda"}
	creds := []*Credential{acme, beta}

	got, err := PickForCompany(creds, "beta ltda")
	require.NoError(t, err)
	assert.Same(t, beta, got)

	// Unknown company falls back to the most recent credential.
	got, err = PickForCompany(creds, "Unknown SA")
	require.NoError(t, err)
	assert.Same(t, acme, got)

	got, err = PickForCompany(creds, "")
	require.NoError(t, err)
	assert.Same(t, acme, got)

	_, err = PickForCompany(nil, "Acme")
	var credErr *CredentialError
	require.ErrorAs(t, err, &credErr)
}
