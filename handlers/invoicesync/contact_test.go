package invoicesync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContactPayloadDigitNormalization(t *testing.T) {
	info := customerInfo{
		Name:               "Carolina Gomez Rios",
		IdentificationType: "CC",
		Identification:     "1.020.456-789",
		Email:              "carol@example.com",
	}
	payload := contactPayload(info, config{})

	name := payload["nameObject"].(map[string]any)
	assert.Equal(t, "Carolina", name["firstName"])
	assert.Equal(t, "Gomez Rios", name["lastName"])

	ident := payload["identificationObject"].(map[string]any)
	assert.Equal(t, "CC", ident["type"])
	assert.Equal(t, "1020456789", ident["number"])

	assert.Equal(t, "client", payload["type"])
	assert.Equal(t, "carol@example.com", payload["email"])
	assert.Equal(t, "PERSON_ENTITY", payload["kindOfPerson"])
}

func TestContactPayloadGenericTypeFallback(t *testing.T) {
	info := customerInfo{
		Name:               "ACME Ltd",
		Code:               "CUST-ACME",
		IdentificationType: "NIT",
		Identification:     "N/A",
	}
	payload := contactPayload(info, config{m: map[string]any{
		"generic_identification_type": "DIE",
	}})

	ident := payload["identificationObject"].(map[string]any)
	assert.Equal(t, "DIE", ident["type"])
	assert.Equal(t, "CUST-ACME", ident["number"])
}

func TestContactPayloadDefaultsWithoutIdentification(t *testing.T) {
	payload := contactPayload(customerInfo{Name: "Bob"}, config{})
	ident := payload["identificationObject"].(map[string]any)
	// "AUTO-BOB" has no digits, so the default CC type falls back to the
	// generic one.
	assert.Equal(t, "OTHER", ident["type"])
	assert.Equal(t, "AUTO-ID", ident["number"])
}

func TestMatchContact(t *testing.T) {
	matches := []map[string]any{
		{"id": float64(10), "email": "other@example.com", "identificationObject": map[string]any{"number": "111"}},
		{"id": float64(11), "email": "bob@example.com", "identificationObject": map[string]any{"number": "222"}},
	}

	got := matchContact(matches, customerInfo{Identification: "222"})
	require.NotNil(t, got)
	assert.Equal(t, "11", idOf(got))

	got = matchContact(matches, customerInfo{Email: "bob@example.com"})
	require.NotNil(t, got)
	assert.Equal(t, "11", idOf(got))

	assert.Nil(t, matchContact(matches, customerInfo{Identification: "999"}))
}

func TestCustomerFromFlatPayload(t *testing.T) {
	info := customerFrom(map[string]any{
		"customer":        "CUST-001",
		"customer_name":   "Bob Norman",
		"tax_id":          "123456",
		"contact_email":   "bob@example.com",
		"contact_mobile":  "3001234567",
		"address_display": "Calle 1 # 2-3",
		"city":            "Bogota",
	})
	assert.Equal(t, "CUST-001", info.Code)
	assert.Equal(t, "Bob Norman", info.Name)
	assert.Equal(t, "123456", info.Identification)
	assert.Equal(t, "bob@example.com", info.Email)
	assert.Equal(t, "3001234567", info.Phone)
	require.NotNil(t, info.Address)
	assert.Equal(t, "Calle 1 # 2-3", info.Address["line1"])
}

func TestSplitName(t *testing.T) {
	first, last := splitName("Carolina Gomez Rios")
	assert.Equal(t, "Carolina", first)
	assert.Equal(t, "Gomez Rios", last)

	first, last = splitName("Madonna")
	assert.Equal(t, "Madonna", first)
	assert.Empty(t, last)

	first, last = splitName("")
	assert.Equal(t, "Cliente", first)
	assert.Empty(t, last)
}
