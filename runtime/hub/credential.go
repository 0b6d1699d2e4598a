package hub

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type (
	// Credential holds the connection material for one tenant account on
	// one integration. Accounting uses Email+Token (HTTP basic), the ERP
	// uses APIKey+APISecret (token pair header).
	Credential struct {
		ID             uuid.UUID      `json:"id"`
		OrganizationID uuid.UUID      `json:"organization_id"`
		Integration    Integration    `json:"integration"`
		Name           string         `json:"name"`
		BaseURL        string         `json:"base_url"`
		Email          string         `json:"email,omitempty"`
		Token          string         `json:"token,omitempty"`
		APIKey         string         `json:"api_key,omitempty"`
		APISecret      string         `json:"api_secret,omitempty"`
		WebhookSecret  string         `json:"webhook_secret,omitempty"`

		// Company scopes ERP credentials to one company ledger; invoice
		// sync picks the credential matching the document's company.
		Company string `json:"company,omitempty"`

		NumberTemplateID  string `json:"number_template_id,omitempty"`
		AutoStampOnCreate bool   `json:"auto_stamp_on_create,omitempty"`

		TimeoutSeconds int `json:"timeout_seconds,omitempty"`
		MaxRetries     int `json:"max_retries,omitempty"`

		Metadata map[string]any `json:"metadata,omitempty"`

		Active     bool       `json:"active"`
		ValidFrom  *time.Time `json:"valid_from,omitempty"`
		ValidUntil *time.Time `json:"valid_until,omitempty"`
		UpdatedAt  time.Time  `json:"updated_at"`
	}

	// CredentialStore looks up credentials for outbound calls and webhook
	// verification.
	CredentialStore interface {
		// Active returns the valid credentials for an organization and
		// integration, most recently updated first.
		Active(ctx context.Context, org uuid.UUID, integration Integration) ([]*Credential, error)
		// ByWebhookDomain resolves a storefront credential by the shop
		// domain recorded in its metadata, or ErrNotFound.
		ByWebhookDomain(ctx context.Context, domain string) (*Credential, error)
	}
)

// DefaultTimeout is used when a credential does not set one.
const DefaultTimeout = 30 * time.Second

// Valid reports whether the credential is active and inside its validity
// window at now.
func (c *Credential) Valid(now time.Time) bool {
	if !c.Active {
		return false
	}
	if c.ValidFrom != nil && now.Before(*c.ValidFrom) {
		return false
	}
	if c.ValidUntil != nil && now.After(*c.ValidUntil) {
		return false
	}
	return true
}

// Timeout returns the per-request timeout for calls using this credential.
func (c *Credential) Timeout() time.Duration {
	if c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return DefaultTimeout
}

// MetadataString returns the string value stored under key in the
// credential metadata, or "".
func (c *Credential) MetadataString(key string) string {
	if c.Metadata == nil {
		return ""
	}
	s, _ := c.Metadata[key].(string)
	return s
}

// PickForCompany selects the credential whose company matches company,
// compared case-insensitively, falling back to the first credential in the
// list (the most recently updated one) when no company matches or company
// is empty. An empty list is a CredentialError.
func PickForCompany(creds []*Credential, company string) (*Credential, error) {
	if len(creds) == 0 {
		return nil, &CredentialError{Message: "no active credential"}
	}
	if company != "" {
		for _, c := range creds {
			if strings.EqualFold(c.Company, company) {
				return c, nil
			}
		}
	}
	return creds[0], nil
}

// ActiveForCompany combines Active and PickForCompany.
func ActiveForCompany(ctx context.Context, s CredentialStore, org uuid.UUID, integration Integration, company string) (*Credential, error) {
	creds, err := s.Active(ctx, org, integration)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return PickForCompany(creds, company)
}
