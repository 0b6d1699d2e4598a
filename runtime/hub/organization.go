package hub

import (
	"context"

	"github.com/google/uuid"
)

type (
	// Organization is a tenant. Metadata carries per-tenant configuration
	// such as the fulfillment gateway settings.
	Organization struct {
		ID       uuid.UUID      `json:"id"`
		Name     string         `json:"name"`
		Slug     string         `json:"slug,omitempty"`
		Active   bool           `json:"active"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// OrganizationStore resolves tenants.
	OrganizationStore interface {
		// Get returns the organization or ErrNotFound.
		Get(ctx context.Context, id uuid.UUID) (*Organization, error)
	}
)

// MetadataSection returns the map stored under key in the organization
// metadata, or nil.
func (o *Organization) MetadataSection(key string) map[string]any {
	if o.Metadata == nil {
		return nil
	}
	m, _ := o.Metadata[key].(map[string]any)
	return m
}
