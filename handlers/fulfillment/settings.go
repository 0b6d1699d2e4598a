// Package fulfillment turns paid storefront orders and submitted ERP
// invoices into distributor delivery notes. The pipeline normalizes the
// source payload, maps lines to distributor item codes, checks stock and
// creates the ERP documents, tracking progress on a FulfillmentOrder row
// keyed by (organization, source, order id).
package fulfillment

import (
	"strings"
	"time"

	"github.com/conectahub/conecta/runtime/hub"
)

const (
	// DefaultBackorderRetry is how long an order waits for stock before
	// the next attempt when the tenant does not configure one.
	DefaultBackorderRetry = 15 * time.Minute

	// DefaultSerialStatus filters which serial numbers count as sellable.
	DefaultSerialStatus = "Available"

	settingsSection = "fulfillment"
)

type (
	// Settings is the per-tenant fulfillment configuration, read from the
	// "fulfillment" section of the organization metadata.
	Settings struct {
		// DistributorCompany is the ERP company documents are created in
		// when line mappings do not name one.
		DistributorCompany string
		// DefaultCustomer is the ERP customer used for storefront orders.
		DefaultCustomer string
		// DefaultWarehouse is used for lines whose mapping has no warehouse.
		DefaultWarehouse string
		// CreateSalesOrder inserts a sales order ahead of the delivery note.
		CreateSalesOrder bool
		// AllocateSerials makes the hub pick serial numbers itself instead
		// of leaving allocation to the distributor's ERP.
		AllocateSerials bool
		// SerialStatus filters serials when AllocateSerials is on.
		SerialStatus string
		// BackorderRetry is the delay before a waiting_stock order is
		// attempted again.
		BackorderRetry time.Duration
		// ItemMap is the metadata fallback item mapping, keyed by source
		// item code. Values are either a target item code string or a map
		// with item_code, company and warehouse.
		ItemMap map[string]any
		// Seller controls how the selling company is derived from
		// storefront orders.
		Seller SellerConfig
	}

	// SellerConfig resolves the seller company of a storefront order.
	SellerConfig struct {
		// TagPrefix marks order tags that carry the company name, e.g.
		// "seller:" turns the tag "seller:Acme" into "Acme".
		TagPrefix string
		// DomainMap maps shop domains to company names.
		DomainMap map[string]string
		// Default is used when neither tags nor domain resolve.
		Default string
	}
)

// SettingsFrom reads the fulfillment settings of an organization,
// applying defaults for everything the tenant leaves unset.
func SettingsFrom(org *hub.Organization) Settings {
	s := Settings{
		CreateSalesOrder: true,
		SerialStatus:     DefaultSerialStatus,
		BackorderRetry:   DefaultBackorderRetry,
	}
	m := org.MetadataSection(settingsSection)
	if m == nil {
		return s
	}
	if v, ok := m["distributor_company"].(string); ok {
		s.DistributorCompany = v
	}
	if v, ok := m["default_customer"].(string); ok {
		s.DefaultCustomer = v
	}
	if v, ok := m["default_warehouse"].(string); ok {
		s.DefaultWarehouse = v
	}
	if v, ok := m["create_sales_order"].(bool); ok {
		s.CreateSalesOrder = v
	}
	if v, ok := m["allocate_serials"].(bool); ok {
		s.AllocateSerials = v
	}
	if v, ok := m["serial_status"].(string); ok && v != "" {
		s.SerialStatus = v
	}
	if v, ok := m["backorder_retry_seconds"].(float64); ok && v > 0 {
		s.BackorderRetry = time.Duration(v) * time.Second
	}
	if v, ok := m["item_map"].(map[string]any); ok {
		s.ItemMap = v
	}
	if seller, ok := m["seller"].(map[string]any); ok {
		if v, ok := seller["tag_prefix"].(string); ok {
			s.Seller.TagPrefix = v
		}
		if v, ok := seller["default"].(string); ok {
			s.Seller.Default = v
		}
		if raw, ok := seller["domain_map"].(map[string]any); ok {
			s.Seller.DomainMap = make(map[string]string, len(raw))
			for domain, company := range raw {
				if c, ok := company.(string); ok {
					s.Seller.DomainMap[strings.ToLower(domain)] = c
				}
			}
		}
	}
	return s
}

// ResolveSellerCompany derives the seller company of an order. ERP
// orders carry their company; storefront orders fall back to tags, then
// the shop domain, then the configured default.
func (s Settings) ResolveSellerCompany(o *Order) string {
	if o.Company != "" {
		return o.Company
	}
	if s.Seller.TagPrefix != "" {
		for _, tag := range o.Tags {
			if strings.HasPrefix(tag, s.Seller.TagPrefix) {
				if company := strings.TrimSpace(strings.TrimPrefix(tag, s.Seller.TagPrefix)); company != "" {
					return company
				}
			}
		}
	}
	if o.ShopDomain != "" {
		if company, ok := s.Seller.DomainMap[strings.ToLower(o.ShopDomain)]; ok {
			return company
		}
	}
	return s.Seller.Default
}
