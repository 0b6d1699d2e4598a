package invoicesync

import (
	"context"
	"net/http"
	"strings"

	"goa.design/clue/log"

	"github.com/conectahub/conecta/runtime/hub"
	"github.com/conectahub/conecta/runtime/upstream/accounting"
)

// Identification types the accounting platform only accepts digits for.
var digitOnlyIdentificationTypes = map[string]bool{
	"CC":  true,
	"NIT": true,
	"TI":  true,
	"CE":  true,
}

// customerInfo is the customer slice of an ERP invoice payload.
type customerInfo struct {
	Code               string
	Name               string
	AccountingID       string
	IdentificationType string
	Identification     string
	Email              string
	Phone              string
	Address            map[string]any
}

// customerFrom reads the customer fields of an invoice payload. The ERP
// sends either a nested customer object or the flat document fields.
func customerFrom(payload map[string]any) customerInfo {
	info := customerInfo{
		Code:               firstString(payload, "customer", "customer_code"),
		Name:               firstString(payload, "customer_name"),
		AccountingID:       firstString(payload, "custom_alegra_id", "customer_custom_alegra_id", "accounting_contact_id"),
		IdentificationType: firstString(payload, "customer_identification_type", "custom_document_type"),
		Identification:     firstString(payload, "customer_identification", "tax_id"),
		Email:              firstString(payload, "contact_email", "email"),
		Phone:              firstString(payload, "customer_phone", "contact_mobile"),
	}
	if customer, ok := payload["customer"].(map[string]any); ok {
		info.Code = firstString(customer, "code", "name")
		info.Name = firstString(customer, "customer_name", "name")
		if v := firstString(customer, "custom_alegra_id"); v != "" {
			info.AccountingID = v
		}
		if v := firstString(customer, "identification_type"); v != "" {
			info.IdentificationType = v
		}
		if v := firstString(customer, "identification", "tax_id"); v != "" {
			info.Identification = v
		}
		if v := firstString(customer, "email", "email_id"); v != "" {
			info.Email = v
		}
		if v := firstString(customer, "phone", "mobile_no"); v != "" {
			info.Phone = v
		}
	}
	if info.Name == "" {
		info.Name = info.Code
	}
	if info.Name == "" {
		info.Name = "Cliente"
	}
	if addr := firstString(payload, "address_display"); addr != "" {
		info.Address = map[string]any{
			"line1": addr,
			"city":  firstString(payload, "city"),
		}
	}
	return info
}

// ensureContact returns the accounting contact for the invoice customer,
// creating it when no search term matches. A failed creation triggers one
// re-search to absorb concurrent creations of the same contact.
func ensureContact(ctx context.Context, client *accounting.Client, payload map[string]any, cfg config) (map[string]any, error) {
	info := customerFrom(payload)

	if found := findContact(ctx, client, info); found != nil {
		maybeUpdateContact(ctx, client, found, info)
		return found, nil
	}

	created, err := client.CreateContact(ctx, contactPayload(info, cfg))
	if err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "contact creation failed, re-searching"}, log.KV{K: "err", V: err.Error()})
		if found := findContact(ctx, client, info); found != nil {
			return found, nil
		}
		return nil, err
	}
	if idOf(created) == "" {
		return nil, &hub.APIError{
			StatusCode: http.StatusBadGateway,
			Code:       hub.CodeServerError,
			Retryable:  true,
			Message:    "contact created without an id",
			Body:       created,
		}
	}
	return created, nil
}

// findContact looks the customer up by accounting id, then by
// identification number, customer code and email, stopping at the first
// exact match. Lookup failures are logged and treated as no match.
func findContact(ctx context.Context, client *accounting.Client, info customerInfo) map[string]any {
	if info.AccountingID != "" {
		contact, err := client.GetContact(ctx, info.AccountingID)
		if err == nil && idOf(contact) != "" {
			return contact
		}
		if err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "contact fetch by id failed"}, log.KV{K: "contact_id", V: info.AccountingID})
		}
	}
	for _, term := range []string{info.Identification, info.Code, info.Email} {
		if term == "" {
			continue
		}
		matches, err := client.SearchContacts(ctx, term)
		if err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "contact search failed"}, log.KV{K: "term", V: term})
			continue
		}
		if match := matchContact(matches, info); match != nil {
			return match
		}
	}
	return nil
}

// matchContact picks the search result whose identification or email
// matches the customer exactly.
func matchContact(matches []map[string]any, info customerInfo) map[string]any {
	for _, contact := range matches {
		if info.AccountingID != "" && idOf(contact) == info.AccountingID {
			return contact
		}
		if ident, ok := contact["identificationObject"].(map[string]any); ok {
			number := strings.TrimSpace(str(ident["number"]))
			if number != "" && (number == info.Identification || number == info.Code) {
				return contact
			}
		}
		if info.Email != "" && str(contact["email"]) == info.Email {
			return contact
		}
	}
	return nil
}

// maybeUpdateContact pushes name, email and phone changes to the
// accounting platform. Failures are logged and swallowed: the invoice
// still references the contact by id.
func maybeUpdateContact(ctx context.Context, client *accounting.Client, contact map[string]any, info customerInfo) {
	updates := map[string]any{}

	nameObject, _ := contact["nameObject"].(map[string]any)
	current := strings.TrimSpace(strings.TrimSpace(str(nameObject["firstName"])) + " " + strings.TrimSpace(str(nameObject["lastName"])))
	if name := strings.TrimSpace(info.Name); name != "" && name != current {
		first, last := splitName(name)
		updates["nameObject"] = map[string]any{
			"firstName":      first,
			"lastName":       last,
			"secondLastName": str(nameObject["secondLastName"]),
		}
	}
	if info.Email != "" && str(contact["email"]) != info.Email {
		updates["email"] = info.Email
		updates["emailSecondary"] = info.Email
	}
	if info.Phone != "" && str(contact["mobile"]) != info.Phone {
		updates["mobile"] = info.Phone
		updates["phonePrimary"] = info.Phone
	}
	if len(updates) == 0 {
		return
	}
	if _, err := client.UpdateContact(ctx, idOf(contact), updates); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "contact update failed"}, log.KV{K: "contact_id", V: idOf(contact)})
	}
}

// contactPayload builds the creation payload. Digit-only identification
// types are normalized; when nothing survives the normalization the type
// falls back to the tenant's generic type, which accepts letters.
func contactPayload(info customerInfo, cfg config) map[string]any {
	first, last := splitName(info.Name)

	number := info.Identification
	if number == "" {
		number = info.Code
	}
	if number == "" {
		number = "AUTO-" + strings.ToUpper(first)
	}
	kind := info.IdentificationType
	if kind == "" {
		kind = cfg.str("default_identification_type", "CC")
	}
	if digitOnlyIdentificationTypes[strings.ToUpper(kind)] {
		if digits := onlyDigits(number); digits != "" {
			number = digits
		} else {
			kind = cfg.str("generic_identification_type", "OTHER")
			if info.Code != "" {
				number = info.Code
			} else {
				number = "AUTO-ID"
			}
		}
	}

	payload := map[string]any{
		"nameObject": map[string]any{
			"firstName":      first,
			"lastName":       last,
			"secondLastName": "",
		},
		"identificationObject": map[string]any{
			"type":   kind,
			"number": number,
		},
		"kindOfPerson": cfg.str("default_kind_of_person", "PERSON_ENTITY"),
		"regime":       cfg.str("default_regime", "SIMPLIFIED_REGIME"),
		"type":         "client",
	}
	if info.Email != "" {
		payload["email"] = info.Email
		payload["emailSecondary"] = info.Email
	}
	if info.Phone != "" {
		payload["mobile"] = info.Phone
		payload["phonePrimary"] = info.Phone
	}
	if addr := addressPayload(info.Address); len(addr) > 0 {
		payload["address"] = addr
	}
	return payload
}

func addressPayload(address map[string]any) map[string]any {
	if len(address) == 0 {
		return nil
	}
	out := map[string]any{}
	if line := firstString(address, "line1", "name"); line != "" {
		out["address"] = line
	}
	if city := firstString(address, "city"); city != "" {
		out["city"] = city
	}
	if state := firstString(address, "state"); state != "" {
		out["department"] = state
	}
	if country := firstString(address, "country"); country != "" {
		out["country"] = country
	}
	if zip := firstString(address, "postal_code"); zip != "" {
		out["zipCode"] = zip
	}
	return out
}

// splitName puts the first token in firstName and the rest in lastName.
func splitName(full string) (string, string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "Cliente", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
