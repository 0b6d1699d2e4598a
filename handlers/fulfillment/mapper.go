package fulfillment

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/conectahub/conecta/runtime/hub"
)

// MappedLine is an order line resolved to a distributor item.
type MappedLine struct {
	SourceItemCode string
	TargetItemCode string
	TargetCompany  string
	Warehouse      string
	Description    string
	Quantity       float64
	UnitPrice      float64
}

// mapLines resolves every order line to its distributor item code,
// company and warehouse. Resolution order: stored item mappings, then
// the tenant's metadata item map, then source code as-is with no
// warehouse. All lines must land in a single target company.
func mapLines(ctx context.Context, items hub.ItemMapStore, org uuid.UUID, source hub.Integration, sellerCompany string, lines []Line, st Settings) ([]MappedLine, string, error) {
	stored, err := items.ForSource(ctx, org, source, sellerCompany)
	if err != nil {
		return nil, "", fmt.Errorf("load item mappings: %w", err)
	}
	byCode := make(map[string]*hub.ItemMapping, len(stored))
	for _, m := range stored {
		byCode[m.SourceItemCode] = m
	}

	mapped := make([]MappedLine, 0, len(lines))
	companies := make(map[string]bool)
	for _, line := range lines {
		ml := MappedLine{
			SourceItemCode: line.SourceItemCode,
			Description:    line.Description,
			Quantity:       line.Quantity,
			UnitPrice:      line.UnitPrice,
		}
		switch {
		case byCode[line.SourceItemCode] != nil:
			m := byCode[line.SourceItemCode]
			ml.TargetItemCode = m.TargetItemCode
			ml.TargetCompany = m.TargetCompany
			ml.Warehouse = m.Warehouse
			if ml.Warehouse == "" {
				ml.Warehouse = st.DefaultWarehouse
			}
		case st.ItemMap[line.SourceItemCode] != nil:
			applyMetadataMapping(&ml, st.ItemMap[line.SourceItemCode])
			if ml.Warehouse == "" {
				ml.Warehouse = st.DefaultWarehouse
			}
		default:
			ml.TargetItemCode = line.SourceItemCode
		}
		if ml.TargetItemCode == "" {
			return nil, "", &hub.FulfillmentError{
				Code:       "invalid_item_map",
				Message:    fmt.Sprintf("no target item for %q", line.SourceItemCode),
				StatusCode: http.StatusUnprocessableEntity,
			}
		}
		if ml.TargetCompany != "" {
			companies[ml.TargetCompany] = true
		}
		mapped = append(mapped, ml)
	}

	if len(companies) > 1 {
		return nil, "", &hub.FulfillmentError{
			Code:       "multiple_target_companies",
			Message:    fmt.Sprintf("order lines map to %d target companies", len(companies)),
			StatusCode: http.StatusUnprocessableEntity,
		}
	}
	target := st.DistributorCompany
	for company := range companies {
		target = company
	}
	return mapped, target, nil
}

// applyMetadataMapping reads one metadata item map entry, either a bare
// target code or {item_code, company, warehouse}.
func applyMetadataMapping(ml *MappedLine, entry any) {
	switch t := entry.(type) {
	case string:
		ml.TargetItemCode = t
	case map[string]any:
		ml.TargetItemCode = str(t["item_code"])
		ml.TargetCompany = str(t["company"])
		ml.Warehouse = str(t["warehouse"])
	}
}

// snapshot records the resolved mapping on the fulfillment row.
func snapshot(lines []MappedLine) []map[string]any {
	out := make([]map[string]any, len(lines))
	for i, l := range lines {
		out[i] = map[string]any{
			"source_item_code": l.SourceItemCode,
			"target_item_code": l.TargetItemCode,
			"target_company":   l.TargetCompany,
			"warehouse":        l.Warehouse,
			"quantity":         l.Quantity,
			"unit_price":       l.UnitPrice,
		}
	}
	return out
}
