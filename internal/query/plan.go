package query

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/zombor/receipt-ledger/internal/llm"
	"github.com/zombor/receipt-ledger/internal/receipt"
)

// Operations, fields and groupings a plan may name
const (
	OpSum   = "sum"
	OpCount = "count"
	OpAvg   = "avg"
	OpMin   = "min"
	OpMax   = "max"
	OpList  = "list"

	FieldTotalAmount = "total_amount"
	FieldPrice       = "price"
	FieldQuantity    = "quantity"

	maxLimit = 100

	// datePlaceholder is sometimes echoed back from the prompt's date rule
	datePlaceholder = "YYYY-MM-DD"
)

var (
	allowedOperations = map[string]bool{OpSum: true, OpCount: true, OpAvg: true, OpMin: true, OpMax: true, OpList: true}
	allowedFields     = map[string]bool{FieldTotalAmount: true, FieldPrice: true, FieldQuantity: true}
	allowedGroupings  = map[string]bool{"item_name": true, "store_name": true, "category": true, "receipt_id": true}

	planSpan = regexp.MustCompile(`(?s)\{.*\}`)
)

// Plan is the constrained query a model may ask for. It has no user field:
// the executor always supplies the owning user.
type Plan struct {
	Operation string      `json:"operation"`
	Field     string      `json:"field,omitempty"`
	GroupBy   string      `json:"group_by,omitempty"`
	Filters   PlanFilters `json:"filters"`
	Order     string      `json:"order,omitempty"`
	Limit     int         `json:"limit,omitempty"`
}

// PlanFilters narrows the rows a plan reads
type PlanFilters struct {
	ItemName  string `json:"item_name,omitempty"`
	StoreName string `json:"store_name,omitempty"`
	Category  string `json:"category,omitempty"`
	ReceiptID string `json:"receipt_id,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
}

// ParsePlan decodes a plan from model output and validates it. Keys the plan
// does not define are ignored, so a user id can never reach the executor.
func ParsePlan(output string) (*Plan, error) {
	text := llm.StripCodeFences(output)
	if span := planSpan.FindString(text); span != "" {
		text = span
	}

	var plan Plan
	if err := json.NewDecoder(strings.NewReader(text)).Decode(&plan); err != nil {
		return nil, fmt.Errorf("decoding query plan: %w", err)
	}
	plan.normalize()
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (p *Plan) normalize() {
	p.Operation = strings.ToLower(strings.TrimSpace(p.Operation))
	p.Field = strings.ToLower(strings.TrimSpace(p.Field))
	p.GroupBy = strings.ToLower(strings.TrimSpace(p.GroupBy))
	p.Order = strings.ToLower(strings.TrimSpace(p.Order))
	if p.Field == "" {
		p.Field = FieldTotalAmount
	}
}

// Validate checks the plan against the allow-lists
func (p *Plan) Validate() error {
	if !allowedOperations[p.Operation] {
		return fmt.Errorf("unsupported operation %q", p.Operation)
	}
	if !allowedFields[p.Field] {
		return fmt.Errorf("unsupported field %q", p.Field)
	}
	if p.GroupBy != "" && !allowedGroupings[p.GroupBy] {
		return fmt.Errorf("unsupported group_by %q", p.GroupBy)
	}
	if p.GroupBy != "" && p.Operation == OpList {
		return fmt.Errorf("list cannot be grouped")
	}
	if p.Order != "" && p.Order != "asc" && p.Order != "desc" {
		return fmt.Errorf("unsupported order %q", p.Order)
	}
	if p.Limit < 0 || p.Limit > maxLimit {
		return fmt.Errorf("limit must be between 0 and %d", maxLimit)
	}
	if _, err := p.Filter(); err != nil {
		return err
	}
	return nil
}

// Filter converts the plan filters to a store filter
func (p *Plan) Filter() (receipt.ItemFilter, error) {
	filter := receipt.ItemFilter{
		ItemName:  strings.TrimSpace(p.Filters.ItemName),
		StoreName: strings.TrimSpace(p.Filters.StoreName),
		Category:  strings.TrimSpace(p.Filters.Category),
		ReceiptID: strings.TrimSpace(p.Filters.ReceiptID),
	}
	for _, bound := range []struct {
		value string
		dest  **time.Time
		name  string
	}{
		{p.Filters.From, &filter.From, "from"},
		{p.Filters.To, &filter.To, "to"},
	} {
		value := strings.TrimSpace(bound.value)
		if value == "" || strings.EqualFold(value, datePlaceholder) {
			continue
		}
		d, err := time.Parse("2006-01-02", value)
		if err != nil {
			return receipt.ItemFilter{}, fmt.Errorf("invalid %s date %q", bound.name, value)
		}
		*bound.dest = &d
	}
	return filter, nil
}
