package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ledger/internal/receipt"
)

// Executor runs validated plans over one user's stored items
type Executor struct {
	db  receipt.DB
	now func() time.Time
}

// NewExecutor creates an Executor reading from db
func NewExecutor(db receipt.DB) *Executor {
	return &Executor{db: db, now: time.Now}
}

// Group is one bucket of a grouped aggregate
type Group struct {
	Key   string          `json:"key"`
	Count int             `json:"count"`
	Value decimal.Decimal `json:"value"`
}

// Result is the outcome of a plan
type Result struct {
	Plan   Plan
	Count  int
	Value  decimal.Decimal
	Empty  bool // no rows to aggregate for avg/min/max
	Groups []Group
	Items  []*receipt.StoredItem
}

// Execute reads the user's items through the plan filter and computes the
// requested aggregate
func (e *Executor) Execute(ctx context.Context, userID int64, plan *Plan) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	filter, err := plan.Filter()
	if err != nil {
		return nil, err
	}

	items, err := e.db.ListItems(ctx, userID, filter)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}

	result := &Result{Plan: *plan, Count: len(items)}

	if plan.GroupBy != "" {
		result.Groups = groupItems(items, plan)
		return result, nil
	}

	if plan.Operation == OpList {
		result.Items = sortItems(items, plan)
		return result, nil
	}

	result.Value, result.Empty = aggregate(items, plan.Operation, plan.Field)
	return result, nil
}

func fieldValue(item *receipt.StoredItem, field string) decimal.Decimal {
	switch field {
	case FieldPrice:
		return item.UnitPrice
	case FieldQuantity:
		return decimal.NewFromInt(int64(item.Quantity))
	default:
		return item.TotalAmount
	}
}

func groupKey(item *receipt.StoredItem, groupBy string) string {
	switch groupBy {
	case "item_name":
		return item.ItemName
	case "store_name":
		return item.StoreName
	case "category":
		return item.Category
	default:
		return item.ReceiptID
	}
}

// aggregate returns the value and whether there were no rows for an
// operation that needs at least one
func aggregate(items []*receipt.StoredItem, op, field string) (decimal.Decimal, bool) {
	switch op {
	case OpCount:
		return decimal.NewFromInt(int64(len(items))), false
	case OpSum:
		sum := decimal.Zero
		for _, item := range items {
			sum = sum.Add(fieldValue(item, field))
		}
		return sum, false
	}

	if len(items) == 0 {
		return decimal.Zero, true
	}

	values := make([]decimal.Decimal, len(items))
	for i, item := range items {
		values[i] = fieldValue(item, field)
	}
	switch op {
	case OpAvg:
		return decimal.Avg(values[0], values[1:]...), false
	case OpMin:
		return decimal.Min(values[0], values[1:]...), false
	default:
		return decimal.Max(values[0], values[1:]...), false
	}
}

func groupItems(items []*receipt.StoredItem, plan *Plan) []Group {
	buckets := make(map[string][]*receipt.StoredItem)
	var keys []string
	for _, item := range items {
		key := strings.TrimSpace(groupKey(item, plan.GroupBy))
		if _, ok := buckets[key]; !ok {
			keys = append(keys, key)
		}
		buckets[key] = append(buckets[key], item)
	}

	groups := make([]Group, 0, len(keys))
	for _, key := range keys {
		value, _ := aggregate(buckets[key], plan.Operation, plan.Field)
		groups = append(groups, Group{Key: key, Count: len(buckets[key]), Value: value})
	}

	asc := plan.Order == "asc"
	sort.SliceStable(groups, func(i, j int) bool {
		if c := groups[i].Value.Cmp(groups[j].Value); c != 0 {
			return (c < 0) == asc
		}
		return groups[i].Key < groups[j].Key
	})

	if plan.Limit > 0 && len(groups) > plan.Limit {
		groups = groups[:plan.Limit]
	}
	return groups
}

// sortItems keeps insertion order unless the plan names an order
func sortItems(items []*receipt.StoredItem, plan *Plan) []*receipt.StoredItem {
	sorted := make([]*receipt.StoredItem, len(items))
	copy(sorted, items)
	if plan.Order != "" {
		asc := plan.Order == "asc"
		sort.SliceStable(sorted, func(i, j int) bool {
			c := fieldValue(sorted[i], plan.Field).Cmp(fieldValue(sorted[j], plan.Field))
			if asc {
				return c < 0
			}
			return c > 0
		})
	}
	if plan.Limit > 0 && len(sorted) > plan.Limit {
		sorted = sorted[:plan.Limit]
	}
	return sorted
}

var fieldNouns = map[string]string{
	FieldTotalAmount: "amount spent",
	FieldPrice:       "unit price",
	FieldQuantity:    "quantity",
}

var operationLabels = map[string]string{
	OpSum: "Total",
	OpAvg: "Average",
	OpMin: "Lowest",
	OpMax: "Highest",
}

func formatValue(op, field string, v decimal.Decimal) string {
	if op == OpCount || (field == FieldQuantity && op != OpAvg) {
		return v.StringFixed(0)
	}
	return v.StringFixed(2)
}

func itemLabel(n int) string {
	if n == 1 {
		return "1 item"
	}
	return fmt.Sprintf("%d items", n)
}

// Render formats the result as a deterministic answer. Money and averages
// are shown with two decimals.
func (r *Result) Render() string {
	p := r.Plan

	if p.GroupBy != "" {
		if len(r.Groups) == 0 {
			return "No matching purchases found."
		}
		var b strings.Builder
		if p.Operation == OpCount {
			fmt.Fprintf(&b, "Items by %s:", p.GroupBy)
		} else {
			fmt.Fprintf(&b, "%s %s by %s:", operationLabels[p.Operation], fieldNouns[p.Field], p.GroupBy)
		}
		for _, g := range r.Groups {
			key := g.Key
			if key == "" {
				key = "(none)"
			}
			if p.Operation == OpCount {
				fmt.Fprintf(&b, "\n- %s: %s", key, itemLabel(g.Count))
				continue
			}
			fmt.Fprintf(&b, "\n- %s: %s (%s)", key, formatValue(p.Operation, p.Field, g.Value), itemLabel(g.Count))
		}
		return b.String()
	}

	switch p.Operation {
	case OpCount:
		return fmt.Sprintf("You have %s matching your question.", itemLabel(r.Count))
	case OpList:
		if len(r.Items) == 0 {
			return "No matching purchases found."
		}
		var b strings.Builder
		b.WriteString("Matching purchases:")
		for _, item := range r.Items {
			fmt.Fprintf(&b, "\n- %s: %d x %s = %s", item.ItemName, item.Quantity,
				item.UnitPrice.StringFixed(2), item.TotalAmount.StringFixed(2))
			var details []string
			if item.StoreName != "" {
				details = append(details, item.StoreName)
			}
			if item.PurchaseDate != nil {
				details = append(details, item.PurchaseDate.Format("2006-01-02"))
			}
			if len(details) > 0 {
				fmt.Fprintf(&b, " (%s)", strings.Join(details, ", "))
			}
		}
		return b.String()
	}

	if r.Empty {
		return "No matching purchases found."
	}
	return fmt.Sprintf("%s %s: %s across %s.", operationLabels[p.Operation], fieldNouns[p.Field],
		formatValue(p.Operation, p.Field, r.Value), itemLabel(r.Count))
}

// Statistics summarises a user's purchases
type Statistics struct {
	TotalItems        int             `json:"total_items"`
	TotalSpent        decimal.Decimal `json:"total_spent"`
	AvgItemPrice      decimal.Decimal `json:"avg_item_price"`
	TotalReceipts     int             `json:"total_receipts"`
	ThisMonthSpending decimal.Decimal `json:"this_month_spending"`
	TopCategory       string          `json:"top_category,omitempty"`
	TopStore          string          `json:"top_store,omitempty"`
}

// Statistics computes the summary for one user. This month is measured by
// when items were recorded.
func (e *Executor) Statistics(ctx context.Context, userID int64) (*Statistics, error) {
	items, err := e.db.ListItems(ctx, userID, receipt.ItemFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}

	stats := &Statistics{TotalItems: len(items)}
	total, _ := aggregate(items, OpSum, FieldTotalAmount)
	stats.TotalSpent = total.Round(2)
	if avg, empty := aggregate(items, OpAvg, FieldPrice); !empty {
		stats.AvgItemPrice = avg.Round(2)
	}

	now := e.now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	receipts := make(map[string]bool)
	month := decimal.Zero
	for _, item := range items {
		receipts[item.ReceiptID] = true
		if !item.CreatedAt.Before(monthStart) {
			month = month.Add(item.TotalAmount)
		}
	}
	stats.TotalReceipts = len(receipts)
	stats.ThisMonthSpending = month.Round(2)

	if rows := breakdown(items, "category"); len(rows) > 0 {
		stats.TopCategory = rows[0].Key
	}
	if rows := breakdown(items, "store_name"); len(rows) > 0 {
		stats.TopStore = rows[0].Key
	}
	return stats, nil
}

// Breakdown sums total_amount per category or store, largest first
func (e *Executor) Breakdown(ctx context.Context, userID int64, dimension string) ([]Group, error) {
	if dimension != "category" && dimension != "store_name" {
		return nil, fmt.Errorf("unsupported breakdown %q", dimension)
	}
	items, err := e.db.ListItems(ctx, userID, receipt.ItemFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	return breakdown(items, dimension), nil
}

func breakdown(items []*receipt.StoredItem, dimension string) []Group {
	return groupItems(items, &Plan{Operation: OpSum, Field: FieldTotalAmount, GroupBy: dimension, Order: "desc"})
}
