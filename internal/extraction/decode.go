package extraction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ledger/internal/receipt"
)

var errNotItemList = errors.New("items is not a list")

// decodeJSON decodes text into generic JSON values, keeping numbers exact
func decodeJSON(text string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// trailing content means the text is not a single JSON value
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return v, nil
}

// batchFromObject reads the items list and optional receipt fields from a
// decoded {"items": [...]} object
func batchFromObject(obj map[string]any) (receipt.Batch, error) {
	raw, ok := obj["items"]
	if !ok {
		return receipt.Batch{}, fmt.Errorf("missing items key")
	}
	items, err := itemsFromValue(raw)
	if err != nil {
		return receipt.Batch{}, err
	}
	return receipt.Batch{
		Items:        items,
		StoreName:    stringField(obj, "store_name"),
		PurchaseDate: stringField(obj, "purchase_date"),
		ReceiptID:    stringField(obj, "receipt_id"),
	}, nil
}

// itemsFromValue validates a decoded list of item objects. Any invalid item
// rejects the whole list.
func itemsFromValue(v any) ([]receipt.LineItem, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, errNotItemList
	}
	items := make([]receipt.LineItem, 0, len(list))
	for i, entry := range list {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("item %d is not an object", i+1)
		}
		item, err := lineItem(obj)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i+1, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func lineItem(obj map[string]any) (receipt.LineItem, error) {
	name, ok := obj["item_name"].(string)
	if !ok {
		return receipt.LineItem{}, &receipt.ValidationError{Field: "item_name", Reason: "must be a string"}
	}

	qty, err := number(obj["quantity"])
	if err != nil {
		return receipt.LineItem{}, &receipt.ValidationError{Field: "quantity", Reason: err.Error()}
	}
	if !qty.IsInteger() {
		return receipt.LineItem{}, &receipt.ValidationError{Field: "quantity", Reason: fmt.Sprintf("must be a whole number, got %s", qty)}
	}
	if !qty.IsPositive() || qty.GreaterThan(decimal.NewFromInt(1<<31-1)) {
		return receipt.LineItem{}, &receipt.ValidationError{Field: "quantity", Reason: fmt.Sprintf("must be positive, got %s", qty)}
	}

	price, err := number(obj["price"])
	if err != nil {
		return receipt.LineItem{}, &receipt.ValidationError{Field: "price", Reason: err.Error()}
	}

	return receipt.NewLineItem(name, int(qty.IntPart()), price)
}

// number accepts a JSON number or a numeric string
func number(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case json.Number:
		return decimal.NewFromString(n.String())
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("%q is not a number", n)
		}
		return d, nil
	case nil:
		return decimal.Decimal{}, fmt.Errorf("is required")
	default:
		return decimal.Decimal{}, fmt.Errorf("must be a number")
	}
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return strings.TrimSpace(s)
}

// compact is used for log fields so multi-line model output stays on one line
func compact(s string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err == nil {
		return buf.String()
	}
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
