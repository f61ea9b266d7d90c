package receipt

import (
	"strings"
	"time"
)

// ItemFilter narrows a user's items. It never names a user: every read
// method takes the owning user id as its own argument.
type ItemFilter struct {
	ItemName  string     // case-insensitive substring
	StoreName string     // case-insensitive exact match
	Category  string     // case-insensitive exact match
	ReceiptID string     // exact match
	From      *time.Time // purchase date on or after
	To        *time.Time // purchase date on or before
}

// IsZero reports whether the filter matches everything
func (f ItemFilter) IsZero() bool {
	return f.ItemName == "" && f.StoreName == "" && f.Category == "" &&
		f.ReceiptID == "" && f.From == nil && f.To == nil
}

// Matches reports whether the item satisfies the filter
func (f ItemFilter) Matches(item *StoredItem) bool {
	if f.ItemName != "" && !strings.Contains(strings.ToLower(item.ItemName), strings.ToLower(f.ItemName)) {
		return false
	}
	if f.StoreName != "" && !strings.EqualFold(item.StoreName, f.StoreName) {
		return false
	}
	if f.Category != "" && !strings.EqualFold(item.Category, f.Category) {
		return false
	}
	if f.ReceiptID != "" && item.ReceiptID != f.ReceiptID {
		return false
	}
	if f.From != nil || f.To != nil {
		if item.PurchaseDate == nil {
			return false
		}
		day := item.PurchaseDate.Format(dateLayout)
		if f.From != nil && day < f.From.Format(dateLayout) {
			return false
		}
		if f.To != nil && day > f.To.Format(dateLayout) {
			return false
		}
	}
	return true
}

const dateLayout = "2006-01-02"
