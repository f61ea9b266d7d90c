package receipt

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// LineItem is a single purchased item read off a receipt
type LineItem struct {
	ItemName  string          `json:"item_name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"price"`
}

// NewLineItem builds a LineItem and validates it
func NewLineItem(name string, quantity int, price decimal.Decimal) (LineItem, error) {
	item := LineItem{
		ItemName:  strings.TrimSpace(name),
		Quantity:  quantity,
		UnitPrice: price,
	}
	if err := item.Validate(); err != nil {
		return LineItem{}, err
	}
	return item, nil
}

// Validate checks the item name, quantity and price invariants
func (i LineItem) Validate() error {
	if strings.TrimSpace(i.ItemName) == "" {
		return &ValidationError{Field: "item_name", Reason: "must not be empty"}
	}
	if i.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Reason: fmt.Sprintf("must be positive, got %d", i.Quantity)}
	}
	if i.UnitPrice.IsNegative() {
		return &ValidationError{Field: "price", Reason: fmt.Sprintf("must not be negative, got %s", i.UnitPrice)}
	}
	return nil
}

// LineTotal returns quantity * unit price
func (i LineItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Batch is the transient result of extracting one receipt
type Batch struct {
	Items        []LineItem `json:"items"`
	StoreName    string     `json:"store_name,omitempty"`
	PurchaseDate string     `json:"purchase_date,omitempty"`
	ReceiptID    string     `json:"receipt_id,omitempty"`
}

// EmptyBatch returns a batch with a non-nil, empty item list
func EmptyBatch() Batch {
	return Batch{Items: []LineItem{}}
}

// StoredItem is a persisted line item owned by exactly one user
type StoredItem struct {
	ID           int64           `json:"id"`
	UserID       int64           `json:"user_id"`
	ReceiptID    string          `json:"receipt_id,omitempty"`
	ItemName     string          `json:"item_name"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"price"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	Category     string          `json:"category,omitempty"`
	StoreName    string          `json:"store_name,omitempty"`
	PurchaseDate *time.Time      `json:"purchase_date,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ComputeTotal sets TotalAmount from Quantity and UnitPrice. Stores call it
// immediately before every write.
func (s *StoredItem) ComputeTotal() {
	s.TotalAmount = s.LineItem().LineTotal()
}

// LineItem returns the value fields of the stored item
func (s *StoredItem) LineItem() LineItem {
	return LineItem{ItemName: s.ItemName, Quantity: s.Quantity, UnitPrice: s.UnitPrice}
}

// ItemPatch is a partial item update. Nil fields are left unchanged and an
// empty PurchaseDate clears the date.
type ItemPatch struct {
	ItemName     *string
	Quantity     *int
	UnitPrice    *decimal.Decimal
	Category     *string
	StoreName    *string
	PurchaseDate *string
}

// Apply returns a copy of item with the patch applied, validated and its
// total recomputed
func (p ItemPatch) Apply(item StoredItem) (StoredItem, error) {
	if p.ItemName != nil {
		item.ItemName = strings.TrimSpace(*p.ItemName)
	}
	if p.Quantity != nil {
		item.Quantity = *p.Quantity
	}
	if p.UnitPrice != nil {
		item.UnitPrice = *p.UnitPrice
	}
	if p.Category != nil {
		item.Category = strings.TrimSpace(*p.Category)
	}
	if p.StoreName != nil {
		item.StoreName = strings.TrimSpace(*p.StoreName)
	}
	if p.PurchaseDate != nil {
		raw := strings.TrimSpace(*p.PurchaseDate)
		item.PurchaseDate = nil
		if raw != "" {
			d := ParsePurchaseDate(raw)
			if d == nil {
				return StoredItem{}, &ValidationError{Field: "purchase_date", Reason: fmt.Sprintf("unrecognised date %q", raw)}
			}
			item.PurchaseDate = d
		}
	}
	if err := item.LineItem().Validate(); err != nil {
		return StoredItem{}, err
	}
	item.ComputeTotal()
	return item, nil
}

// User owns stored items
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Identity references the owning user of a read or write, either by a
// resolved id or by a username to resolve (and create on first use)
type Identity struct {
	UserID   int64  `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
}

// IsZero reports whether the identity carries no usable reference
func (i Identity) IsZero() bool {
	return i.UserID <= 0 && strings.TrimSpace(i.Username) == ""
}

func (i Identity) String() string {
	if i.UserID > 0 {
		return fmt.Sprintf("user_id=%d", i.UserID)
	}
	return fmt.Sprintf("username=%s", strings.TrimSpace(i.Username))
}

// Metadata is the optional receipt-level information attached to a save
type Metadata struct {
	ReceiptID    string `json:"receipt_id,omitempty"`
	StoreName    string `json:"store_name,omitempty"`
	PurchaseDate string `json:"purchase_date,omitempty"`
	Category     string `json:"category,omitempty"`
}

// SaveResult reports a successful batch write
type SaveResult struct {
	Count     int    `json:"count"`
	ReceiptID string `json:"receipt_id,omitempty"`
	Message   string `json:"message"`
}

var purchaseDateFormats = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"02-01-2006",
}

// ParsePurchaseDate parses a receipt date in one of the common receipt formats.
// It returns nil when the value is empty or unparseable.
func ParsePurchaseDate(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, format := range purchaseDateFormats {
		if d, err := time.Parse(format, value); err == nil {
			return &d
		}
	}
	return nil
}
