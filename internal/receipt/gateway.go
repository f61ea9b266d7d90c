package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IDGenerator generates receipt ids for batches saved without one
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// Gateway is the only write path for stored items. It resolves identities,
// derives totals and hands each batch to the store as one unit.
type Gateway struct {
	db          DB
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewGateway creates a Gateway with a uuid receipt id generator and the wall clock
func NewGateway(db DB) *Gateway {
	return &Gateway{
		db:          db,
		idGenerator: &uuidGenerator{},
		timeSource:  &defaultTimeSource{},
	}
}

// NewGatewayWithDeps creates a Gateway with custom dependencies for testing
func NewGatewayWithDeps(db DB, idGen IDGenerator, timeSrc TimeSource) *Gateway {
	return &Gateway{
		db:          db,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// ResolveUser turns an identity into a stored user. Ids must already exist;
// usernames are created on first reference.
func (g *Gateway) ResolveUser(ctx context.Context, identity Identity) (*User, error) {
	if identity.UserID > 0 {
		user, err := g.db.GetUser(ctx, identity.UserID)
		if errors.Is(err, ErrUserNotFound) {
			return nil, &IdentityError{Reason: fmt.Sprintf("user %d does not exist", identity.UserID)}
		}
		if err != nil {
			return nil, fmt.Errorf("getting user: %w", err)
		}
		return user, nil
	}

	username := strings.TrimSpace(identity.Username)
	if username == "" {
		return nil, &IdentityError{Reason: "either user_id or username must be provided"}
	}
	user, err := g.db.GetOrCreateUser(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("getting or creating user: %w", err)
	}
	return user, nil
}

// Save validates and stores the items for the identified user
func (g *Gateway) Save(ctx context.Context, items []LineItem, identity Identity, meta Metadata) (*SaveResult, error) {
	if identity.IsZero() {
		return nil, &IdentityError{Reason: "either user_id or username must be provided"}
	}
	for i, item := range items {
		if err := item.Validate(); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				verr.Index = i + 1
			}
			return nil, err
		}
	}

	user, err := g.ResolveUser(ctx, identity)
	if err != nil {
		var ierr *IdentityError
		if errors.As(err, &ierr) {
			return nil, err
		}
		return nil, &PersistenceError{Err: err}
	}

	receiptID := strings.TrimSpace(meta.ReceiptID)
	if receiptID == "" {
		receiptID = g.idGenerator.Generate()
	}

	purchaseDate := ParsePurchaseDate(meta.PurchaseDate)
	if purchaseDate == nil && strings.TrimSpace(meta.PurchaseDate) != "" {
		slog.Warn("Ignoring unparseable purchase date", "purchase_date", meta.PurchaseDate, "receipt_id", receiptID)
	}

	now := g.timeSource.Now()
	stored := make([]*StoredItem, 0, len(items))
	for _, item := range items {
		s := &StoredItem{
			UserID:       user.ID,
			ReceiptID:    receiptID,
			ItemName:     strings.TrimSpace(item.ItemName),
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice,
			Category:     strings.TrimSpace(meta.Category),
			StoreName:    strings.TrimSpace(meta.StoreName),
			PurchaseDate: purchaseDate,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.ComputeTotal()
		stored = append(stored, s)
	}

	if len(stored) > 0 {
		if err := g.db.SaveItems(ctx, user.ID, stored); err != nil {
			slog.Error("Failed to save items", "user_id", user.ID, "count", len(stored), "error", err)
			return nil, &PersistenceError{Err: err}
		}
	}

	slog.Info("Saved receipt items", "user_id", user.ID, "receipt_id", receiptID, "count", len(stored))
	return &SaveResult{
		Count:     len(stored),
		ReceiptID: receiptID,
		Message:   fmt.Sprintf("Successfully stored %d items in the database!", len(stored)),
	}, nil
}

// Items returns the identified user's items matching the filter
func (g *Gateway) Items(ctx context.Context, identity Identity, filter ItemFilter) ([]*StoredItem, error) {
	user, err := g.ResolveUser(ctx, identity)
	if err != nil {
		return nil, err
	}
	items, err := g.db.ListItems(ctx, user.ID, filter)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	return items, nil
}

// Item returns one of the identified user's items
func (g *Gateway) Item(ctx context.Context, identity Identity, itemID int64) (*StoredItem, error) {
	user, err := g.ResolveUser(ctx, identity)
	if err != nil {
		return nil, err
	}
	item, err := g.db.GetItem(ctx, user.ID, itemID)
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}
	return item, nil
}

// UpdateItem applies a partial update to one of the identified user's items.
// The total always follows the new quantity and price.
func (g *Gateway) UpdateItem(ctx context.Context, identity Identity, itemID int64, patch ItemPatch) (*StoredItem, error) {
	user, err := g.ResolveUser(ctx, identity)
	if err != nil {
		return nil, err
	}
	current, err := g.db.GetItem(ctx, user.ID, itemID)
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}

	updated, err := patch.Apply(*current)
	if err != nil {
		return nil, err
	}

	if err := g.db.UpdateItem(ctx, user.ID, &updated); err != nil {
		if errors.Is(err, ErrItemNotFound) {
			return nil, fmt.Errorf("updating item: %w", err)
		}
		slog.Error("Failed to update item", "user_id", user.ID, "item_id", itemID, "error", err)
		return nil, &PersistenceError{Err: err}
	}

	slog.Info("Updated receipt item", "user_id", user.ID, "item_id", itemID)
	return &updated, nil
}

// DeleteItem removes one of the identified user's items
func (g *Gateway) DeleteItem(ctx context.Context, identity Identity, itemID int64) error {
	user, err := g.ResolveUser(ctx, identity)
	if err != nil {
		return err
	}
	if err := g.db.DeleteItem(ctx, user.ID, itemID); err != nil {
		if errors.Is(err, ErrItemNotFound) {
			return fmt.Errorf("deleting item: %w", err)
		}
		slog.Error("Failed to delete item", "user_id", user.ID, "item_id", itemID, "error", err)
		return &PersistenceError{Err: err}
	}

	slog.Info("Deleted receipt item", "user_id", user.ID, "item_id", itemID)
	return nil
}
