package receipt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

var (
	usersBucket     = []byte("users")
	usernamesBucket = []byte("usernames")
	itemsBucket     = []byte("items")
)

// DB defines the storage operations the gateway and resolvers need.
// Every item read or write is scoped by the owning user id.
type DB interface {
	// GetOrCreateUser returns the user with the given username, creating it
	// on first reference. Calling it twice returns the same user.
	GetOrCreateUser(ctx context.Context, username string) (*User, error)

	// GetUser retrieves a user by id, or ErrUserNotFound
	GetUser(ctx context.Context, id int64) (*User, error)

	// SaveItems writes all items for the user as one unit. IDs are assigned
	// and totals recomputed by the store.
	SaveItems(ctx context.Context, userID int64, items []*StoredItem) error

	// ListItems returns the user's items matching the filter in insertion order
	ListItems(ctx context.Context, userID int64, filter ItemFilter) ([]*StoredItem, error)

	// GetItem returns one of the user's items, or ErrItemNotFound
	GetItem(ctx context.Context, userID, itemID int64) (*StoredItem, error)

	// UpdateItem overwrites one of the user's items by item.ID. The store
	// recomputes the total, keeps CreatedAt and sets UpdatedAt. Items owned
	// by another user give ErrItemNotFound.
	UpdateItem(ctx context.Context, userID int64, item *StoredItem) error

	// DeleteItem removes one of the user's items, or returns ErrItemNotFound
	DeleteItem(ctx context.Context, userID, itemID int64) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB. Items live in one nested
// bucket per user, so a scan can only ever see that user's rows.
type BoltDB struct {
	db  *bbolt.DB
	now func() time.Time
}

var _ DB = (*BoltDB)(nil)

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{usersBucket, usernamesBucket, itemsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db, now: time.Now}, nil
}

// GetOrCreateUser looks the username up and creates the user inside the same
// write transaction. bbolt allows one writer at a time, so two callers racing
// on a new username both end up with the same row.
func (b *BoltDB) GetOrCreateUser(ctx context.Context, username string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var user User
	err := b.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(usersBucket)
		names := tx.Bucket(usernamesBucket)

		if id := names.Get([]byte(username)); id != nil {
			data := users.Get(id)
			if data == nil {
				return fmt.Errorf("username index points at missing user %d", btoi(id))
			}
			return json.Unmarshal(data, &user)
		}

		seq, err := users.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating user id: %w", err)
		}
		now := b.now().UTC()
		user = User{ID: int64(seq), Username: username, CreatedAt: now, UpdatedAt: now}
		data, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("marshaling user: %w", err)
		}
		if err := users.Put(itob(seq), data); err != nil {
			return err
		}
		return names.Put([]byte(username), itob(seq))
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUser retrieves a user by id
func (b *BoltDB) GetUser(ctx context.Context, id int64) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var user *User
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(usersBucket).Get(itob(uint64(id)))
		if data == nil {
			return fmt.Errorf("%w: %d", ErrUserNotFound, id)
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// SaveItems writes the batch in a single transaction. IDs and totals are
// copied onto the caller's items only once the transaction has committed.
func (b *BoltDB) SaveItems(ctx context.Context, userID int64, items []*StoredItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ids := make([]int64, len(items))
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(usersBucket).Get(itob(uint64(userID))) == nil {
			return fmt.Errorf("%w: %d", ErrUserNotFound, userID)
		}
		root := tx.Bucket(itemsBucket)
		bucket, err := root.CreateBucketIfNotExists(itob(uint64(userID)))
		if err != nil {
			return fmt.Errorf("creating user bucket: %w", err)
		}
		for i, item := range items {
			if err := ctx.Err(); err != nil {
				return err
			}
			seq, err := root.NextSequence()
			if err != nil {
				return fmt.Errorf("allocating item id: %w", err)
			}
			stored := *item
			stored.ID = int64(seq)
			stored.UserID = userID
			stored.ComputeTotal()
			data, err := json.Marshal(stored)
			if err != nil {
				return fmt.Errorf("marshaling item: %w", err)
			}
			if err := bucket.Put(itob(seq), data); err != nil {
				return err
			}
			ids[i] = stored.ID
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i, item := range items {
		item.ID = ids[i]
		item.UserID = userID
		item.ComputeTotal()
	}
	return nil
}

// ListItems returns the user's items matching the filter
func (b *BoltDB) ListItems(ctx context.Context, userID int64, filter ItemFilter) ([]*StoredItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items := make([]*StoredItem, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := userItems(tx, userID)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var item StoredItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("unmarshaling item: %w", err)
			}
			if filter.Matches(&item) {
				items = append(items, &item)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// GetItem retrieves one of the user's items
func (b *BoltDB) GetItem(ctx context.Context, userID, itemID int64) (*StoredItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var item *StoredItem
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := userItem(tx, userID, itemID)
		if data == nil {
			return fmt.Errorf("%w: %d", ErrItemNotFound, itemID)
		}
		return json.Unmarshal(data, &item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// UpdateItem rewrites one of the user's items in place
func (b *BoltDB) UpdateItem(ctx context.Context, userID int64, item *StoredItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var updated StoredItem
	err := b.db.Update(func(tx *bbolt.Tx) error {
		data := userItem(tx, userID, item.ID)
		if data == nil {
			return fmt.Errorf("%w: %d", ErrItemNotFound, item.ID)
		}
		var existing StoredItem
		if err := json.Unmarshal(data, &existing); err != nil {
			return fmt.Errorf("unmarshaling item: %w", err)
		}

		updated = *item
		updated.UserID = userID
		updated.CreatedAt = existing.CreatedAt
		updated.UpdatedAt = b.now().UTC()
		updated.ComputeTotal()

		out, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("marshaling item: %w", err)
		}
		return userItems(tx, userID).Put(itob(uint64(item.ID)), out)
	})
	if err != nil {
		return err
	}
	*item = updated
	return nil
}

// DeleteItem removes one of the user's items
func (b *BoltDB) DeleteItem(ctx context.Context, userID, itemID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		if userItem(tx, userID, itemID) == nil {
			return fmt.Errorf("%w: %d", ErrItemNotFound, itemID)
		}
		return userItems(tx, userID).Delete(itob(uint64(itemID)))
	})
}

// userItems returns the user's item bucket, or nil before their first save
func userItems(tx *bbolt.Tx, userID int64) *bbolt.Bucket {
	return tx.Bucket(itemsBucket).Bucket(itob(uint64(userID)))
}

func userItem(tx *bbolt.Tx, userID, itemID int64) []byte {
	if itemID <= 0 {
		return nil
	}
	bucket := userItems(tx, userID)
	if bucket == nil {
		return nil
	}
	return bucket.Get(itob(uint64(itemID)))
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}

func itob(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
