package receipt

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
)

func storedItem(name string, qty int, price string) *StoredItem {
	return &StoredItem{
		ItemName:  name,
		Quantity:  qty,
		UnitPrice: decimal.RequireFromString(price),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

// cancelAfter reports cancellation once Err has been called n times
type cancelAfter struct {
	context.Context
	n int
}

func (c *cancelAfter) Err() error {
	if c.n <= 0 {
		return context.Canceled
	}
	c.n--
	return nil
}

func day(s string) *time.Time {
	d, err := time.Parse("2006-01-02", s)
	Expect(err).NotTo(HaveOccurred())
	return &d
}

var _ = Describe("BoltDB", func() {
	var (
		ctx    context.Context
		tmpDir string
		dbPath string
		db     *BoltDB
	)

	BeforeEach(func() {
		ctx = context.Background()
		tmpDir = GinkgoT().TempDir()
		dbPath = filepath.Join(tmpDir, "test.db")
		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("GetOrCreateUser", func() {
		It("creates the user on first reference", func() {
			user, err := db.GetOrCreateUser(ctx, "bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(user.ID).To(BeNumerically(">", 0))
			Expect(user.Username).To(Equal("bob"))
			Expect(user.CreatedAt).NotTo(BeZero())
		})

		It("returns the same user on the second call", func() {
			first, err := db.GetOrCreateUser(ctx, "bob")
			Expect(err).NotTo(HaveOccurred())
			second, err := db.GetOrCreateUser(ctx, "bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(second.ID).To(Equal(first.ID))
		})

		It("gives different usernames different ids", func() {
			bob, err := db.GetOrCreateUser(ctx, "bob")
			Expect(err).NotTo(HaveOccurred())
			alice, err := db.GetOrCreateUser(ctx, "alice")
			Expect(err).NotTo(HaveOccurred())
			Expect(alice.ID).NotTo(Equal(bob.ID))
		})

		It("rejects an empty username", func() {
			_, err := db.GetOrCreateUser(ctx, "   ")
			Expect(err).To(HaveOccurred())
		})

		When("many callers race on a new username", func() {
			It("converges on one user", func() {
				var wg sync.WaitGroup
				ids := make([]int64, 10)
				for i := range ids {
					wg.Add(1)
					go func(i int) {
						defer GinkgoRecover()
						defer wg.Done()
						user, err := db.GetOrCreateUser(ctx, "racer")
						Expect(err).NotTo(HaveOccurred())
						ids[i] = user.ID
					}(i)
				}
				wg.Wait()
				for _, id := range ids {
					Expect(id).To(Equal(ids[0]))
				}
			})
		})
	})

	Describe("GetUser", func() {
		It("returns a stored user", func() {
			created, err := db.GetOrCreateUser(ctx, "bob")
			Expect(err).NotTo(HaveOccurred())
			user, err := db.GetUser(ctx, created.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(user.Username).To(Equal("bob"))
		})

		It("returns ErrUserNotFound for an unknown id", func() {
			_, err := db.GetUser(ctx, 42)
			Expect(errors.Is(err, ErrUserNotFound)).To(BeTrue())
		})
	})

	Describe("SaveItems", func() {
		var (
			user  *User
			items []*StoredItem
			err   error
		)

		BeforeEach(func() {
			user, err = db.GetOrCreateUser(ctx, "bob")
			Expect(err).NotTo(HaveOccurred())
			items = []*StoredItem{
				storedItem("Milk", 2, "1.50"),
				storedItem("Bread", 1, "2.00"),
			}
		})

		JustBeforeEach(func() {
			err = db.SaveItems(ctx, user.ID, items)
		})

		When("saving succeeds", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should assign ids", func() {
				Expect(items[0].ID).To(BeNumerically(">", 0))
				Expect(items[1].ID).To(BeNumerically(">", items[0].ID))
			})

			It("should persist the rows in insertion order", func() {
				stored, err := db.ListItems(ctx, user.ID, ItemFilter{})
				Expect(err).NotTo(HaveOccurred())
				Expect(stored).To(HaveLen(2))
				Expect(stored[0].ItemName).To(Equal("Milk"))
				Expect(stored[1].ItemName).To(Equal("Bread"))
				Expect(stored[0].UserID).To(Equal(user.ID))
			})
		})

		When("the total was stale", func() {
			BeforeEach(func() {
				items[0].TotalAmount = decimal.NewFromInt(999)
			})

			It("recomputes it from quantity and price", func() {
				stored, err := db.ListItems(ctx, user.ID, ItemFilter{})
				Expect(err).NotTo(HaveOccurred())
				Expect(stored[0].TotalAmount.Equal(decimal.RequireFromString("3.00"))).To(BeTrue())
			})
		})

		When("the user does not exist", func() {
			BeforeEach(func() {
				user = &User{ID: 999}
			})

			It("returns ErrUserNotFound", func() {
				Expect(errors.Is(err, ErrUserNotFound)).To(BeTrue())
			})
		})

		When("the batch is cancelled part way through", func() {
			BeforeEach(func() {
				ctx = &cancelAfter{Context: context.Background(), n: 2}
			})

			It("writes nothing", func() {
				Expect(errors.Is(err, context.Canceled)).To(BeTrue())
				stored, err := db.ListItems(context.Background(), user.ID, ItemFilter{})
				Expect(err).NotTo(HaveOccurred())
				Expect(stored).To(BeEmpty())
			})

			It("leaves the caller's items untouched", func() {
				Expect(items[0].ID).To(BeZero())
				Expect(items[0].UserID).To(BeZero())
				Expect(items[1].ID).To(BeZero())
			})
		})
	})

	Describe("single items", func() {
		var (
			alice, bob *User
			milk       *StoredItem
		)

		BeforeEach(func() {
			var err error
			alice, err = db.GetOrCreateUser(ctx, "alice")
			Expect(err).NotTo(HaveOccurred())
			bob, err = db.GetOrCreateUser(ctx, "bob")
			Expect(err).NotTo(HaveOccurred())
			milk = storedItem("Milk", 2, "1.50")
			Expect(db.SaveItems(ctx, alice.ID, []*StoredItem{milk})).To(Succeed())
			Expect(db.SaveItems(ctx, bob.ID, []*StoredItem{storedItem("Beer", 6, "1.25")})).To(Succeed())
		})

		Describe("GetItem", func() {
			It("returns the owner's item", func() {
				item, err := db.GetItem(ctx, alice.ID, milk.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(item.ItemName).To(Equal("Milk"))
				Expect(item.UserID).To(Equal(alice.ID))
			})

			It("returns ErrItemNotFound for another user's item", func() {
				_, err := db.GetItem(ctx, bob.ID, milk.ID)
				Expect(errors.Is(err, ErrItemNotFound)).To(BeTrue())
			})

			It("returns ErrItemNotFound for an unknown id", func() {
				_, err := db.GetItem(ctx, alice.ID, 12345)
				Expect(errors.Is(err, ErrItemNotFound)).To(BeTrue())
			})
		})

		Describe("UpdateItem", func() {
			It("recomputes the total and bumps updated_at", func() {
				fixed := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
				db.now = func() time.Time { return fixed }

				changed := *milk
				changed.Quantity = 4
				changed.TotalAmount = decimal.NewFromInt(1)
				Expect(db.UpdateItem(ctx, alice.ID, &changed)).To(Succeed())
				Expect(changed.TotalAmount.Equal(decimal.RequireFromString("6.00"))).To(BeTrue())

				stored, err := db.GetItem(ctx, alice.ID, milk.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(stored.Quantity).To(Equal(4))
				Expect(stored.TotalAmount.Equal(decimal.RequireFromString("6.00"))).To(BeTrue())
				Expect(stored.UpdatedAt.Equal(fixed)).To(BeTrue())
				Expect(stored.CreatedAt.Equal(milk.CreatedAt)).To(BeTrue())
			})

			It("refuses to update another user's item", func() {
				changed := *milk
				changed.Quantity = 99
				err := db.UpdateItem(ctx, bob.ID, &changed)
				Expect(errors.Is(err, ErrItemNotFound)).To(BeTrue())

				stored, err := db.GetItem(ctx, alice.ID, milk.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(stored.Quantity).To(Equal(2))
				bobs, err := db.ListItems(ctx, bob.ID, ItemFilter{})
				Expect(err).NotTo(HaveOccurred())
				Expect(bobs).To(HaveLen(1))
			})
		})

		Describe("DeleteItem", func() {
			It("removes the owner's item", func() {
				Expect(db.DeleteItem(ctx, alice.ID, milk.ID)).To(Succeed())
				_, err := db.GetItem(ctx, alice.ID, milk.ID)
				Expect(errors.Is(err, ErrItemNotFound)).To(BeTrue())
			})

			It("refuses to delete another user's item", func() {
				err := db.DeleteItem(ctx, bob.ID, milk.ID)
				Expect(errors.Is(err, ErrItemNotFound)).To(BeTrue())
				_, err = db.GetItem(ctx, alice.ID, milk.ID)
				Expect(err).NotTo(HaveOccurred())
			})
		})
	})

	Describe("ListItems", func() {
		var alice, bob *User

		BeforeEach(func() {
			var err error
			alice, err = db.GetOrCreateUser(ctx, "alice")
			Expect(err).NotTo(HaveOccurred())
			bob, err = db.GetOrCreateUser(ctx, "bob")
			Expect(err).NotTo(HaveOccurred())

			milk := storedItem("Whole Milk", 2, "1.50")
			milk.StoreName = "Corner Shop"
			milk.Category = "Dairy"
			milk.ReceiptID = "r-1"
			milk.PurchaseDate = day("2024-01-10")

			bread := storedItem("Bread", 1, "2.00")
			bread.StoreName = "Bakery"
			bread.Category = "Bakery"
			bread.ReceiptID = "r-2"
			bread.PurchaseDate = day("2024-02-01")

			Expect(db.SaveItems(ctx, alice.ID, []*StoredItem{milk, bread})).To(Succeed())
			Expect(db.SaveItems(ctx, bob.ID, []*StoredItem{storedItem("Beer", 6, "1.25")})).To(Succeed())
		})

		It("only returns the requested user's items", func() {
			items, err := db.ListItems(ctx, bob.ID, ItemFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(HaveLen(1))
			Expect(items[0].ItemName).To(Equal("Beer"))
		})

		It("returns an empty list for a user without items", func() {
			carol, err := db.GetOrCreateUser(ctx, "carol")
			Expect(err).NotTo(HaveOccurred())
			items, err := db.ListItems(ctx, carol.ID, ItemFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(items).NotTo(BeNil())
			Expect(items).To(BeEmpty())
		})

		DescribeTable("filters",
			func(filter ItemFilter, expected []string) {
				items, err := db.ListItems(ctx, alice.ID, filter)
				Expect(err).NotTo(HaveOccurred())
				names := make([]string, 0, len(items))
				for _, item := range items {
					names = append(names, item.ItemName)
				}
				Expect(names).To(Equal(expected))
			},
			Entry("item name substring", ItemFilter{ItemName: "milk"}, []string{"Whole Milk"}),
			Entry("store name", ItemFilter{StoreName: "bakery"}, []string{"Bread"}),
			Entry("category", ItemFilter{Category: "DAIRY"}, []string{"Whole Milk"}),
			Entry("receipt id", ItemFilter{ReceiptID: "r-2"}, []string{"Bread"}),
			Entry("from date", ItemFilter{From: day("2024-01-15")}, []string{"Bread"}),
			Entry("to date", ItemFilter{To: day("2024-01-10")}, []string{"Whole Milk"}),
		)

		It("survives a reopen", func() {
			Expect(db.Close()).To(Succeed())
			var err error
			db, err = NewBoltDB(dbPath)
			Expect(err).NotTo(HaveOccurred())
			items, err := db.ListItems(ctx, alice.ID, ItemFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(HaveLen(2))
		})
	})
})
