package ledger

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"

	"github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/receipt-ledger/internal/extraction"
	"github.com/zombor/receipt-ledger/internal/metrics"
	"github.com/zombor/receipt-ledger/internal/ocr"
	"github.com/zombor/receipt-ledger/internal/query"
	"github.com/zombor/receipt-ledger/internal/receipt"
)

var _ = ginkgo.Describe("Server", func() {
	var (
		db         *receipt.BoltDB
		generator  *fakeGenerator
		recognizer *mockRecognizer
		guard      *mockGuard
		opts       Options
		server     *Server
	)

	build := func() {
		m := metrics.New()
		gateway := receipt.NewGateway(db)
		executor := query.NewExecutor(db)
		router := query.NewRouter(
			query.NewClassifier(generator),
			query.NewFactualResolver(generator, executor),
			query.NewSubjectiveResolver(generator, db),
			gateway,
			m,
		)
		service := NewService(recognizer, extraction.NewEngine(generator, m), gateway, router, executor, m)
		opts.Metrics = m
		server = NewServerWithMux(service, opts, http.NewServeMux())
	}

	do := func(method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, body)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, req)
		return rec
	}

	doJSON := func(method, path string, payload any, headers map[string]string) *httptest.ResponseRecorder {
		data, err := json.Marshal(payload)
		Expect(err).NotTo(HaveOccurred())
		if headers == nil {
			headers = map[string]string{}
		}
		headers["Content-Type"] = "application/json"
		return do(method, path, bytes.NewReader(data), headers)
	}

	upload := func(filename string, content []byte) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		part, err := w.CreateFormFile("file", filename)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(content)
		Expect(err).NotTo(HaveOccurred())
		Expect(w.Close()).To(Succeed())
		return do("POST", "/api/receipts", &buf, map[string]string{"Content-Type": w.FormDataContentType()})
	}

	decode := func(rec *httptest.ResponseRecorder, v any) {
		Expect(json.Unmarshal(rec.Body.Bytes(), v)).To(Succeed())
	}

	ginkgo.BeforeEach(func() {
		var err error
		db, err = receipt.NewBoltDB(filepath.Join(ginkgo.GinkgoT().TempDir(), "ledger.db"))
		Expect(err).NotTo(HaveOccurred())
		generator = &fakeGenerator{}
		recognizer = &mockRecognizer{}
		guard = newMockGuard()
		opts = Options{Guard: guard, Version: "0.1.0"}
	})

	ginkgo.JustBeforeEach(func() {
		build()
	})

	ginkgo.AfterEach(func() {
		db.Close()
	})

	ginkgo.Describe("GET /health", func() {
		ginkgo.It("should return status ok", func() {
			rec := do("GET", "/health", nil, nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			var body map[string]string
			decode(rec, &body)
			Expect(body).To(HaveKeyWithValue("status", "ok"))
			Expect(body).To(HaveKeyWithValue("version", "0.1.0"))
		})

		ginkgo.It("should set CORS headers", func() {
			rec := do("GET", "/health", nil, nil)
			Expect(rec.Header().Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})

	ginkgo.Describe("OPTIONS preflight", func() {
		ginkgo.It("should return no content", func() {
			rec := do("OPTIONS", "/api/items", nil, nil)
			Expect(rec.Code).To(Equal(http.StatusNoContent))
			Expect(rec.Header().Get("Access-Control-Allow-Headers")).To(ContainSubstring("Idempotency-Key"))
		})
	})

	ginkgo.Describe("POST /api/receipts", func() {
		ginkgo.When("the image is recognized", func() {
			ginkgo.BeforeEach(func() {
				recognizer.text = "Milk 2 x 1.50"
				generator.extraction = `{"items":[{"item_name":"Milk","quantity":2,"price":1.50}]}`
			})

			ginkgo.It("returns the text and extracted items", func() {
				rec := upload("receipt.jpg", []byte("jpeg"))
				Expect(rec.Code).To(Equal(http.StatusOK))
				var body processResponse
				decode(rec, &body)
				Expect(body.OCRText).To(Equal("Milk 2 x 1.50"))
				Expect(body.Recognized).To(BeTrue())
				Expect(body.Tier).To(Equal("structured_ok"))
				Expect(body.Items).To(HaveLen(1))
				Expect(body.Items[0].ItemName).To(Equal("Milk"))
			})

			ginkgo.It("does not save anything", func() {
				upload("receipt.jpg", []byte("jpeg"))
				user, err := db.GetOrCreateUser(ctx(), "anyone")
				Expect(err).NotTo(HaveOccurred())
				items, err := db.ListItems(ctx(), user.ID, receipt.ItemFilter{})
				Expect(err).NotTo(HaveOccurred())
				Expect(items).To(BeEmpty())
			})
		})

		ginkgo.When("recognition fails", func() {
			ginkgo.BeforeEach(func() {
				recognizer.err = &ocr.RecognitionFailure{Reason: "no_text_found"}
			})

			ginkgo.It("explains the failure and skips the model", func() {
				rec := upload("receipt.jpg", []byte("jpeg"))
				Expect(rec.Code).To(Equal(http.StatusOK))
				var body processResponse
				decode(rec, &body)
				Expect(body.Recognized).To(BeFalse())
				Expect(body.OCRText).To(Equal("OCR failed with error: no_text_found"))
				Expect(body.Items).To(BeEmpty())
				Expect(body.Error).To(ContainSubstring("no_text_found"))
				Expect(generator.callCount()).To(Equal(0))
			})
		})

		ginkgo.When("no file is sent", func() {
			ginkgo.It("returns bad request", func() {
				var buf bytes.Buffer
				w := multipart.NewWriter(&buf)
				Expect(w.WriteField("note", "nothing")).To(Succeed())
				Expect(w.Close()).To(Succeed())
				rec := do("POST", "/api/receipts", &buf, map[string]string{"Content-Type": w.FormDataContentType()})
				Expect(rec.Code).To(Equal(http.StatusBadRequest))
			})
		})
	})

	ginkgo.Describe("POST /api/items", func() {
		var payload map[string]any

		ginkgo.BeforeEach(func() {
			payload = map[string]any{
				"username":      "bob",
				"store_name":    "Corner Shop",
				"purchase_date": "2024-01-14",
				"items": []map[string]any{
					{"item_name": "Milk", "quantity": 2, "price": 1.5},
					{"item_name": "Bread", "quantity": 1, "price": "2.00"},
				},
			}
		})

		ginkgo.It("stores the batch and reports the count", func() {
			rec := doJSON("POST", "/api/items", payload, nil)
			Expect(rec.Code).To(Equal(http.StatusCreated))
			var body receipt.SaveResult
			decode(rec, &body)
			Expect(body.Count).To(Equal(2))
			Expect(body.Message).To(Equal("Successfully stored 2 items in the database!"))
			Expect(body.ReceiptID).NotTo(BeEmpty())
		})

		ginkgo.It("rejects a missing identity", func() {
			delete(payload, "username")
			rec := doJSON("POST", "/api/items", payload, nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(rec.Body.String()).To(ContainSubstring("identity error"))
		})

		ginkgo.It("rejects an invalid item", func() {
			payload["items"] = []map[string]any{{"item_name": "Milk", "quantity": 0, "price": 1}}
			rec := doJSON("POST", "/api/items", payload, nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(rec.Body.String()).To(ContainSubstring("quantity"))
		})

		ginkgo.It("rejects a malformed body", func() {
			rec := do("POST", "/api/items", bytes.NewBufferString("{"), nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		ginkgo.When("an idempotency key is repeated", func() {
			ginkgo.It("stores the batch once", func() {
				headers := func() map[string]string { return map[string]string{"Idempotency-Key": "abc"} }
				Expect(doJSON("POST", "/api/items", payload, headers()).Code).To(Equal(http.StatusCreated))
				Expect(doJSON("POST", "/api/items", payload, headers()).Code).To(Equal(http.StatusConflict))

				user, err := db.GetOrCreateUser(ctx(), "bob")
				Expect(err).NotTo(HaveOccurred())
				items, err := db.ListItems(ctx(), user.ID, receipt.ItemFilter{})
				Expect(err).NotTo(HaveOccurred())
				Expect(items).To(HaveLen(2))
			})

			ginkgo.It("releases the key when the save fails", func() {
				delete(payload, "username")
				rec := doJSON("POST", "/api/items", payload, map[string]string{"Idempotency-Key": "retry-me"})
				Expect(rec.Code).To(Equal(http.StatusBadRequest))
				Expect(guard.released).To(ContainElement("retry-me"))
			})
		})

		ginkgo.When("the guard is unavailable", func() {
			ginkgo.BeforeEach(func() {
				guard.err = errors.New("redis down")
			})

			ginkgo.It("returns an internal error", func() {
				rec := doJSON("POST", "/api/items", payload, map[string]string{"Idempotency-Key": "k"})
				Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			})
		})
	})

	ginkgo.Describe("reads", func() {
		ginkgo.JustBeforeEach(func() {
			rec := doJSON("POST", "/api/items", map[string]any{
				"username":   "alice",
				"store_name": "Corner Shop",
				"category":   "Groceries",
				"items": []map[string]any{
					{"item_name": "Milk", "quantity": 2, "price": 1.5},
					{"item_name": "Bread", "quantity": 1, "price": 2},
				},
			}, nil)
			Expect(rec.Code).To(Equal(http.StatusCreated))
		})

		ginkgo.It("lists the user's items", func() {
			rec := do("GET", "/api/items?username=alice", nil, nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			var items []receipt.StoredItem
			decode(rec, &items)
			Expect(items).To(HaveLen(2))
			Expect(items[0].TotalAmount.StringFixed(2)).To(Equal("3.00"))
		})

		ginkgo.It("filters the list", func() {
			rec := do("GET", "/api/items?username=alice&item_name=bread", nil, nil)
			var items []receipt.StoredItem
			decode(rec, &items)
			Expect(items).To(HaveLen(1))
		})

		ginkgo.It("rejects an unparseable date bound", func() {
			rec := do("GET", "/api/items?username=alice&from=last-week", nil, nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(rec.Body.String()).To(ContainSubstring("from"))

			rec = do("GET", "/api/items?username=alice&to=soon", nil, nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		ginkgo.It("accepts a valid date bound", func() {
			rec := do("GET", "/api/items?username=alice&from=2024-01-01", nil, nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
		})

		ginkgo.It("requires an identity", func() {
			Expect(do("GET", "/api/items", nil, nil).Code).To(Equal(http.StatusBadRequest))
			Expect(do("GET", "/api/items?user_id=abc", nil, nil).Code).To(Equal(http.StatusBadRequest))
		})

		ginkgo.It("returns statistics", func() {
			rec := do("GET", "/api/items/statistics?username=alice", nil, nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			var stats query.Statistics
			decode(rec, &stats)
			Expect(stats.TotalItems).To(Equal(2))
			Expect(stats.TotalSpent.StringFixed(2)).To(Equal("5.00"))
			Expect(stats.TotalReceipts).To(Equal(1))
		})

		ginkgo.It("returns spending by category", func() {
			rec := do("GET", "/api/items/by-category?username=alice", nil, nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			var rows []map[string]any
			decode(rec, &rows)
			Expect(rows).To(HaveLen(1))
			Expect(rows[0]).To(HaveKeyWithValue("category", "Groceries"))
			Expect(rows[0]).To(HaveKeyWithValue("total", "5.00"))
			Expect(rows[0]).To(HaveKeyWithValue("count", BeNumerically("==", 2)))
		})

		ginkgo.It("returns spending by store", func() {
			rec := do("GET", "/api/items/by-store?username=alice", nil, nil)
			var rows []map[string]any
			decode(rec, &rows)
			Expect(rows[0]).To(HaveKeyWithValue("store_name", "Corner Shop"))
		})
	})

	ginkgo.Describe("/api/items/{id}", func() {
		var milkID int64

		itemPath := func(id int64, username string) string {
			return fmt.Sprintf("/api/items/%d?username=%s", id, username)
		}

		ginkgo.JustBeforeEach(func() {
			rec := doJSON("POST", "/api/items", map[string]any{
				"username": "alice",
				"items":    []map[string]any{{"item_name": "Milk", "quantity": 2, "price": 1.5}},
			}, nil)
			Expect(rec.Code).To(Equal(http.StatusCreated))
			rec = doJSON("POST", "/api/items", map[string]any{
				"username": "bob",
				"items":    []map[string]any{{"item_name": "Beer", "quantity": 6, "price": 1.25}},
			}, nil)
			Expect(rec.Code).To(Equal(http.StatusCreated))

			var items []receipt.StoredItem
			decode(do("GET", "/api/items?username=alice", nil, nil), &items)
			Expect(items).To(HaveLen(1))
			milkID = items[0].ID
		})

		ginkgo.It("returns the owner's item", func() {
			rec := do("GET", itemPath(milkID, "alice"), nil, nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			var item receipt.StoredItem
			decode(rec, &item)
			Expect(item.ItemName).To(Equal("Milk"))
		})

		ginkgo.It("hides the item from another user", func() {
			Expect(do("GET", itemPath(milkID, "bob"), nil, nil).Code).To(Equal(http.StatusNotFound))
		})

		ginkgo.It("rejects a non-numeric id", func() {
			Expect(do("GET", "/api/items/abc?username=alice", nil, nil).Code).To(Equal(http.StatusBadRequest))
		})

		ginkgo.It("recomputes the total on update", func() {
			rec := doJSON("PATCH", itemPath(milkID, "alice"), map[string]any{"quantity": 3, "price": "2.00"}, nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			var item receipt.StoredItem
			decode(rec, &item)
			Expect(item.Quantity).To(Equal(3))
			Expect(item.TotalAmount.StringFixed(2)).To(Equal("6.00"))

			decode(do("GET", itemPath(milkID, "alice"), nil, nil), &item)
			Expect(item.TotalAmount.StringFixed(2)).To(Equal("6.00"))
		})

		ginkgo.It("rejects an invalid update", func() {
			rec := doJSON("PATCH", itemPath(milkID, "alice"), map[string]any{"quantity": -1}, nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		ginkgo.It("does not let another user update the item", func() {
			rec := doJSON("PATCH", itemPath(milkID, "bob"), map[string]any{"quantity": 50}, nil)
			Expect(rec.Code).To(Equal(http.StatusNotFound))

			var item receipt.StoredItem
			decode(do("GET", itemPath(milkID, "alice"), nil, nil), &item)
			Expect(item.Quantity).To(Equal(2))
		})

		ginkgo.It("does not let another user delete the item", func() {
			Expect(do("DELETE", itemPath(milkID, "bob"), nil, nil).Code).To(Equal(http.StatusNotFound))
			Expect(do("GET", itemPath(milkID, "alice"), nil, nil).Code).To(Equal(http.StatusOK))
		})

		ginkgo.It("deletes the owner's item", func() {
			Expect(do("DELETE", itemPath(milkID, "alice"), nil, nil).Code).To(Equal(http.StatusNoContent))
			Expect(do("GET", itemPath(milkID, "alice"), nil, nil).Code).To(Equal(http.StatusNotFound))
		})
	})

	ginkgo.Describe("request body limits", func() {
		oversized := func() io.Reader {
			return bytes.NewBufferString(`{"query":"` + strings.Repeat("a", int(maxBodySize)+1) + `"}`)
		}

		ginkgo.It("rejects an oversized question", func() {
			rec := do("POST", "/api/query", oversized(), map[string]string{"Content-Type": "application/json"})
			Expect(rec.Code).To(Equal(http.StatusRequestEntityTooLarge))
			Expect(generator.callCount()).To(Equal(0))
		})

		ginkgo.It("rejects an oversized save", func() {
			rec := do("POST", "/api/items", oversized(), map[string]string{"Content-Type": "application/json"})
			Expect(rec.Code).To(Equal(http.StatusRequestEntityTooLarge))
		})
	})

	ginkgo.Describe("POST /api/query", func() {
		ginkgo.JustBeforeEach(func() {
			rec := doJSON("POST", "/api/items", map[string]any{
				"username": "alice",
				"items":    []map[string]any{{"item_name": "Milk", "quantity": 2, "price": 1.5}},
			}, nil)
			Expect(rec.Code).To(Equal(http.StatusCreated))
		})

		ginkgo.When("the question is factual", func() {
			ginkgo.BeforeEach(func() {
				generator.classification = "Factual"
				generator.plan = `{"operation":"sum","field":"total_amount","filters":{}}`
			})

			ginkgo.It("answers with the classification", func() {
				rec := doJSON("POST", "/api/query", map[string]any{"query": "How much did I spend?", "username": "alice"}, nil)
				Expect(rec.Code).To(Equal(http.StatusOK))
				var body queryResponse
				decode(rec, &body)
				Expect(body.Query).To(Equal("How much did I spend?"))
				Expect(body.Classification).To(Equal("Factual"))
				Expect(body.Response).To(ContainSubstring("3.00"))
			})
		})

		ginkgo.When("resolution fails", func() {
			ginkgo.BeforeEach(func() {
				generator.classification = "Factual"
				generator.plan = "no idea"
			})

			ginkgo.It("still answers with the hint", func() {
				rec := doJSON("POST", "/api/query", map[string]any{"query": "How much?", "username": "alice"}, nil)
				Expect(rec.Code).To(Equal(http.StatusOK))
				var body queryResponse
				decode(rec, &body)
				Expect(body.Response).To(HavePrefix("**Query Error:**"))
			})
		})

		ginkgo.It("rejects a blank question", func() {
			rec := doJSON("POST", "/api/query", map[string]any{"query": " ", "username": "alice"}, nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		ginkgo.It("rejects a missing identity", func() {
			rec := doJSON("POST", "/api/query", map[string]any{"query": "How much?"}, nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	ginkgo.Describe("GET /metrics", func() {
		ginkgo.It("exposes request durations by route", func() {
			do("GET", "/health", nil, nil)
			rec := do("GET", "/metrics", nil, nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`route="GET /health"`))
		})

		ginkgo.When("recognition fails with a service message", func() {
			ginkgo.BeforeEach(func() {
				recognizer.err = &ocr.RecognitionFailure{Reason: "E301: Image could not be parsed"}
			})

			ginkgo.It("counts the failure under a fixed category", func() {
				upload("receipt.jpg", []byte("jpeg"))
				body := do("GET", "/metrics", nil, nil).Body.String()
				Expect(body).To(ContainSubstring(`ocr_requests_total{result="ocr_error"} 1`))
				Expect(body).NotTo(ContainSubstring("E301"))
			})
		})
	})

	ginkgo.Describe("basic auth", func() {
		ginkgo.BeforeEach(func() {
			opts.BasicAuth = BasicAuth{Username: "admin", Password: "secret"}
		})

		ginkgo.It("rejects requests without credentials", func() {
			rec := do("GET", "/api/items?username=alice", nil, nil)
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
			Expect(rec.Header().Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
		})

		ginkgo.It("rejects wrong credentials", func() {
			auth := base64.StdEncoding.EncodeToString([]byte("admin:wrong"))
			rec := do("GET", "/api/items?username=alice", nil, map[string]string{"Authorization": "Basic " + auth})
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))
		})

		ginkgo.It("accepts valid credentials", func() {
			auth := base64.StdEncoding.EncodeToString([]byte("admin:secret"))
			rec := do("GET", "/api/items?username=alice", nil, map[string]string{"Authorization": "Basic " + auth})
			Expect(rec.Code).To(Equal(http.StatusOK))
		})

		ginkgo.It("leaves health open", func() {
			Expect(do("GET", "/health", nil, nil).Code).To(Equal(http.StatusOK))
		})
	})

	ginkgo.Describe("unknown routes", func() {
		ginkgo.It("returns method not allowed for a wrong method", func() {
			Expect(do("DELETE", "/api/items", nil, nil).Code).To(Equal(http.StatusMethodNotAllowed))
		})
	})
})
