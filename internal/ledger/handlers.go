package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ledger/internal/query"
	"github.com/zombor/receipt-ledger/internal/receipt"
)

const (
	// maxUploadSize caps receipt uploads (high-resolution phone photos)
	maxUploadSize = int64(50 << 20)

	// maxBodySize caps JSON request bodies
	maxBodySize = int64(1 << 20)
)

// writeJSON encodes v with the given status
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes a JSON {"error": message} body
func writeError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// decodeBody reads a capped JSON body into v. On failure it has already
// written the error response.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "Request body is too large", http.StatusRequestEntityTooLarge)
			return false
		}
		slog.Error("Error decoding request body", "path", r.URL.Path, "error", err)
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// dateParam parses an optional date query parameter
func dateParam(q url.Values, name string) (*time.Time, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return nil, nil
	}
	d := receipt.ParsePurchaseDate(raw)
	if d == nil {
		return nil, &receipt.ValidationError{Field: name, Reason: fmt.Sprintf("unrecognised date %q", raw)}
	}
	return d, nil
}

// itemIDFromPath reads the {id} path segment
func itemIDFromPath(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &receipt.ValidationError{Field: "id", Reason: "must be a positive integer"}
	}
	return id, nil
}

// identityFromQuery reads username or user_id from the query string
func identityFromQuery(r *http.Request) (receipt.Identity, error) {
	identity := receipt.Identity{Username: strings.TrimSpace(r.URL.Query().Get("username"))}
	if raw := strings.TrimSpace(r.URL.Query().Get("user_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return receipt.Identity{}, &receipt.IdentityError{Reason: "user_id must be an integer"}
		}
		identity.UserID = id
	}
	return identity, nil
}

// writeDomainError maps typed errors to status codes
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		ierr *receipt.IdentityError
		verr *receipt.ValidationError
		perr *receipt.PersistenceError
	)
	switch {
	case errors.Is(err, receipt.ErrItemNotFound):
		writeError(w, "Item not found", http.StatusNotFound)
	case errors.As(err, &ierr), errors.As(err, &verr):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &perr):
		writeError(w, perr.Error(), http.StatusInternalServerError)
	default:
		slog.Error("Request failed", "error", err)
		writeError(w, "Internal server error", http.StatusInternalServerError)
	}
}

// handleHealth reports liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok"}
	if s.version != "" {
		body["version"] = s.version
	}
	writeJSON(w, http.StatusOK, body)
}

// processResponse is the body of POST /api/receipts
type processResponse struct {
	OCRText      string             `json:"ocr_text"`
	Items        []receipt.LineItem `json:"items"`
	StoreName    string             `json:"store_name,omitempty"`
	PurchaseDate string             `json:"purchase_date,omitempty"`
	Recognized   bool               `json:"recognized"`
	Tier         string             `json:"tier"`
	Error        string             `json:"error,omitempty"`
}

// handleProcessReceipt reads an uploaded image and returns the extracted items
// without saving them
func (s *Server) handleProcessReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorMsg = "File is too large. Maximum size is 50MB. Please compress or resize your image."
		}
		writeError(w, errorMsg, http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		writeError(w, "No file was selected. Please choose a file to upload.", http.StatusBadRequest)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	result := s.service.ProcessReceipt(r.Context(), data, header.Filename)

	resp := processResponse{
		OCRText:      result.RawText,
		Items:        result.Batch.Items,
		StoreName:    result.Batch.StoreName,
		PurchaseDate: result.Batch.PurchaseDate,
		Recognized:   result.Failure == nil,
		Tier:         result.Outcome.Tier.String(),
	}
	if resp.Items == nil {
		resp.Items = []receipt.LineItem{}
	}
	if result.Failure != nil {
		resp.Error = result.Failure.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// saveItemsRequest is the body of POST /api/items
type saveItemsRequest struct {
	Items        []receipt.LineItem `json:"items"`
	UserID       int64              `json:"user_id,omitempty"`
	Username     string             `json:"username,omitempty"`
	ReceiptID    string             `json:"receipt_id,omitempty"`
	StoreName    string             `json:"store_name,omitempty"`
	PurchaseDate string             `json:"purchase_date,omitempty"`
	Category     string             `json:"category,omitempty"`
}

// handleSaveItems stores a reviewed batch
func (s *Server) handleSaveItems(w http.ResponseWriter, r *http.Request) {
	var req saveItemsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" && s.guard != nil {
		claimed, err := s.guard.Claim(r.Context(), key)
		if err != nil {
			slog.Error("Idempotency check failed", "error", err)
			writeError(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		if !claimed {
			writeError(w, "This request was already processed", http.StatusConflict)
			return
		}
	}

	identity := receipt.Identity{UserID: req.UserID, Username: req.Username}
	meta := receipt.Metadata{
		ReceiptID:    req.ReceiptID,
		StoreName:    req.StoreName,
		PurchaseDate: req.PurchaseDate,
		Category:     req.Category,
	}

	result, err := s.service.SaveItems(r.Context(), req.Items, identity, meta)
	if err != nil {
		if key != "" && s.guard != nil {
			if rerr := s.guard.Release(r.Context(), key); rerr != nil {
				slog.Warn("Could not release idempotency key", "error", rerr)
			}
		}
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// handleListItems returns the user's items, optionally filtered
func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	identity, err := identityFromQuery(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	q := r.URL.Query()
	from, err := dateParam(q, "from")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	to, err := dateParam(q, "to")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	filter := receipt.ItemFilter{
		ItemName:  q.Get("item_name"),
		StoreName: q.Get("store_name"),
		Category:  q.Get("category"),
		ReceiptID: q.Get("receipt_id"),
		From:      from,
		To:        to,
	}

	items, err := s.service.ListItems(r.Context(), identity, filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// handleGetItem returns one of the user's items
func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, err := itemIDFromPath(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	identity, err := identityFromQuery(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	item, err := s.service.GetItem(r.Context(), identity, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// updateItemRequest is the body of PATCH /api/items/{id}. Omitted fields are
// left unchanged.
type updateItemRequest struct {
	ItemName     *string          `json:"item_name"`
	Quantity     *int             `json:"quantity"`
	Price        *decimal.Decimal `json:"price"`
	Category     *string          `json:"category"`
	StoreName    *string          `json:"store_name"`
	PurchaseDate *string          `json:"purchase_date"`
}

// handleUpdateItem applies a partial update to one of the user's items
func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	id, err := itemIDFromPath(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	identity, err := identityFromQuery(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req updateItemRequest
	if !decodeBody(w, r, &req) {
		return
	}

	item, err := s.service.UpdateItem(r.Context(), identity, id, receipt.ItemPatch{
		ItemName:     req.ItemName,
		Quantity:     req.Quantity,
		UnitPrice:    req.Price,
		Category:     req.Category,
		StoreName:    req.StoreName,
		PurchaseDate: req.PurchaseDate,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleDeleteItem removes one of the user's items
func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id, err := itemIDFromPath(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	identity, err := identityFromQuery(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := s.service.DeleteItem(r.Context(), identity, id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStatistics returns the user's summary numbers
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	identity, err := identityFromQuery(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	stats, err := s.service.Statistics(r.Context(), identity)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleBreakdown returns spending per category or store, keyed by the
// dimension name with null for items that have none
func (s *Server) handleBreakdown(dimension string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := identityFromQuery(r)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		groups, err := s.service.Breakdown(r.Context(), identity, dimension)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		rows := make([]map[string]any, 0, len(groups))
		for _, g := range groups {
			var key any = g.Key
			if g.Key == "" {
				key = nil
			}
			rows = append(rows, map[string]any{
				dimension: key,
				"count":   g.Count,
				"total":   g.Value.StringFixed(2),
			})
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

// queryRequest is the body of POST /api/query
type queryRequest struct {
	Query    string `json:"query"`
	UserID   int64  `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
}

// queryResponse is the body returned by POST /api/query
type queryResponse struct {
	Query          string `json:"query"`
	Response       string `json:"response"`
	Classification string `json:"classification,omitempty"`
}

// handleQuery answers a question. Routing failures are part of the answer
// text, so the status is 200 unless the request itself is unusable.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeBody(w, r, &req) {
		return
	}

	answer := s.service.AnswerQuery(r.Context(), req.Query, receipt.Identity{UserID: req.UserID, Username: req.Username})

	var ierr *receipt.IdentityError
	if errors.Is(answer.Err, query.ErrEmptyQuery) || errors.As(answer.Err, &ierr) {
		writeError(w, answer.Text, http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		Query:          strings.TrimSpace(req.Query),
		Response:       answer.Text,
		Classification: string(answer.Class),
	})
}
