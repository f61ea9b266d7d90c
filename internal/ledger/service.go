// Package ledger wires recognition, extraction, storage and question
// answering into one service and serves it over HTTP.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zombor/receipt-ledger/internal/extraction"
	"github.com/zombor/receipt-ledger/internal/ocr"
	"github.com/zombor/receipt-ledger/internal/query"
	"github.com/zombor/receipt-ledger/internal/receipt"
)

// Extractor turns raw receipt text into a batch
type Extractor interface {
	ExtractWithOutcome(ctx context.Context, rawText string) (receipt.Batch, extraction.Outcome)
}

// Answerer routes questions
type Answerer interface {
	Answer(ctx context.Context, question string, identity receipt.Identity) query.Answer
}

// Reporter computes per-user summaries
type Reporter interface {
	Statistics(ctx context.Context, userID int64) (*query.Statistics, error)
	Breakdown(ctx context.Context, userID int64, dimension string) ([]query.Group, error)
}

// OCRRecorder observes recognition results
type OCRRecorder interface {
	RecordOCR(result string)
}

// ProcessResult is the outcome of reading one receipt image. Batch is empty
// and Failure set when recognition failed.
type ProcessResult struct {
	RawText string
	Batch   receipt.Batch
	Outcome extraction.Outcome
	Failure *ocr.RecognitionFailure
}

// Service is the core façade used by the HTTP layer
type Service struct {
	recognizer ocr.Recognizer
	extractor  Extractor
	gateway    *receipt.Gateway
	router     Answerer
	reports    Reporter
	recorder   OCRRecorder
}

// NewService creates a Service. recorder may be nil.
func NewService(recognizer ocr.Recognizer, extractor Extractor, gateway *receipt.Gateway, router Answerer, reports Reporter, recorder OCRRecorder) *Service {
	return &Service{
		recognizer: recognizer,
		extractor:  extractor,
		gateway:    gateway,
		router:     router,
		reports:    reports,
		recorder:   recorder,
	}
}

// ProcessReceipt recognizes the image and extracts items. A recognition
// failure skips the model call and returns explanatory text.
func (s *Service) ProcessReceipt(ctx context.Context, image []byte, filename string) ProcessResult {
	text, err := s.recognizer.Recognize(ctx, image, filename)
	if err != nil {
		var failure *ocr.RecognitionFailure
		if !errors.As(err, &failure) {
			failure = &ocr.RecognitionFailure{Reason: err.Error()}
		}
		slog.Warn("Text recognition failed", "filename", filename, "reason", failure.Reason)
		s.recordOCR(failure.Category())
		return ProcessResult{
			RawText: fmt.Sprintf("OCR failed with error: %s", failure.Reason),
			Batch:   receipt.EmptyBatch(),
			Outcome: extraction.Outcome{Tier: extraction.Unrecoverable},
			Failure: failure,
		}
	}
	s.recordOCR("ok")

	batch, outcome := s.extractor.ExtractWithOutcome(ctx, text)
	slog.Info("Processed receipt", "filename", filename, "tier", outcome.Tier.String(), "items", len(batch.Items))
	return ProcessResult{RawText: text, Batch: batch, Outcome: outcome}
}

func (s *Service) recordOCR(result string) {
	if s.recorder != nil {
		s.recorder.RecordOCR(result)
	}
}

// SaveItems stores a batch for the identified user
func (s *Service) SaveItems(ctx context.Context, items []receipt.LineItem, identity receipt.Identity, meta receipt.Metadata) (*receipt.SaveResult, error) {
	return s.gateway.Save(ctx, items, identity, meta)
}

// AnswerQuery answers a question about the identified user's purchases
func (s *Service) AnswerQuery(ctx context.Context, question string, identity receipt.Identity) query.Answer {
	return s.router.Answer(ctx, question, identity)
}

// ListItems returns the identified user's items
func (s *Service) ListItems(ctx context.Context, identity receipt.Identity, filter receipt.ItemFilter) ([]*receipt.StoredItem, error) {
	return s.gateway.Items(ctx, identity, filter)
}

// GetItem returns one of the identified user's items
func (s *Service) GetItem(ctx context.Context, identity receipt.Identity, itemID int64) (*receipt.StoredItem, error) {
	return s.gateway.Item(ctx, identity, itemID)
}

// UpdateItem applies a partial update to one of the identified user's items
func (s *Service) UpdateItem(ctx context.Context, identity receipt.Identity, itemID int64, patch receipt.ItemPatch) (*receipt.StoredItem, error) {
	return s.gateway.UpdateItem(ctx, identity, itemID, patch)
}

// DeleteItem removes one of the identified user's items
func (s *Service) DeleteItem(ctx context.Context, identity receipt.Identity, itemID int64) error {
	return s.gateway.DeleteItem(ctx, identity, itemID)
}

// Statistics summarises the identified user's purchases
func (s *Service) Statistics(ctx context.Context, identity receipt.Identity) (*query.Statistics, error) {
	user, err := s.gateway.ResolveUser(ctx, identity)
	if err != nil {
		return nil, err
	}
	return s.reports.Statistics(ctx, user.ID)
}

// Breakdown totals the identified user's spending by category or store_name
func (s *Service) Breakdown(ctx context.Context, identity receipt.Identity, dimension string) ([]query.Group, error) {
	user, err := s.gateway.ResolveUser(ctx, identity)
	if err != nil {
		return nil, err
	}
	return s.reports.Breakdown(ctx, user.ID, dimension)
}
