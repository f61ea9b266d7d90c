// Package extraction turns raw receipt text into line items through a
// generative model, recovering structure from imperfect output in tiers.
package extraction

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/zombor/receipt-ledger/internal/llm"
	"github.com/zombor/receipt-ledger/internal/receipt"
)

var (
	objectSpan = regexp.MustCompile(`(?s)\{.*\}`)
	arraySpan  = regexp.MustCompile(`(?s)\[.*\]`)
)

// Recorder observes extraction outcomes
type Recorder interface {
	RecordExtraction(tier string, items int)
}

// Engine runs one generative call per receipt and parses the reply
type Engine struct {
	generator llm.Generator
	recorder  Recorder
}

// NewEngine creates an Engine. recorder may be nil.
func NewEngine(generator llm.Generator, recorder Recorder) *Engine {
	return &Engine{generator: generator, recorder: recorder}
}

// Extract returns the items found in the receipt text. It never fails: any
// problem yields an empty batch.
func (e *Engine) Extract(ctx context.Context, rawText string) receipt.Batch {
	batch, _ := e.ExtractWithOutcome(ctx, rawText)
	return batch
}

// ExtractWithOutcome is Extract plus the tier that produced the batch
func (e *Engine) ExtractWithOutcome(ctx context.Context, rawText string) (receipt.Batch, Outcome) {
	output, err := e.generator.Generate(ctx, BuildPrompt(rawText))
	if err != nil {
		slog.Error("Extraction model call failed", "error", err)
		outcome := Outcome{Tier: Unrecoverable, Attempted: []Tier{Unrecoverable}}
		e.record(outcome, 0)
		return receipt.EmptyBatch(), outcome
	}

	batch, outcome := Parse(output)
	if !outcome.Recovered() {
		slog.Warn("Could not recover items from model output", "output", compact(output))
	} else {
		slog.Debug("Extracted items", "tier", outcome.Tier.String(), "count", len(batch.Items))
	}
	e.record(outcome, len(batch.Items))
	return batch, outcome
}

func (e *Engine) record(outcome Outcome, items int) {
	if e.recorder != nil {
		e.recorder.RecordExtraction(outcome.Tier.String(), items)
	}
}

// Parse runs the tiers over model output in order and stops at the first
// that yields a valid batch
func Parse(output string) (receipt.Batch, Outcome) {
	var outcome Outcome
	attempt := func(t Tier) { outcome.Attempted = append(outcome.Attempted, t) }

	// StructuredOk
	attempt(StructuredOk)
	if batch, ok := parseStructured(output); ok {
		outcome.Tier = StructuredOk
		return batch, outcome
	}

	// ObjectSpanFound
	if span := objectSpan.FindString(output); span != "" {
		attempt(ObjectSpanFound)
		if batch, ok := parseObjectSpan(span); ok {
			outcome.Tier = ObjectSpanFound
			return batch, outcome
		}
	}

	// ArraySpanFound
	if span := arraySpan.FindString(output); span != "" {
		attempt(ArraySpanFound)
		if batch, ok := parseArraySpan(span); ok {
			outcome.Tier = ArraySpanFound
			return batch, outcome
		}
	}

	attempt(Unrecoverable)
	outcome.Tier = Unrecoverable
	return receipt.EmptyBatch(), outcome
}

func parseStructured(output string) (receipt.Batch, bool) {
	v, err := decodeJSON(llm.StripCodeFences(output))
	if err != nil {
		return receipt.Batch{}, false
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return receipt.Batch{}, false
	}
	batch, err := batchFromObject(obj)
	if err != nil {
		slog.Debug("Structured tier rejected output", "error", err)
		return receipt.Batch{}, false
	}
	return batch, true
}

// parseObjectSpan uses the items key when present; otherwise the object
// itself stands in for the item list, which never validates as one
func parseObjectSpan(span string) (receipt.Batch, bool) {
	v, err := decodeJSON(span)
	if err != nil {
		return receipt.Batch{}, false
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return receipt.Batch{}, false
	}
	if _, hasItems := obj["items"]; hasItems {
		batch, err := batchFromObject(obj)
		if err != nil {
			slog.Debug("Object span tier rejected items", "error", err)
			return receipt.Batch{}, false
		}
		return batch, true
	}
	items, err := itemsFromValue(obj)
	if err != nil {
		return receipt.Batch{}, false
	}
	return receipt.Batch{Items: items}, true
}

func parseArraySpan(span string) (receipt.Batch, bool) {
	v, err := decodeJSON(strings.TrimSpace(span))
	if err != nil {
		return receipt.Batch{}, false
	}
	items, err := itemsFromValue(v)
	if err != nil {
		slog.Debug("Array span tier rejected items", "error", err)
		return receipt.Batch{}, false
	}
	return receipt.Batch{Items: items}, true
}
