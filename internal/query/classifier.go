// Package query answers natural-language questions about a user's purchases.
package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/zombor/receipt-ledger/internal/llm"
)

// Class is the routing decision for a question
type Class string

const (
	Factual    Class = "Factual"
	Subjective Class = "Subjective"
)

const classifyPrompt = `Analyze this query and respond with ONLY ONE of the following: 'Factual' or 'Subjective'.

Query: {query}

'Factual' for queries about specific data (e.g., "what's the total revenue").
'Subjective' for queries that ask for opinions or advice (e.g., "is it a good idea to buy Bata?").

Response:`

// Classifier labels questions as factual or subjective with one model call
type Classifier struct {
	generator llm.Generator
	fallback  Class
}

// NewClassifier creates a Classifier that falls back to Subjective
func NewClassifier(generator llm.Generator) *Classifier {
	return NewClassifierWithFallback(generator, Subjective)
}

// NewClassifierWithFallback creates a Classifier with a custom fallback class
func NewClassifierWithFallback(generator llm.Generator, fallback Class) *Classifier {
	if fallback != Factual {
		fallback = Subjective
	}
	return &Classifier{generator: generator, fallback: fallback}
}

// Classify asks the model for a label. A reply mentioning "subjective" is
// Subjective, anything else Factual. When the call fails the fallback class
// is returned with the error.
func (c *Classifier) Classify(ctx context.Context, query string) (Class, error) {
	reply, err := c.generator.Generate(ctx, strings.Replace(classifyPrompt, "{query}", query, 1))
	if err != nil {
		return c.fallback, fmt.Errorf("classifying query: %w", err)
	}
	if strings.Contains(strings.ToLower(strings.TrimSpace(reply)), "subjective") {
		return Subjective, nil
	}
	return Factual, nil
}
