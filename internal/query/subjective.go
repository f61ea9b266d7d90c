package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/zombor/receipt-ledger/internal/llm"
	"github.com/zombor/receipt-ledger/internal/receipt"
)

const reasoningPrompt = `You are an expert consumer advisor. Analyze the purchase data and provide recommendations.

Purchase Data:
{purchase_data}

User's Question:
{user_query}

Provide a clear, helpful recommendation based on the data. Focus on value, quality, and practical advice.`

const noPurchaseData = "No purchase data available."

// SubjectiveResolver asks the model for advice grounded in the user's items
type SubjectiveResolver struct {
	generator llm.Generator
	db        receipt.DB
}

// NewSubjectiveResolver creates a SubjectiveResolver
func NewSubjectiveResolver(generator llm.Generator, db receipt.DB) *SubjectiveResolver {
	return &SubjectiveResolver{generator: generator, db: db}
}

// Resolve loads every item the user owns and asks for a recommendation
func (r *SubjectiveResolver) Resolve(ctx context.Context, query string, userID int64) (string, error) {
	items, err := r.db.ListItems(ctx, userID, receipt.ItemFilter{})
	if err != nil {
		return "", fmt.Errorf("loading purchases: %w", err)
	}

	prompt := strings.NewReplacer(
		"{purchase_data}", PurchaseData(items),
		"{user_query}", query,
	).Replace(reasoningPrompt)

	recommendation, err := r.generator.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("generating recommendation: %w", err)
	}
	return strings.TrimSpace(recommendation), nil
}

// PurchaseData formats items one per line in store order
func PurchaseData(items []*receipt.StoredItem) string {
	if len(items) == 0 {
		return noPurchaseData
	}
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, fmt.Sprintf("Item Name: %s, Quantity: %d, Price: %s",
			item.ItemName, item.Quantity, item.UnitPrice.StringFixed(2)))
	}
	return strings.Join(lines, "\n")
}
