package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/zombor/receipt-ledger/internal/llm"
)

const planPrompt = `You translate questions about a shopper's purchase history into a JSON query plan.

Each purchase row is one line item with these fields: item_name, quantity, price (unit price),
total_amount (quantity * price), category, store_name, receipt_id, purchase_date.

Respond with ONLY a JSON object of this shape:
{
    "operation": "sum" | "count" | "avg" | "min" | "max" | "list",
    "field": "total_amount" | "price" | "quantity",
    "group_by": "" | "item_name" | "store_name" | "category" | "receipt_id",
    "filters": {"item_name": "", "store_name": "", "category": "", "receipt_id": "", "from": "", "to": ""},
    "order": "asc" | "desc",
    "limit": 0
}

Rules:
- Spending, revenue, cost and totals use "total_amount".
- Leave a filter empty when the question does not mention it.
- Write "from" and "to" dates as YYYY-MM-DD.
- Use "list" to show individual purchases; "limit" caps the rows and 0 means all.
- Today is {today}.

Question: {query}`

// FactualResolver answers data questions by asking the model for a query plan
// and executing it deterministically over the user's items
type FactualResolver struct {
	generator llm.Generator
	executor  *Executor
}

// NewFactualResolver creates a FactualResolver
func NewFactualResolver(generator llm.Generator, executor *Executor) *FactualResolver {
	return &FactualResolver{generator: generator, executor: executor}
}

// Resolve plans and runs the question for userID
func (r *FactualResolver) Resolve(ctx context.Context, query string, userID int64) (string, error) {
	prompt := strings.NewReplacer(
		"{today}", r.executor.now().Format("2006-01-02"),
		"{query}", query,
	).Replace(planPrompt)

	output, err := r.generator.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("planning query: %w", err)
	}

	plan, err := ParsePlan(output)
	if err != nil {
		return "", err
	}

	result, err := r.executor.Execute(ctx, userID, plan)
	if err != nil {
		return "", fmt.Errorf("executing query: %w", err)
	}
	return result.Render(), nil
}
