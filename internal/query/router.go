package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zombor/receipt-ledger/internal/receipt"
)

// ErrEmptyQuery is set on answers to blank questions
var ErrEmptyQuery = errors.New("query is required")

// State tracks how far a question got through the router
type State int

const (
	Received State = iota
	Classified
	Resolved
	Done
)

func (s State) String() string {
	switch s {
	case Received:
		return "received"
	case Classified:
		return "classified"
	case Resolved:
		return "resolved"
	default:
		return "done"
	}
}

// Answer is the router's result. Text is always safe to show; Err records
// what went wrong, if anything.
type Answer struct {
	Text  string
	Class Class
	State State
	Err   error
}

// Resolver answers a question for one user
type Resolver interface {
	Resolve(ctx context.Context, query string, userID int64) (string, error)
}

// QueryClassifier labels questions
type QueryClassifier interface {
	Classify(ctx context.Context, query string) (Class, error)
}

// UserResolver turns an identity into a stored user
type UserResolver interface {
	ResolveUser(ctx context.Context, identity receipt.Identity) (*receipt.User, error)
}

// Recorder observes routed questions
type Recorder interface {
	RecordQuery(class string, outcome string)
}

// Router classifies a question and hands it to the matching resolver
type Router struct {
	classifier QueryClassifier
	factual    Resolver
	subjective Resolver
	users      UserResolver
	recorder   Recorder
}

// NewRouter creates a Router. recorder may be nil.
func NewRouter(classifier QueryClassifier, factual, subjective Resolver, users UserResolver, recorder Recorder) *Router {
	return &Router{
		classifier: classifier,
		factual:    factual,
		subjective: subjective,
		users:      users,
		recorder:   recorder,
	}
}

// Answer never fails: every error ends in a Done answer whose text says what
// went wrong
func (r *Router) Answer(ctx context.Context, query string, identity receipt.Identity) Answer {
	answer := Answer{State: Received}
	query = strings.TrimSpace(query)

	if query == "" {
		return r.finish(answer, "Please enter a question about your purchases.", ErrEmptyQuery)
	}

	user, err := r.users.ResolveUser(ctx, identity)
	if err != nil {
		var ierr *receipt.IdentityError
		if errors.As(err, &ierr) {
			return r.finish(answer, fmt.Sprintf("Cannot answer without a known user: %s", ierr.Reason), err)
		}
		return r.finish(answer, fmt.Sprintf("Error processing query: %v", err), err)
	}

	class, err := r.classifier.Classify(ctx, query)
	if err != nil {
		slog.Warn("Classification failed, using fallback", "class", class, "error", err)
	}
	answer.Class = class
	answer.State = Classified

	if class == Factual {
		text, err := r.factual.Resolve(ctx, query, user.ID)
		answer.State = Resolved
		if err != nil {
			return r.finish(answer, fmt.Sprintf("**Query Error:**\n%v\n\nTry rephrasing your question to be more specific about the data you want.", err), err)
		}
		return r.finish(answer, "**Factual Query Response:**\n"+text, nil)
	}

	text, err := r.subjective.Resolve(ctx, query, user.ID)
	answer.State = Resolved
	if err != nil {
		return r.finish(answer, fmt.Sprintf("**Reasoning Error:**\n%v\n\nTry asking a factual question instead.", err), err)
	}
	return r.finish(answer, "**Recommendation:**\n"+text, nil)
}

func (r *Router) finish(answer Answer, text string, err error) Answer {
	answer.Text = text
	answer.Err = err
	answer.State = Done

	outcome := "ok"
	if err != nil {
		outcome = "error"
		slog.Error("Query failed", "class", answer.Class, "error", err)
	}
	if r.recorder != nil {
		class := string(answer.Class)
		if class == "" {
			class = "none"
		}
		r.recorder.RecordQuery(class, outcome)
	}
	return answer
}
