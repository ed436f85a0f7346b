package authz

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nielsarts/ai-authz-engine/internal/filter"
	"github.com/nielsarts/ai-authz-engine/internal/provider"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------
//
// Decision errors wrap one of these sentinels. Use errors.Is() to classify
// them; denials are not errors and are reported in the response instead.

var (
	// ErrNotFound is returned when the application or vector database is unknown.
	ErrNotFound = errors.New("not found")

	// ErrConfiguration is returned when stored configuration cannot be acted
	// on, such as a vector database of an unsupported type.
	ErrConfiguration = errors.New("configuration error")

	// ErrUpstreamUnavailable is returned when a data provider lookup fails.
	// The engine does not retry and never falls back to an allow.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrInvalidRequest is returned when a request cannot be evaluated as given.
	ErrInvalidRequest = errors.New("invalid request")
)

// -----------------------------------------------------------------------------
// Decision Error
// -----------------------------------------------------------------------------

// DecisionError carries the audit context of a failed decision.
type DecisionError struct {
	Operation   string // "authorize" or "authorize_vector_db"
	Application string // Application key of the request
	VectorDB    string // Vector database name, once resolved
	User        string // Requesting user
	Err         error  // The underlying error
}

// Error returns the operation, its context and the underlying error.
func (e *DecisionError) Error() string {
	var b strings.Builder
	b.WriteString(e.Operation)
	if e.Application != "" {
		fmt.Fprintf(&b, " application=%q", e.Application)
	}
	if e.VectorDB != "" {
		fmt.Fprintf(&b, " vector_db=%q", e.VectorDB)
	}
	if e.User != "" {
		fmt.Fprintf(&b, " user=%q", e.User)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

// Unwrap returns the underlying error for use with errors.Is() and errors.As().
func (e *DecisionError) Unwrap() error {
	return e.Err
}

// classify maps a provider or compiler error onto the decision taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrUpstreamUnavailable), errors.Is(err, ErrInvalidRequest):
		return err
	case errors.Is(err, provider.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, filter.ErrUnsupportedBackend), errors.Is(err, filter.ErrInvalidCriterion),
		errors.Is(err, provider.ErrInvalidPolicy):
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	default:
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
}
