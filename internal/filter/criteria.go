package filter

import (
	"errors"
	"fmt"
	"strings"
)

// -----------------------------------------------------------------------------
// Operators
// -----------------------------------------------------------------------------

// Operator is the comparison a row policy asserts on a metadata value.
type Operator string

const (
	OperatorEquals    Operator = "eq"
	OperatorNotEquals Operator = "ne"
)

// ParseOperator accepts the canonical operator names as well as the symbolic
// forms used by policy authors.
func ParseOperator(s string) (Operator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "eq", "=", "==", "equals":
		return OperatorEquals, nil
	case "ne", "!=", "<>", "not_equals", "not-equals":
		return OperatorNotEquals, nil
	default:
		return "", fmt.Errorf("unknown metadata operator %q", s)
	}
}

// Valid reports whether o is one of the supported operators.
func (o Operator) Valid() bool {
	return o == OperatorEquals || o == OperatorNotEquals
}

// -----------------------------------------------------------------------------
// Criteria
// -----------------------------------------------------------------------------

// Criterion is a single (value, operator) pair for a metadata key.
type Criterion struct {
	Value    string   `json:"value"`
	Operator Operator `json:"operator"`
}

// Criteria groups criteria by metadata key. Keys keep the order in which they
// were first seen and criteria keep insertion order; duplicates are kept.
type Criteria struct {
	keys  []string
	byKey map[string][]Criterion
}

// NewCriteria returns an empty criteria map.
func NewCriteria() *Criteria {
	return &Criteria{byKey: make(map[string][]Criterion)}
}

// Add appends a criterion for key.
func (c *Criteria) Add(key, value string, op Operator) {
	if _, ok := c.byKey[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.byKey[key] = append(c.byKey[key], Criterion{Value: value, Operator: op})
}

// Keys returns the governed metadata keys in first-seen order.
func (c *Criteria) Keys() []string {
	if c == nil {
		return nil
	}
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// For returns the criteria recorded for key.
func (c *Criteria) For(key string) []Criterion {
	if c == nil {
		return nil
	}
	return c.byKey[key]
}

// Len returns the number of governed metadata keys.
func (c *Criteria) Len() int {
	if c == nil {
		return 0
	}
	return len(c.keys)
}

// Map returns a copy of the criteria as a plain map.
func (c *Criteria) Map() map[string][]Criterion {
	out := make(map[string][]Criterion, c.Len())
	for _, k := range c.Keys() {
		out[k] = append([]Criterion(nil), c.byKey[k]...)
	}
	return out
}

// ErrInvalidCriterion is returned by BuildCriteria for a row policy whose
// metadata criterion is incomplete or uses an unknown operator.
var ErrInvalidCriterion = errors.New("invalid metadata criterion")

// RowPolicy is implemented by row-level policies that may carry a metadata
// criterion. ok is false for policies that carry neither a metadata key nor
// a value and only gate on principals.
type RowPolicy interface {
	MetadataCriterion() (key, value string, op Operator, ok bool)
}

// BuildCriteria groups the metadata criteria of the given policies by key.
// Principal-only policies are skipped. Any other policy must carry a key, a
// value and a known operator, otherwise the build fails with
// ErrInvalidCriterion rather than leaving the criterion out of the filter.
func BuildCriteria[P RowPolicy](policies []P) (*Criteria, error) {
	criteria := NewCriteria()
	for _, p := range policies {
		key, value, op, ok := p.MetadataCriterion()
		if !ok {
			continue
		}
		if key == "" || value == "" {
			return nil, fmt.Errorf("%w: key %q with value %q", ErrInvalidCriterion, key, value)
		}
		parsed, err := ParseOperator(string(op))
		if err != nil {
			return nil, fmt.Errorf("%w: key %q: %w", ErrInvalidCriterion, key, err)
		}
		criteria.Add(key, value, parsed)
	}
	return criteria, nil
}
