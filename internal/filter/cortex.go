package filter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Snowflake Cortex Search filter operators.
const (
	cortexAnd      = "@and"
	cortexOr       = "@or"
	cortexNot      = "@not"
	cortexEq       = "@eq"
	cortexContains = "@contains"
)

// ErrEmptyCortexValue is returned when an equality against the empty string
// is serialized, since it would render the same as FieldAbsent.
var ErrEmptyCortexValue = errors.New("cortex equality with empty value")

// CortexSerializer renders expressions as a Cortex Search JSON operator tree.
// Field absence is expressed as equality with the empty string, which is how
// Cortex represents unset attributes. FieldEquals with an empty value is
// therefore rejected with ErrEmptyCortexValue.
type CortexSerializer struct{}

// Serialize implements Serializer.
func (s CortexSerializer) Serialize(e Expr) (string, error) {
	tree, err := s.tree(e)
	if err != nil {
		return "", err
	}
	return marshalJSON(tree)
}

func (s CortexSerializer) tree(e Expr) (any, error) {
	if err := checkArity(e); err != nil {
		return nil, err
	}
	switch e.Kind {
	case KindAnd, KindOr:
		op := cortexAnd
		if e.Kind == KindOr {
			op = cortexOr
		}
		operands := make([]any, 0, len(e.Children))
		for _, c := range e.Children {
			t, err := s.tree(c)
			if err != nil {
				return nil, err
			}
			operands = append(operands, t)
		}
		return map[string]any{op: operands}, nil
	case KindNot:
		t, err := s.tree(e.Children[0])
		if err != nil {
			return nil, err
		}
		return map[string]any{cortexNot: t}, nil
	case KindFieldAbsent:
		return map[string]any{cortexEq: map[string]string{e.Key: ""}}, nil
	case KindFieldEquals:
		if e.Value == "" {
			return nil, fmt.Errorf("%w: key %q", ErrEmptyCortexValue, e.Key)
		}
		return map[string]any{cortexEq: map[string]string{e.Key: e.Value}}, nil
	case KindPrincipalContains:
		return map[string]any{cortexContains: map[string]string{e.Key: e.Value}}, nil
	}
	return nil, fmt.Errorf("unknown expression kind %d", int(e.Kind))
}

// -----------------------------------------------------------------------------
// Parsing
// -----------------------------------------------------------------------------

// ErrInvalidCortexFilter is returned by ParseCortex for input outside the
// operator grammar.
var ErrInvalidCortexFilter = errors.New("invalid cortex filter")

// ParseCortex parses a serialized Cortex filter back into an expression.
// An equality against the empty string parses as FieldAbsent.
func ParseCortex(s string) (Expr, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return Expr{}, fmt.Errorf("%w: %v", ErrInvalidCortexFilter, err)
	}
	if dec.More() {
		return Expr{}, fmt.Errorf("%w: trailing data", ErrInvalidCortexFilter)
	}
	return parseCortexNode(raw)
}

func parseCortexNode(raw json.RawMessage) (Expr, error) {
	var node map[string]json.RawMessage
	if err := json.Unmarshal(raw, &node); err != nil {
		return Expr{}, fmt.Errorf("%w: expected object: %v", ErrInvalidCortexFilter, err)
	}
	if len(node) != 1 {
		return Expr{}, fmt.Errorf("%w: expected exactly one operator, got %d", ErrInvalidCortexFilter, len(node))
	}
	for op, body := range node {
		switch op {
		case cortexAnd, cortexOr:
			var operands []json.RawMessage
			if err := json.Unmarshal(body, &operands); err != nil {
				return Expr{}, fmt.Errorf("%w: %s expects an array: %v", ErrInvalidCortexFilter, op, err)
			}
			if len(operands) == 0 {
				return Expr{}, fmt.Errorf("%w: %s with no operands", ErrInvalidCortexFilter, op)
			}
			children := make([]Expr, 0, len(operands))
			for _, o := range operands {
				child, err := parseCortexNode(o)
				if err != nil {
					return Expr{}, err
				}
				children = append(children, child)
			}
			if op == cortexAnd {
				return And(children...), nil
			}
			return Or(children...), nil
		case cortexNot:
			child, err := parseCortexNode(body)
			if err != nil {
				return Expr{}, err
			}
			return Not(child), nil
		case cortexEq:
			key, value, err := parseCortexPair(op, body)
			if err != nil {
				return Expr{}, err
			}
			if value == "" {
				return FieldAbsent(key), nil
			}
			return FieldEquals(key, value), nil
		case cortexContains:
			key, value, err := parseCortexPair(op, body)
			if err != nil {
				return Expr{}, err
			}
			return PrincipalContains(key, value), nil
		default:
			return Expr{}, fmt.Errorf("%w: unknown operator %q", ErrInvalidCortexFilter, op)
		}
	}
	return Expr{}, ErrInvalidCortexFilter
}

func parseCortexPair(op string, body json.RawMessage) (string, string, error) {
	var pair map[string]string
	if err := json.Unmarshal(body, &pair); err != nil {
		return "", "", fmt.Errorf("%w: %s expects a string field: %v", ErrInvalidCortexFilter, op, err)
	}
	if len(pair) != 1 {
		return "", "", fmt.Errorf("%w: %s expects exactly one field, got %d", ErrInvalidCortexFilter, op, len(pair))
	}
	for k, v := range pair {
		if k == "" {
			return "", "", fmt.Errorf("%w: %s with empty field name", ErrInvalidCortexFilter, op)
		}
		return k, v, nil
	}
	return "", "", ErrInvalidCortexFilter
}
