package filter

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// OpenSearchSerializer renders expressions as an OpenSearch query DSL bool
// tree.
type OpenSearchSerializer struct{}

// Serialize implements Serializer.
func (s OpenSearchSerializer) Serialize(e Expr) (string, error) {
	tree, err := s.Tree(e)
	if err != nil {
		return "", err
	}
	return marshalJSON(tree)
}

// Tree returns the query DSL object for e before it is encoded.
func (s OpenSearchSerializer) Tree(e Expr) (map[string]any, error) {
	if err := checkArity(e); err != nil {
		return nil, err
	}
	switch e.Kind {
	case KindAnd:
		return s.boolClause("must", e.Children)
	case KindOr:
		return s.boolClause("should", e.Children)
	case KindNot:
		return s.boolClause("must_not", e.Children)
	case KindFieldAbsent:
		return map[string]any{
			"bool": map[string]any{
				"must_not": []any{
					map[string]any{"exists": map[string]any{"field": e.Key}},
				},
			},
		}, nil
	case KindFieldEquals, KindPrincipalContains:
		return map[string]any{"term": map[string]any{e.Key: e.Value}}, nil
	}
	return nil, fmt.Errorf("unknown expression kind %d", int(e.Kind))
}

func (s OpenSearchSerializer) boolClause(occur string, children []Expr) (map[string]any, error) {
	clauses := make([]any, 0, len(children))
	for _, c := range children {
		tree, err := s.Tree(c)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, tree)
	}
	return map[string]any{"bool": map[string]any{occur: clauses}}, nil
}

// marshalJSON encodes v without HTML escaping and without a trailing newline.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
