package filter

import (
	"fmt"
	"strings"
)

// MilvusSerializer renders expressions in the Milvus boolean expression
// grammar over a JSON "metadata" field and array principal fields.
type MilvusSerializer struct{}

var milvusQuoter = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// Serialize implements Serializer.
func (s MilvusSerializer) Serialize(e Expr) (string, error) {
	if err := checkArity(e); err != nil {
		return "", err
	}
	switch e.Kind {
	case KindAnd:
		return s.join(e.Children, " && ")
	case KindOr:
		return s.join(e.Children, " || ")
	case KindNot:
		child := e.Children[0]
		// A negated equality stays an existence-guarded comparison.
		if child.Kind == KindFieldEquals {
			return s.compare(child.Key, "!=", child.Value), nil
		}
		inner, err := s.Serialize(child)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("not (%s)", inner), nil
	case KindFieldAbsent:
		return fmt.Sprintf("not exists metadata['%s']", milvusQuoter.Replace(e.Key)), nil
	case KindFieldEquals:
		return s.compare(e.Key, "==", e.Value), nil
	case KindPrincipalContains:
		return fmt.Sprintf("array_contains(%s, '%s')", e.Key, milvusQuoter.Replace(e.Value)), nil
	}
	return "", fmt.Errorf("unknown expression kind %d", int(e.Kind))
}

func (s MilvusSerializer) compare(key, op, value string) string {
	k := milvusQuoter.Replace(key)
	return fmt.Sprintf("exists metadata['%s'] && metadata['%s'] %s '%s'", k, k, op, milvusQuoter.Replace(value))
}

func (s MilvusSerializer) join(children []Expr, sep string) (string, error) {
	parts := make([]string, 0, len(children))
	for _, c := range children {
		out, err := s.Serialize(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+out+")")
	}
	return strings.Join(parts, sep), nil
}
