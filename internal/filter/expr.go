// Package filter compiles row-level vector database policies into the native
// filter grammar of each supported vector database backend.
//
// All backends share one logical model (Expr). The compiler builds an Expr from
// the metadata criteria and the principal enforcement settings, and a
// backend-specific serializer renders it.
package filter

// -----------------------------------------------------------------------------
// Expression Model
// -----------------------------------------------------------------------------

// Kind identifies the variant of an Expr node.
type Kind int

const (
	KindAnd Kind = iota + 1
	KindOr
	KindNot
	KindFieldAbsent
	KindFieldEquals
	KindPrincipalContains
)

func (k Kind) String() string {
	switch k {
	case KindAnd:
		return "and"
	case KindOr:
		return "or"
	case KindNot:
		return "not"
	case KindFieldAbsent:
		return "field_absent"
	case KindFieldEquals:
		return "field_equals"
	case KindPrincipalContains:
		return "principal_contains"
	default:
		return "unknown"
	}
}

// Expr is a node of the logical filter expression.
//
// And and Or hold two or more Children, Not holds exactly one. FieldAbsent and
// FieldEquals use Key (the metadata key) and Value. PrincipalContains uses Key
// as the principal list name ("users" or "groups") and Value as the principal.
type Expr struct {
	Kind     Kind
	Children []Expr
	Key      string
	Value    string
}

// And combines expressions that must all hold. A single expression is
// returned unwrapped.
func And(children ...Expr) Expr {
	return combine(KindAnd, children)
}

// Or combines expressions of which at least one must hold. A single expression
// is returned unwrapped.
func Or(children ...Expr) Expr {
	return combine(KindOr, children)
}

// Not negates an expression.
func Not(child Expr) Expr {
	return Expr{Kind: KindNot, Children: []Expr{child}}
}

// FieldAbsent holds when the document has no value for the metadata key.
func FieldAbsent(key string) Expr {
	return Expr{Kind: KindFieldAbsent, Key: key}
}

// FieldEquals holds when the document's metadata key is set to value.
func FieldEquals(key, value string) Expr {
	return Expr{Kind: KindFieldEquals, Key: key, Value: value}
}

// PrincipalContains holds when the document's principal list contains value.
func PrincipalContains(list, value string) Expr {
	return Expr{Kind: KindPrincipalContains, Key: list, Value: value}
}

func combine(kind Kind, children []Expr) Expr {
	if len(children) == 1 {
		return children[0]
	}
	out := make([]Expr, len(children))
	copy(out, children)
	return Expr{Kind: kind, Children: out}
}

// Document is the view of a stored row that an expression is evaluated against.
type Document struct {
	Metadata   map[string]string
	Principals map[string][]string
}

// Eval reports whether the expression admits the document. Evaluation follows
// the shared semantics all backend serializations must agree with.
func (e Expr) Eval(doc Document) bool {
	switch e.Kind {
	case KindAnd:
		for _, c := range e.Children {
			if !c.Eval(doc) {
				return false
			}
		}
		return true
	case KindOr:
		for _, c := range e.Children {
			if c.Eval(doc) {
				return true
			}
		}
		return false
	case KindNot:
		return len(e.Children) == 1 && !e.Children[0].Eval(doc)
	case KindFieldAbsent:
		_, ok := doc.Metadata[e.Key]
		return !ok
	case KindFieldEquals:
		v, ok := doc.Metadata[e.Key]
		return ok && v == e.Value
	case KindPrincipalContains:
		for _, p := range doc.Principals[e.Key] {
			if p == e.Value {
				return true
			}
		}
		return false
	default:
		return false
	}
}
