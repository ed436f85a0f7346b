package filter

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedBackend is returned when no serializer exists for a vector
// database type.
var ErrUnsupportedBackend = errors.New("unsupported vector database type")

// -----------------------------------------------------------------------------
// Backends
// -----------------------------------------------------------------------------

// Backend identifies a vector database family with its own filter grammar.
type Backend string

const (
	// BackendMilvus emits a boolean expression string.
	BackendMilvus Backend = "milvus"
	// BackendOpenSearch emits a query DSL bool tree.
	BackendOpenSearch Backend = "opensearch"
	// BackendSnowflakeCortex emits a JSON operator tree.
	BackendSnowflakeCortex Backend = "snowflake_cortex"
)

// Backends lists every supported backend.
func Backends() []Backend {
	return []Backend{BackendMilvus, BackendOpenSearch, BackendSnowflakeCortex}
}

// ParseBackend normalizes a vector database type name.
func ParseBackend(s string) (Backend, error) {
	b := Backend(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, known := range Backends() {
		if b == known {
			return b, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedBackend, s)
}

// Serializer renders an expression in one backend's grammar.
type Serializer interface {
	Serialize(e Expr) (string, error)
}

// -----------------------------------------------------------------------------
// Compiler
// -----------------------------------------------------------------------------

// Principal carries the requesting identity and which identity dimensions the
// vector database enforces on its rows.
type Principal struct {
	User             string
	Groups           []string
	UserEnforcement  bool
	GroupEnforcement bool
}

// Compiler turns criteria into a serialized filter for one backend.
type Compiler struct {
	backend    Backend
	serializer Serializer
}

// CompilerFor returns the compiler for backend. Every value returned by
// Backends must be handled here.
func CompilerFor(backend Backend) (*Compiler, error) {
	var s Serializer
	switch backend {
	case BackendMilvus:
		s = MilvusSerializer{}
	case BackendOpenSearch:
		s = OpenSearchSerializer{}
	case BackendSnowflakeCortex:
		s = CortexSerializer{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, string(backend))
	}
	return &Compiler{backend: backend, serializer: s}, nil
}

// Backend returns the backend this compiler emits for.
func (c *Compiler) Backend() Backend {
	return c.backend
}

// Compile returns the serialized filter, or an empty string when neither
// metadata criteria nor principal enforcement constrain the read.
func (c *Compiler) Compile(criteria *Criteria, principal Principal) (string, error) {
	expr, ok := BuildExpr(criteria, principal)
	if !ok {
		return "", nil
	}
	out, err := c.serializer.Serialize(expr)
	if err != nil {
		return "", fmt.Errorf("serialize %s filter: %w", c.backend, err)
	}
	return out, nil
}

// BuildExpr builds the logical filter. ok is false when there is nothing to
// filter on.
func BuildExpr(criteria *Criteria, principal Principal) (expr Expr, ok bool) {
	metadata, hasMetadata := metadataClause(criteria)
	principals, hasPrincipals := principalClause(principal)

	switch {
	case hasPrincipals && hasMetadata:
		return And(principals, metadata), true
	case hasPrincipals:
		return principals, true
	case hasMetadata:
		return metadata, true
	default:
		return Expr{}, false
	}
}

func metadataClause(criteria *Criteria) (Expr, bool) {
	keys := criteria.Keys()
	if len(keys) == 0 {
		return Expr{}, false
	}
	clauses := make([]Expr, 0, len(keys))
	for _, key := range keys {
		clauses = append(clauses, keyClause(key, criteria.For(key)))
	}
	return And(clauses...), true
}

// keyClause combines the criteria of one key with Or when every criterion is
// an equality, and with And as soon as one of them is an inequality.
func keyClause(key string, criteria []Criterion) Expr {
	clauses := make([]Expr, 0, len(criteria))
	allEquals := true
	for _, c := range criteria {
		match := FieldEquals(key, c.Value)
		if c.Operator == OperatorNotEquals {
			allEquals = false
			match = Not(match)
		}
		clauses = append(clauses, Or(match, FieldAbsent(key)))
	}
	if allEquals {
		return Or(clauses...)
	}
	return And(clauses...)
}

func principalClause(p Principal) (Expr, bool) {
	var terms []Expr
	if p.UserEnforcement && p.User != "" {
		terms = append(terms, PrincipalContains("users", p.User))
	}
	if p.GroupEnforcement {
		for _, g := range p.Groups {
			if g == "" {
				continue
			}
			terms = append(terms, PrincipalContains("groups", g))
		}
	}
	if len(terms) == 0 {
		return Expr{}, false
	}
	return Or(terms...), true
}

func checkArity(e Expr) error {
	switch e.Kind {
	case KindAnd, KindOr:
		if len(e.Children) == 0 {
			return fmt.Errorf("%s with no operands", e.Kind)
		}
	case KindNot:
		if len(e.Children) != 1 {
			return fmt.Errorf("not expects one operand, got %d", len(e.Children))
		}
	case KindFieldAbsent, KindFieldEquals, KindPrincipalContains:
		if e.Key == "" {
			return fmt.Errorf("%s with empty key", e.Kind)
		}
	default:
		return fmt.Errorf("unknown expression kind %d", int(e.Kind))
	}
	return nil
}
