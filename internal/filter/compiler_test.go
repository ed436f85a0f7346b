package filter

import (
	"encoding/json"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func criteriaOf(rows ...row) *Criteria {
	criteria, err := BuildCriteria(rows)
	if err != nil {
		panic(err)
	}
	return criteria
}

func compile(t *testing.T, backend Backend, criteria *Criteria, p Principal) string {
	t.Helper()
	c, err := CompilerFor(backend)
	require.NoError(t, err)
	out, err := c.Compile(criteria, p)
	require.NoError(t, err)
	return out
}

func TestCompilerFor_EveryBackend(t *testing.T) {
	for _, b := range Backends() {
		c, err := CompilerFor(b)
		require.NoError(t, err, b)
		assert.Equal(t, b, c.Backend())
	}
}

func TestCompilerFor_Unsupported(t *testing.T) {
	_, err := CompilerFor(Backend("pinecone"))
	require.ErrorIs(t, err, ErrUnsupportedBackend)

	_, err = ParseBackend("chroma")
	require.ErrorIs(t, err, ErrUnsupportedBackend)
}

func TestParseBackend(t *testing.T) {
	b, err := ParseBackend("Snowflake-Cortex")
	require.NoError(t, err)
	assert.Equal(t, BackendSnowflakeCortex, b)

	b, err = ParseBackend("MILVUS")
	require.NoError(t, err)
	assert.Equal(t, BackendMilvus, b)
}

func TestCompile_NoConstraints(t *testing.T) {
	for _, b := range Backends() {
		out := compile(t, b, NewCriteria(), Principal{User: "john"})
		assert.Empty(t, out, b)
	}
}

func TestCompile_UserEnforcementOnly(t *testing.T) {
	p := Principal{User: "john", UserEnforcement: true}

	assert.Equal(t, `{"@contains":{"users":"john"}}`, compile(t, BackendSnowflakeCortex, NewCriteria(), p))
	assert.Equal(t, `array_contains(users, 'john')`, compile(t, BackendMilvus, NewCriteria(), p))
	assert.Equal(t, `{"term":{"users":"john"}}`, compile(t, BackendOpenSearch, NewCriteria(), p))
}

func TestCompile_NotEqualsSameKeyCombinesWithAnd(t *testing.T) {
	criteria := criteriaOf(
		row{key: "security", value: "Confidential", op: OperatorNotEquals},
		row{key: "security", value: "Internal", op: OperatorNotEquals},
	)

	expr, ok := BuildExpr(criteria, Principal{})
	require.True(t, ok)
	require.Equal(t, KindAnd, expr.Kind)
	require.Len(t, expr.Children, 2)
	for _, c := range expr.Children {
		assert.Equal(t, KindOr, c.Kind)
	}

	assert.Equal(t,
		`{"@and":[{"@or":[{"@not":{"@eq":{"security":"Confidential"}}},{"@eq":{"security":""}}]},`+
			`{"@or":[{"@not":{"@eq":{"security":"Internal"}}},{"@eq":{"security":""}}]}]}`,
		compile(t, BackendSnowflakeCortex, criteria, Principal{}))

	assert.Equal(t,
		`((exists metadata['security'] && metadata['security'] != 'Confidential') || (not exists metadata['security']))`+
			` && `+
			`((exists metadata['security'] && metadata['security'] != 'Internal') || (not exists metadata['security']))`,
		compile(t, BackendMilvus, criteria, Principal{}))
}

func TestCompile_EqualsSameKeyCombinesWithOr(t *testing.T) {
	criteria := criteriaOf(
		row{key: "dept", value: "hr", op: OperatorEquals},
		row{key: "dept", value: "finance", op: OperatorEquals},
	)

	expr, ok := BuildExpr(criteria, Principal{})
	require.True(t, ok)
	assert.Equal(t, KindOr, expr.Kind)
	assert.Equal(t, Or(
		Or(FieldEquals("dept", "hr"), FieldAbsent("dept")),
		Or(FieldEquals("dept", "finance"), FieldAbsent("dept")),
	), expr)
}

func TestCompile_MixedOperatorsCombineWithAnd(t *testing.T) {
	criteria := criteriaOf(
		row{key: "dept", value: "hr", op: OperatorEquals},
		row{key: "dept", value: "legal", op: OperatorNotEquals},
	)

	expr, ok := BuildExpr(criteria, Principal{})
	require.True(t, ok)
	assert.Equal(t, And(
		Or(FieldEquals("dept", "hr"), FieldAbsent("dept")),
		Or(Not(FieldEquals("dept", "legal")), FieldAbsent("dept")),
	), expr)
}

func TestCompile_SingleEqualsOpenSearch(t *testing.T) {
	criteria := criteriaOf(row{key: "security", value: "Public", op: OperatorEquals})

	assert.Equal(t,
		`{"bool":{"should":[{"term":{"security":"Public"}},{"bool":{"must_not":[{"exists":{"field":"security"}}]}}]}}`,
		compile(t, BackendOpenSearch, criteria, Principal{}))
}

func TestCompile_PrincipalAndMetadata(t *testing.T) {
	criteria := criteriaOf(
		row{key: "security", value: "Public", op: OperatorEquals},
		row{key: "region", value: "eu", op: OperatorEquals},
	)
	p := Principal{
		User:             "john",
		Groups:           []string{"sales", "eng"},
		UserEnforcement:  true,
		GroupEnforcement: true,
	}

	expr, ok := BuildExpr(criteria, p)
	require.True(t, ok)
	assert.Equal(t, And(
		Or(
			PrincipalContains("users", "john"),
			PrincipalContains("groups", "sales"),
			PrincipalContains("groups", "eng"),
		),
		And(
			Or(FieldEquals("security", "Public"), FieldAbsent("security")),
			Or(FieldEquals("region", "eu"), FieldAbsent("region")),
		),
	), expr)

	assert.Equal(t,
		`((array_contains(users, 'john')) || (array_contains(groups, 'sales')) || (array_contains(groups, 'eng')))`+
			` && `+
			`(((exists metadata['security'] && metadata['security'] == 'Public') || (not exists metadata['security']))`+
			` && `+
			`((exists metadata['region'] && metadata['region'] == 'eu') || (not exists metadata['region'])))`,
		compile(t, BackendMilvus, criteria, p))
}

func TestCompile_GroupEnforcementOnly(t *testing.T) {
	p := Principal{User: "john", Groups: []string{"sales"}, GroupEnforcement: true}

	assert.Equal(t, `{"@contains":{"groups":"sales"}}`, compile(t, BackendSnowflakeCortex, NewCriteria(), p))
}

func TestMilvusSerializer_EscapesLiterals(t *testing.T) {
	out, err := MilvusSerializer{}.Serialize(FieldEquals("owner", `o'brien\x`))
	require.NoError(t, err)
	assert.Equal(t, `exists metadata['owner'] && metadata['owner'] == 'o\'brien\\x'`, out)
}

func TestMilvusSerializer_GenericNot(t *testing.T) {
	out, err := MilvusSerializer{}.Serialize(Not(FieldAbsent("dept")))
	require.NoError(t, err)
	assert.Equal(t, `not (not exists metadata['dept'])`, out)
}

func TestSerializers_RejectMalformed(t *testing.T) {
	bad := []Expr{
		{Kind: KindAnd},
		{Kind: KindNot},
		{Kind: KindFieldEquals, Value: "x"},
		{Kind: Kind(99)},
	}
	serializers := []Serializer{MilvusSerializer{}, OpenSearchSerializer{}, CortexSerializer{}}
	for _, s := range serializers {
		for _, e := range bad {
			_, err := s.Serialize(e)
			assert.Error(t, err, "%T %v", s, e.Kind)
		}
	}
}

// -----------------------------------------------------------------------------
// Cross-backend equivalence
// -----------------------------------------------------------------------------

// evalOpenSearch evaluates a decoded query DSL tree the way OpenSearch does
// for the subset of clauses the serializer emits.
func evalOpenSearch(t *testing.T, node map[string]any, doc Document) bool {
	t.Helper()
	if b, ok := node["bool"].(map[string]any); ok {
		for occur, raw := range b {
			clauses := raw.([]any)
			switch occur {
			case "must":
				for _, c := range clauses {
					if !evalOpenSearch(t, c.(map[string]any), doc) {
						return false
					}
				}
				return true
			case "should":
				for _, c := range clauses {
					if evalOpenSearch(t, c.(map[string]any), doc) {
						return true
					}
				}
				return false
			case "must_not":
				for _, c := range clauses {
					if evalOpenSearch(t, c.(map[string]any), doc) {
						return false
					}
				}
				return true
			}
		}
		t.Fatalf("unexpected bool clause %v", b)
	}
	if term, ok := node["term"].(map[string]any); ok {
		for field, value := range term {
			if v, ok := doc.Metadata[field]; ok {
				return v == value
			}
			for _, p := range doc.Principals[field] {
				if p == value {
					return true
				}
			}
			return false
		}
	}
	if exists, ok := node["exists"].(map[string]any); ok {
		_, present := doc.Metadata[exists["field"].(string)]
		return present
	}
	t.Fatalf("unexpected node %v", node)
	return false
}

// milvusEval evaluates the subset of the Milvus expression grammar the
// serializer emits. A comparison against an unset JSON key is false.
type milvusEval struct {
	t    *testing.T
	toks []milvusToken
	pos  int
	doc  Document
}

type milvusToken struct {
	text   string
	quoted bool
}

func evalMilvus(t *testing.T, expr string, doc Document) bool {
	t.Helper()
	e := &milvusEval{t: t, toks: tokenizeMilvus(t, expr), doc: doc}
	v := e.or()
	require.Equal(t, len(e.toks), e.pos, "trailing tokens in %q", expr)
	return v
}

func tokenizeMilvus(t *testing.T, s string) []milvusToken {
	t.Helper()
	var toks []milvusToken
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ':
			i++
		case strings.IndexByte("()[],", c) >= 0:
			toks = append(toks, milvusToken{text: string(c)})
			i++
		case i+1 < len(s) && (s[i:i+2] == "&&" || s[i:i+2] == "||" || s[i:i+2] == "==" || s[i:i+2] == "!="):
			toks = append(toks, milvusToken{text: s[i : i+2]})
			i += 2
		case c == '\'':
			var b strings.Builder
			for i++; i < len(s) && s[i] != '\''; i++ {
				if s[i] == '\\' {
					i++
				}
				b.WriteByte(s[i])
			}
			require.Less(t, i, len(s), "unterminated literal in %q", s)
			toks = append(toks, milvusToken{text: b.String(), quoted: true})
			i++
		case c == '_' || (c >= 'a' && c <= 'z'):
			j := i
			for j < len(s) && (s[j] == '_' || (s[j] >= 'a' && s[j] <= 'z')) {
				j++
			}
			toks = append(toks, milvusToken{text: s[i:j]})
			i = j
		default:
			t.Fatalf("unexpected %q at %d in %q", c, i, s)
		}
	}
	return toks
}

func (e *milvusEval) peek() milvusToken {
	if e.pos >= len(e.toks) {
		return milvusToken{}
	}
	return e.toks[e.pos]
}

func (e *milvusEval) next() milvusToken {
	tok := e.peek()
	e.pos++
	return tok
}

func (e *milvusEval) expect(text string) {
	tok := e.next()
	require.False(e.t, tok.quoted, "expected %q, got literal %q", text, tok.text)
	require.Equal(e.t, text, tok.text)
}

func (e *milvusEval) literal() string {
	tok := e.next()
	require.True(e.t, tok.quoted, "expected literal, got %q", tok.text)
	return tok.text
}

func (e *milvusEval) or() bool {
	v := e.and()
	for tok := e.peek(); !tok.quoted && tok.text == "||"; tok = e.peek() {
		e.next()
		r := e.and()
		v = v || r
	}
	return v
}

func (e *milvusEval) and() bool {
	v := e.unary()
	for tok := e.peek(); !tok.quoted && tok.text == "&&"; tok = e.peek() {
		e.next()
		r := e.unary()
		v = v && r
	}
	return v
}

func (e *milvusEval) unary() bool {
	if tok := e.peek(); !tok.quoted && tok.text == "not" {
		e.next()
		return !e.unary()
	}
	return e.primary()
}

func (e *milvusEval) field() string {
	e.expect("metadata")
	e.expect("[")
	key := e.literal()
	e.expect("]")
	return key
}

func (e *milvusEval) primary() bool {
	tok := e.peek()
	require.False(e.t, tok.quoted, "unexpected literal %q", tok.text)
	switch tok.text {
	case "(":
		e.next()
		v := e.or()
		e.expect(")")
		return v
	case "exists":
		e.next()
		_, ok := e.doc.Metadata[e.field()]
		return ok
	case "metadata":
		key := e.field()
		op := e.next().text
		value := e.literal()
		actual, ok := e.doc.Metadata[key]
		if !ok {
			return false
		}
		switch op {
		case "==":
			return actual == value
		case "!=":
			return actual != value
		}
		e.t.Fatalf("unexpected comparison %q", op)
	case "array_contains":
		e.next()
		e.expect("(")
		list := e.next().text
		e.expect(",")
		value := e.literal()
		e.expect(")")
		return slices.Contains(e.doc.Principals[list], value)
	}
	e.t.Fatalf("unexpected token %q", tok.text)
	return false
}

func TestEvalMilvus_NegatedEqualityIsExistenceGuarded(t *testing.T) {
	out, err := MilvusSerializer{}.Serialize(Not(FieldEquals("security", "Confidential")))
	require.NoError(t, err)

	assert.True(t, evalMilvus(t, out, Document{Metadata: map[string]string{"security": "Public"}}))
	assert.False(t, evalMilvus(t, out, Document{Metadata: map[string]string{"security": "Confidential"}}))
	assert.False(t, evalMilvus(t, out, Document{}))
}

// assertBackendsAgree compiles criteria for every backend and checks each
// rendering against want over docs, alongside the logical expression.
func assertBackendsAgree(t *testing.T, criteria *Criteria, p Principal, docs map[string]Document, want map[string]bool) {
	t.Helper()
	expr, ok := BuildExpr(criteria, p)
	require.True(t, ok)

	milvusOut := compile(t, BackendMilvus, criteria, p)

	cortexOut := compile(t, BackendSnowflakeCortex, criteria, p)
	parsed, err := ParseCortex(cortexOut)
	require.NoError(t, err)

	var osTree map[string]any
	require.NoError(t, json.Unmarshal([]byte(compile(t, BackendOpenSearch, criteria, p)), &osTree))

	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, want[name], expr.Eval(doc), "logical")
			assert.Equal(t, want[name], evalMilvus(t, milvusOut, doc), "milvus")
			assert.Equal(t, want[name], parsed.Eval(doc), "cortex")
			assert.Equal(t, want[name], evalOpenSearch(t, osTree, doc), "opensearch")
		})
	}
}

func TestBackends_AgreeOnTruthTable(t *testing.T) {
	criteria := criteriaOf(
		row{key: "security", value: "Confidential", op: OperatorNotEquals},
		row{key: "dept", value: "hr", op: OperatorEquals},
		row{key: "dept", value: "finance", op: OperatorEquals},
	)
	p := Principal{User: "john", Groups: []string{"sales"}, UserEnforcement: true, GroupEnforcement: true}

	docs := map[string]Document{
		"no metadata, user listed": {
			Principals: map[string][]string{"users": {"john"}},
		},
		"allowed value": {
			Metadata:   map[string]string{"dept": "hr", "security": "Public"},
			Principals: map[string][]string{"groups": {"sales"}},
		},
		"security unset": {
			Metadata:   map[string]string{"dept": "finance"},
			Principals: map[string][]string{"users": {"john"}},
		},
		"denied value": {
			Metadata:   map[string]string{"dept": "hr", "security": "Confidential"},
			Principals: map[string][]string{"users": {"john"}},
		},
		"other dept": {
			Metadata:   map[string]string{"dept": "legal"},
			Principals: map[string][]string{"users": {"john"}},
		},
		"not a member": {
			Metadata:   map[string]string{"dept": "finance"},
			Principals: map[string][]string{"users": {"mary"}, "groups": {"eng"}},
		},
	}
	want := map[string]bool{
		"no metadata, user listed": true,
		"allowed value":            true,
		"security unset":           true,
		"denied value":             false,
		"other dept":               false,
		"not a member":             false,
	}

	assertBackendsAgree(t, criteria, p, docs, want)
}

func TestBackends_AgreeOnMixedOperatorsWithoutEnforcement(t *testing.T) {
	criteria := criteriaOf(
		row{key: "security", value: "Confidential", op: OperatorNotEquals},
		row{key: "security", value: "Internal", op: OperatorNotEquals},
		row{key: "region", value: "eu", op: OperatorEquals},
		row{key: "region", value: "us", op: OperatorNotEquals},
	)

	docs := map[string]Document{
		"empty document":     {},
		"public in eu":       {Metadata: map[string]string{"security": "Public", "region": "eu"}},
		"internal":           {Metadata: map[string]string{"security": "Internal"}},
		"confidential":       {Metadata: map[string]string{"security": "Confidential", "region": "eu"}},
		"us region":          {Metadata: map[string]string{"region": "us"}},
		"apac region":        {Metadata: map[string]string{"region": "apac"}},
		"quote in the value": {Metadata: map[string]string{"security": "it's public"}},
	}
	want := map[string]bool{
		"empty document":     true,
		"public in eu":       true,
		"internal":           false,
		"confidential":       false,
		"us region":          false,
		"apac region":        false,
		"quote in the value": true,
	}

	assertBackendsAgree(t, criteria, Principal{}, docs, want)
}
