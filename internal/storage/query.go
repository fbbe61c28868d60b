package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// FieldKind decides how query values are parsed and compared.
type FieldKind int

const (
	KindString FieldKind = iota
	KindBool
	KindInt
	KindTime
)

// FilterFields whitelists the fields each entity can be filtered on.
var FilterFields = map[string]map[string]FieldKind{
	EntityTenants: {"id": KindString, "name": KindString},
	EntityUsers: {
		"user_id": KindString, "email": KindString, "connection": KindString, "name": KindString,
		"email_verified": KindBool, "blocked": KindBool, "logins_count": KindInt, "created_at": KindTime,
	},
	EntityClients:       {"client_id": KindString, "name": KindString, "app_type": KindString, "is_first_party": KindBool},
	EntityLoginSessions: {"id": KindString, "client_id": KindString, "created_at": KindTime, "expires_at": KindTime},
	EntityCodes: {
		"code_id": KindString, "code_type": KindString, "user_id": KindString, "login_id": KindString,
		"expires_at": KindTime,
	},
	EntityFlows:           {"id": KindString, "name": KindString},
	EntityHooks:           {"hook_id": KindString, "trigger_id": KindString, "flow_id": KindString, "enabled": KindBool, "priority": KindInt},
	EntityResourceServers: {"id": KindString, "identifier": KindString, "name": KindString},
	EntityClientGrants:    {"id": KindString, "client_id": KindString, "audience": KindString},
	EntityRoles:           {"id": KindString, "name": KindString},
	EntityRefreshTokens:   {"id": KindString, "client_id": KindString, "user_id": KindString, "audience": KindString},
}

type Op int

const (
	OpEq Op = iota
	OpGt
	OpGte
	OpLt
	OpLte
	OpRange
	OpExists
)

// Clause is one parsed filter term. Values are typed per the field kind:
// string, bool, int64 or time.Time. Range bounds are nil when open.
type Clause struct {
	Field       string
	Kind        FieldKind
	Op          Op
	Negate      bool
	Value       any
	Low, High   any
	IncludeLow  bool
	IncludeHigh bool
}

// Query is a conjunction of clauses. The zero Query matches everything.
type Query struct {
	Clauses []Clause
}

// ParseQuery parses q against the filter fields of entity.
func ParseQuery(entity, q string) (Query, error) {
	fields, ok := FilterFields[entity]
	if !ok {
		return Query{}, fmt.Errorf("%w: entity %q is not filterable", ErrInvalidQuery, entity)
	}
	terms, err := splitTerms(q)
	if err != nil {
		return Query{}, err
	}
	var out Query
	negateNext := false
	for _, t := range terms {
		switch t {
		case "AND", "&&":
			continue
		case "NOT":
			negateNext = !negateNext
			continue
		case "OR", "||":
			return Query{}, fmt.Errorf("%w: OR is not supported", ErrInvalidQuery)
		}
		c, err := parseClause(t, fields)
		if err != nil {
			return Query{}, err
		}
		if negateNext {
			c.Negate = !c.Negate
			negateNext = false
		}
		out.Clauses = append(out.Clauses, c)
	}
	if negateNext {
		return Query{}, fmt.Errorf("%w: dangling NOT", ErrInvalidQuery)
	}
	return out, nil
}

// Eq renders an exact-match clause with the value quoted.
func Eq(field, value string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return field + `:"` + r.Replace(value) + `"`
}

// And joins clauses into one query string.
func And(clauses ...string) string {
	return strings.Join(clauses, " AND ")
}

func splitTerms(q string) ([]string, error) {
	var (
		terms   []string
		cur     strings.Builder
		inQuote bool
		escaped bool
		depth   int
	)
	flush := func() {
		if cur.Len() > 0 {
			terms = append(terms, cur.String())
			cur.Reset()
		}
	}
	for _, r := range q {
		switch {
		case escaped:
			escaped = false
		case inQuote && r == '\\':
			escaped = true
		case r == '"':
			inQuote = !inQuote
		case inQuote:
		case r == '[' || r == '{':
			depth++
		case r == ']' || r == '}':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("%w: unbalanced range", ErrInvalidQuery)
			}
		case unicode.IsSpace(r) && depth == 0:
			flush()
			continue
		}
		cur.WriteRune(r)
	}
	if inQuote {
		return nil, fmt.Errorf("%w: unterminated quote", ErrInvalidQuery)
	}
	if depth != 0 {
		return nil, fmt.Errorf("%w: unbalanced range", ErrInvalidQuery)
	}
	flush()
	return terms, nil
}

func parseClause(term string, fields map[string]FieldKind) (Clause, error) {
	var c Clause
	if strings.HasPrefix(term, "-") {
		c.Negate = true
		term = term[1:]
	}
	field, raw, ok := strings.Cut(term, ":")
	if !ok || field == "" {
		return c, fmt.Errorf("%w: expected field:value, got %q", ErrInvalidQuery, term)
	}
	kind, ok := fields[field]
	if !ok {
		return c, fmt.Errorf("%w: unknown field %q", ErrInvalidQuery, field)
	}
	c.Field, c.Kind = field, kind
	if raw == "" {
		return c, fmt.Errorf("%w: empty value for %q", ErrInvalidQuery, field)
	}

	var err error
	switch {
	case raw == "*":
		c.Op = OpExists
	case raw[0] == '[' || raw[0] == '{':
		c.Op = OpRange
		err = c.parseRange(raw)
	case strings.HasPrefix(raw, ">="):
		c.Op = OpGte
		c.Value, err = parseValue(kind, raw[2:])
	case strings.HasPrefix(raw, "<="):
		c.Op = OpLte
		c.Value, err = parseValue(kind, raw[2:])
	case raw[0] == '>':
		c.Op = OpGt
		c.Value, err = parseValue(kind, raw[1:])
	case raw[0] == '<':
		c.Op = OpLt
		c.Value, err = parseValue(kind, raw[1:])
	default:
		c.Op = OpEq
		c.Value, err = parseValue(kind, raw)
	}
	if err != nil {
		return c, err
	}
	if kind == KindBool && c.Op != OpEq && c.Op != OpExists {
		return c, fmt.Errorf("%w: %q only supports equality", ErrInvalidQuery, field)
	}
	return c, nil
}

func (c *Clause) parseRange(raw string) error {
	closer := raw[len(raw)-1]
	if closer != ']' && closer != '}' {
		return fmt.Errorf("%w: malformed range %q", ErrInvalidQuery, raw)
	}
	c.IncludeLow = raw[0] == '['
	c.IncludeHigh = closer == ']'
	lo, hi, ok := strings.Cut(raw[1:len(raw)-1], " TO ")
	if !ok {
		return fmt.Errorf("%w: range needs TO in %q", ErrInvalidQuery, raw)
	}
	var err error
	if lo = strings.TrimSpace(lo); lo != "*" {
		if c.Low, err = parseValue(c.Kind, lo); err != nil {
			return err
		}
	}
	if hi = strings.TrimSpace(hi); hi != "*" {
		if c.High, err = parseValue(c.Kind, hi); err != nil {
			return err
		}
	}
	return nil
}

func parseValue(kind FieldKind, raw string) (any, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidQuery)
	}
	if raw[0] == '"' {
		s, err := strconv.Unquote(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: bad quoted value %s", ErrInvalidQuery, raw)
		}
		raw = s
	}
	switch kind {
	case KindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a boolean", ErrInvalidQuery, raw)
		}
		return b, nil
	case KindInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an integer", ErrInvalidQuery, raw)
		}
		return n, nil
	case KindTime:
		return parseTime(raw)
	default:
		return raw, nil
	}
}

func parseTime(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q is not a timestamp", ErrInvalidQuery, raw)
}

// Match evaluates the query against a JSON-decoded document.
func (q Query) Match(doc map[string]any) bool {
	for _, c := range q.Clauses {
		if c.match(doc) == c.Negate {
			return false
		}
	}
	return true
}

func (c Clause) match(doc map[string]any) bool {
	raw, present := doc[c.Field]
	if c.Op == OpExists {
		if !present || raw == nil {
			return false
		}
		s, isString := raw.(string)
		return !isString || s != ""
	}
	v, ok := docValue(c.Kind, raw)
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return compare(c.Kind, v, c.Value) == 0
	case OpGt:
		return compare(c.Kind, v, c.Value) > 0
	case OpGte:
		return compare(c.Kind, v, c.Value) >= 0
	case OpLt:
		return compare(c.Kind, v, c.Value) < 0
	case OpLte:
		return compare(c.Kind, v, c.Value) <= 0
	case OpRange:
		if c.Low != nil {
			n := compare(c.Kind, v, c.Low)
			if n < 0 || (n == 0 && !c.IncludeLow) {
				return false
			}
		}
		if c.High != nil {
			n := compare(c.Kind, v, c.High)
			if n > 0 || (n == 0 && !c.IncludeHigh) {
				return false
			}
		}
		return true
	}
	return false
}

func docValue(kind FieldKind, raw any) (any, bool) {
	switch kind {
	case KindBool:
		b, ok := raw.(bool)
		if raw == nil {
			return false, true
		}
		return b, ok
	case KindInt:
		switch n := raw.(type) {
		case float64:
			return int64(n), true
		case nil:
			return int64(0), true
		}
		return nil, false
	case KindTime:
		s, ok := raw.(string)
		if !ok || s == "" {
			return nil, false
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, false
		}
		return t, true
	default:
		switch s := raw.(type) {
		case string:
			return s, true
		case nil:
			return "", true
		}
		return nil, false
	}
}

func compare(kind FieldKind, a, b any) int {
	switch kind {
	case KindBool:
		x, y := a.(bool), b.(bool)
		if x == y {
			return 0
		}
		if !x {
			return -1
		}
		return 1
	case KindInt:
		x, y := a.(int64), b.(int64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case KindTime:
		return a.(time.Time).Compare(b.(time.Time))
	default:
		return strings.Compare(a.(string), b.(string))
	}
}
