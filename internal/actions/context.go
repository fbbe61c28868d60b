package actions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"keyline.org/internal/storage"
)

// Context is the state threaded through a pipeline. Step outputs are kept
// under Steps by step id and, when set, by alias.
type Context struct {
	TenantID   string                    `json:"tenant_id"`
	User       *storage.User             `json:"user,omitempty"`
	Client     *storage.Client           `json:"client,omitempty"`
	AuthParams storage.AuthParams        `json:"auth_params"`
	Steps      map[string]map[string]any `json:"steps,omitempty"`
}

func (c *Context) apply(step storage.ActionStep, user *storage.User, output map[string]any) {
	if user != nil {
		c.User = user
	}
	if c.Steps == nil {
		c.Steps = make(map[string]map[string]any)
	}
	c.Steps[step.ID] = output
	if step.Alias != "" {
		c.Steps[step.Alias] = output
	}
}

// clone returns a deep copy so handlers cannot mutate pipeline state.
func (c Context) clone() Context {
	raw, err := json.Marshal(c)
	if err != nil {
		return c
	}
	var out Context
	if err := json.Unmarshal(raw, &out); err != nil {
		return c
	}
	return out
}

// document is the template view: the JSON form of the context without secrets.
func (c Context) document() map[string]any {
	view := c
	if c.User != nil {
		u := *c.User
		u.PasswordHash = ""
		view.User = &u
	}
	if c.Client != nil {
		cl := *c.Client
		cl.ClientSecret = ""
		view.Client = &cl
	}
	raw, err := json.Marshal(view)
	if err != nil {
		return map[string]any{}
	}
	var doc map[string]any
	_ = json.Unmarshal(raw, &doc)
	return doc
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// render substitutes {{dotted.path}} references in every string of v. A value
// that is exactly one placeholder keeps the referenced value's type.
func render(v any, doc map[string]any) any {
	switch t := v.(type) {
	case string:
		if m := placeholder.FindStringSubmatch(t); m != nil && m[0] == strings.TrimSpace(t) {
			val, _ := lookup(doc, m[1])
			return val
		}
		return placeholder.ReplaceAllStringFunc(t, func(s string) string {
			m := placeholder.FindStringSubmatch(s)
			val, ok := lookup(doc, m[1])
			if !ok || val == nil {
				return ""
			}
			if str, isStr := val.(string); isStr {
				return str
			}
			raw, err := json.Marshal(val)
			if err != nil {
				return fmt.Sprint(val)
			}
			return string(raw)
		})
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = render(item, doc)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = render(item, doc)
		}
		return out
	default:
		return v
	}
}

// lookup resolves a dotted path. Step ids may contain dots, so "steps" takes
// the longest matching key.
func lookup(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for i := 0; i < len(parts); i++ {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		found := false
		for j := len(parts); j > i; j-- {
			if v, ok := m[strings.Join(parts[i:j], ".")]; ok {
				cur, i, found = v, j-1, true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	return cur, true
}

func paramString(params map[string]any, key, fallback string) string {
	if v, ok := params[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
			return fallback
		}
		return fmt.Sprint(v)
	}
	return fallback
}

func paramBool(params map[string]any, key string) (bool, bool) {
	switch v := params[key].(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	}
	return false, false
}

func paramStrings(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func paramMap(params map[string]any, key string) map[string]any {
	m, _ := params[key].(map[string]any)
	return m
}

func toInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		return int64(t), true
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	}
	return 0, false
}
