package pg

import (
	"fmt"
	"strings"

	"keyline.org/internal/storage"
)

// compile appends one predicate per clause. Each predicate is coalesced so that
// null columns behave like absent document fields in the key-value backend.
func compile(q storage.Query, column func(string) string, conds []string, args []any) ([]string, []any) {
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	for _, c := range q.Clauses {
		col := column(c.Field)
		ordered := col
		if c.Kind == storage.KindString {
			ordered = col + ` collate "C"`
		}

		var expr string
		switch c.Op {
		case storage.OpExists:
			if c.Kind == storage.KindString {
				expr = col + " <> ''"
			} else {
				expr = col + " is not null"
			}
		case storage.OpEq:
			expr = col + " = " + arg(c.Value)
		case storage.OpGt:
			expr = ordered + " > " + arg(c.Value)
		case storage.OpGte:
			expr = ordered + " >= " + arg(c.Value)
		case storage.OpLt:
			expr = ordered + " < " + arg(c.Value)
		case storage.OpLte:
			expr = ordered + " <= " + arg(c.Value)
		case storage.OpRange:
			var parts []string
			if c.Low != nil {
				op := ">"
				if c.IncludeLow {
					op = ">="
				}
				parts = append(parts, ordered+" "+op+" "+arg(c.Low))
			}
			if c.High != nil {
				op := "<"
				if c.IncludeHigh {
					op = "<="
				}
				parts = append(parts, ordered+" "+op+" "+arg(c.High))
			}
			if len(parts) == 0 {
				parts = append(parts, col+" is not null")
			}
			expr = strings.Join(parts, " and ")
		}

		pred := "coalesce((" + expr + "), false)"
		if c.Negate {
			pred = "not " + pred
		}
		conds = append(conds, pred)
	}
	return conds, args
}
