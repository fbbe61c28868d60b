package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"keyline.org/internal/storage"
)

type scanner interface {
	Scan(dest ...any) error
}

// mapper binds an entity to its table. values and scan follow columns order.
type mapper[T any] struct {
	table   string
	entity  string
	scoped  bool
	columns []string
	// filter maps query fields whose column name differs.
	filter map[string]string
	values func(*T) ([]any, error)
	scan   func(scanner) (T, error)
}

func (m mapper[T]) column(field string) string {
	if col, ok := m.filter[field]; ok {
		return col
	}
	return field
}

func (m mapper[T]) selectList() string {
	return strings.Join(m.columns, ", ")
}

type table[T any, P any] struct {
	s *Store
	m mapper[T]
}

func newTable[T any, P any](s *Store, m mapper[T]) *table[T, P] {
	return &table[T, P]{s: s, m: m}
}

// key renders the primary key predicate starting at placeholder $1.
func (t *table[T, P]) key(tenantID, id string) (string, []any) {
	if t.m.scoped {
		return "tenant_id = $1 and id = $2", []any{tenantID, id}
	}
	return "id = $1", []any{id}
}

func (t *table[T, P]) checkTenant(tenantID string) error {
	if !t.m.scoped {
		return nil
	}
	return requireTenant(tenantID)
}

func (t *table[T, P]) Create(ctx context.Context, tenantID string, v T) (T, error) {
	var zero T
	if err := t.checkTenant(tenantID); err != nil {
		return zero, err
	}
	if rec, ok := any(&v).(storage.Record); ok {
		if err := storage.Prepare(rec, tenantID, t.s.now()); err != nil {
			return zero, err
		}
	}
	args, err := t.m.values(&v)
	if err != nil {
		return zero, err
	}
	marks := make([]string, len(args))
	for i := range args {
		marks[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf(`insert into %s (%s) values (%s)`, t.m.table, t.m.selectList(), strings.Join(marks, ", "))
	if _, err := t.s.db.ExecContext(ctx, query, args...); err != nil {
		return zero, dbErr(err)
	}
	return v, nil
}

func (t *table[T, P]) Get(ctx context.Context, tenantID, id string) (*T, error) {
	if err := t.checkTenant(tenantID); err != nil {
		return nil, err
	}
	where, args := t.key(tenantID, id)
	row := t.s.db.QueryRowContext(ctx, fmt.Sprintf(`select %s from %s where %s`, t.m.selectList(), t.m.table, where), args...)
	v, err := t.m.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr(err)
	}
	return &v, nil
}

func (t *table[T, P]) List(ctx context.Context, tenantID string, params storage.ListParams) (storage.ListResult[T], error) {
	var res storage.ListResult[T]
	if err := t.checkTenant(tenantID); err != nil {
		return res, err
	}
	q, err := storage.ParseQuery(t.m.entity, params.Q)
	if err != nil {
		return res, err
	}
	params = params.Normalize()

	var (
		conds []string
		args  []any
	)
	if t.m.scoped {
		conds = append(conds, "tenant_id = $1")
		args = append(args, tenantID)
	}
	conds, args = compile(q, t.m.column, conds, args)
	where := "true"
	if len(conds) > 0 {
		where = strings.Join(conds, " and ")
	}

	if params.IncludeTotals {
		var total int
		if err := t.s.db.QueryRowContext(ctx, fmt.Sprintf(`select count(*) from %s where %s`, t.m.table, where), args...).Scan(&total); err != nil {
			return res, dbErr(err)
		}
		res.Total = &total
	}

	query := fmt.Sprintf(`select %s from %s where %s order by id collate "C" limit $%d offset $%d`,
		t.m.selectList(), t.m.table, where, len(args)+1, len(args)+2)
	rows, err := t.s.db.QueryContext(ctx, query, append(args, params.PerPage, params.Offset())...)
	if err != nil {
		return res, dbErr(err)
	}
	defer rows.Close()

	res.Items = []T{}
	for rows.Next() {
		v, err := t.m.scan(rows)
		if err != nil {
			return res, dbErr(err)
		}
		res.Items = append(res.Items, v)
	}
	if err := rows.Err(); err != nil {
		return res, dbErr(err)
	}
	res.Start = params.Offset()
	res.Limit = params.PerPage
	return res, nil
}

// Update locks the row, merges the patch in Go and writes every mutable column back.
func (t *table[T, P]) Update(ctx context.Context, tenantID, id string, patch P) (bool, error) {
	return t.updateIf(ctx, tenantID, id, patch, nil)
}

// updateIf is Update with a precondition checked on the locked row.
// A failed guard reports false like a missing row.
func (t *table[T, P]) updateIf(ctx context.Context, tenantID, id string, patch P, guard func(cur T) bool) (bool, error) {
	if err := t.checkTenant(tenantID); err != nil {
		return false, err
	}
	tx, err := t.s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, dbErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	where, keyArgs := t.key(tenantID, id)
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`select %s from %s where %s for update`, t.m.selectList(), t.m.table, where), keyArgs...)
	cur, err := t.m.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, dbErr(err)
	}
	if guard != nil && !guard(cur) {
		return false, nil
	}
	next, err := storage.Merge(cur, patch, t.s.now())
	if err != nil {
		return false, err
	}
	vals, err := t.m.values(&next)
	if err != nil {
		return false, err
	}

	var (
		sets []string
		args = append([]any{}, keyArgs...)
		idx  = len(keyArgs) + 1
	)
	for i, col := range t.m.columns {
		switch col {
		case "tenant_id", "id", "type", "created_at":
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, vals[i])
		idx++
	}
	query := fmt.Sprintf(`update %s set %s where %s`, t.m.table, strings.Join(sets, ", "), where)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return false, dbErr(err)
	}
	if err := tx.Commit(); err != nil {
		return false, dbErr(err)
	}
	return true, nil
}

func (t *table[T, P]) Remove(ctx context.Context, tenantID, id string) (bool, error) {
	if err := t.checkTenant(tenantID); err != nil {
		return false, err
	}
	where, args := t.key(tenantID, id)
	res, err := t.s.db.ExecContext(ctx, fmt.Sprintf(`delete from %s where %s`, t.m.table, where), args...)
	if err != nil {
		return false, dbErr(err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, dbErr(err)
	}
	return aff > 0, nil
}

type sessionTable struct {
	*table[storage.LoginSession, storage.LoginSessionPatch]
}

func (st sessionTable) Transition(ctx context.Context, tenantID, id string, from storage.PipelineState, patch storage.LoginSessionPatch) (bool, error) {
	return st.updateIf(ctx, tenantID, id, patch, func(cur storage.LoginSession) bool {
		return cur.PipelineState.Equal(from)
	})
}

type tenantStore struct {
	t *table[storage.Tenant, storage.TenantPatch]
}

func (ts *tenantStore) Create(ctx context.Context, v storage.Tenant) (storage.Tenant, error) {
	return ts.t.Create(ctx, "", v)
}

func (ts *tenantStore) Get(ctx context.Context, id string) (*storage.Tenant, error) {
	return ts.t.Get(ctx, "", id)
}

func (ts *tenantStore) List(ctx context.Context, params storage.ListParams) (storage.ListResult[storage.Tenant], error) {
	return ts.t.List(ctx, "", params)
}

func (ts *tenantStore) Update(ctx context.Context, id string, patch storage.TenantPatch) (bool, error) {
	return ts.t.Update(ctx, "", id, patch)
}

func (ts *tenantStore) Remove(ctx context.Context, id string) (bool, error) {
	return ts.t.Remove(ctx, "", id)
}
