package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"keyline.org/internal/storage"
)

type codeStore struct {
	t *table[storage.Code, struct{}]
}

func (c *codeStore) Create(ctx context.Context, tenantID string, code storage.Code) (storage.Code, error) {
	return c.t.Create(ctx, tenantID, code)
}

func (c *codeStore) List(ctx context.Context, tenantID string, params storage.ListParams) (storage.ListResult[storage.Code], error) {
	return c.t.List(ctx, tenantID, params)
}

func (c *codeStore) Get(ctx context.Context, tenantID, id string, typ storage.CodeType) (*storage.Code, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	row := c.t.s.db.QueryRowContext(ctx, fmt.Sprintf(`
		select %s from codes
		where tenant_id = $1 and id = $2 and type = $3
	`, codeMapper.selectList()), tenantID, id, string(typ))
	code, err := codeMapper.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr(err)
	}
	return &code, nil
}

func (c *codeStore) Remove(ctx context.Context, tenantID, id string, typ storage.CodeType) (bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return false, err
	}
	res, err := c.t.s.db.ExecContext(ctx, `delete from codes where tenant_id = $1 and id = $2 and type = $3`, tenantID, id, string(typ))
	if err != nil {
		return false, dbErr(err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, dbErr(err)
	}
	return aff > 0, nil
}

// Consume is a single conditional update. When it matches nothing a follow-up
// read explains why; the read is advisory since the write already decided.
func (c *codeStore) Consume(ctx context.Context, tenantID, id string, typ storage.CodeType, now time.Time) (storage.Code, error) {
	if err := requireTenant(tenantID); err != nil {
		return storage.Code{}, err
	}
	now = now.UTC()
	row := c.t.s.db.QueryRowContext(ctx, fmt.Sprintf(`
		update codes set used_at = $4
		where tenant_id = $1 and id = $2 and type = $3 and used_at is null and expires_at > $4
		returning %s
	`, codeMapper.selectList()), tenantID, id, string(typ), now)
	code, err := codeMapper.scan(row)
	if err == nil {
		return code, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return storage.Code{}, dbErr(err)
	}

	var used sql.NullTime
	err = c.t.s.db.QueryRowContext(ctx, `
		select used_at from codes where tenant_id = $1 and id = $2 and type = $3
	`, tenantID, id, string(typ)).Scan(&used)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return storage.Code{}, storage.ErrCodeNotFound
	case err != nil:
		return storage.Code{}, dbErr(err)
	case used.Valid:
		return storage.Code{}, storage.ErrCodeUsed
	default:
		return storage.Code{}, storage.ErrCodeExpired
	}
}
