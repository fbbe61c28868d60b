package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"keyline.org/internal/storage"
)

// codes are keyed by id and type together.
func codeMember(doc map[string]any) string {
	id, typ := docString(doc, "code_id"), docString(doc, "code_type")
	if id == "" || typ == "" {
		return ""
	}
	return codeKey(id, storage.CodeType(typ))
}

func codeKey(id string, typ storage.CodeType) string {
	return id + ":" + string(typ)
}

type codeTable struct {
	t *table[storage.Code, struct{}]
}

func (c *codeTable) Create(ctx context.Context, tenantID string, code storage.Code) (storage.Code, error) {
	return c.t.Create(ctx, tenantID, code)
}

func (c *codeTable) Get(ctx context.Context, tenantID, id string, typ storage.CodeType) (*storage.Code, error) {
	return c.t.Get(ctx, tenantID, codeKey(id, typ))
}

func (c *codeTable) List(ctx context.Context, tenantID string, params storage.ListParams) (storage.ListResult[storage.Code], error) {
	return c.t.List(ctx, tenantID, params)
}

func (c *codeTable) Remove(ctx context.Context, tenantID, id string, typ storage.CodeType) (bool, error) {
	return c.t.Remove(ctx, tenantID, codeKey(id, typ))
}

// Consume flips used_at under WATCH. A concurrent consumer invalidates the
// transaction and the retry observes the code as used.
func (c *codeTable) Consume(ctx context.Context, tenantID, id string, typ storage.CodeType, now time.Time) (storage.Code, error) {
	var out storage.Code
	if err := requireTenant(tenantID); err != nil {
		return out, err
	}
	key := c.t.docKey(tenantID, codeKey(id, typ))

	err := c.t.s.tx(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return storage.ErrCodeNotFound
		}
		if err != nil {
			return err
		}
		var code storage.Code
		if err := json.Unmarshal(raw, &code); err != nil {
			return fmt.Errorf("kv: decode code: %w", err)
		}
		if code.UsedAt != nil {
			return storage.ErrCodeUsed
		}
		if !code.ExpiresAt.After(now) {
			return storage.ErrCodeExpired
		}
		used := now.UTC()
		code.UsedAt = &used
		b, err := json.Marshal(code)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, redis.KeepTTL)
			return nil
		})
		if err != nil {
			return err
		}
		out = code
		return nil
	}, key)
	if err != nil {
		return storage.Code{}, err
	}
	return out, nil
}
