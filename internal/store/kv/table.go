package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"keyline.org/internal/storage"
)

const mgetBatch = 200

type unique struct {
	name   string
	fields []string
}

type tableSpec struct {
	idOf        func(doc map[string]any) string
	indexes     []string
	uniques     []unique
	expiryField string
}

type tableOption func(*tableSpec)

func withIndexes(fields ...string) tableOption {
	return func(s *tableSpec) { s.indexes = append(s.indexes, fields...) }
}

func withUnique(name string, fields ...string) tableOption {
	return func(s *tableSpec) { s.uniques = append(s.uniques, unique{name: name, fields: fields}) }
}

func withExpiry(field string) tableOption {
	return func(s *tableSpec) { s.expiryField = field }
}

func withID(fn func(doc map[string]any) string) tableOption {
	return func(s *tableSpec) { s.idOf = fn }
}

// table stores one entity type as JSON documents.
type table[T any, P any] struct {
	s      *Store
	entity string
	spec   tableSpec
}

func newTable[T any, P any](s *Store, entity, idField string, opts ...tableOption) *table[T, P] {
	spec := tableSpec{idOf: func(doc map[string]any) string { return docString(doc, idField) }}
	for _, opt := range opts {
		opt(&spec)
	}
	return &table[T, P]{s: s, entity: entity, spec: spec}
}

func (t *table[T, P]) docKey(tenantID, id string) string {
	return t.s.key(tenantID, t.entity, id)
}

func (t *table[T, P]) allKey(tenantID string) string {
	return t.s.key(tenantID, t.entity, "_all")
}

func (t *table[T, P]) indexKey(tenantID, field, value string) string {
	return t.s.key(tenantID, t.entity, "by", field, value)
}

func (t *table[T, P]) Create(ctx context.Context, tenantID string, v T) (T, error) {
	var zero T
	if err := requireTenant(tenantID); err != nil {
		return zero, err
	}
	if rec, ok := any(&v).(storage.Record); ok {
		if err := storage.Prepare(rec, tenantID, t.s.now()); err != nil {
			return zero, err
		}
	}
	raw, doc, err := encode(v)
	if err != nil {
		return zero, err
	}
	id := t.spec.idOf(doc)
	if id == "" {
		return zero, fmt.Errorf("%w: %s id is empty", storage.ErrInvalidInput, t.entity)
	}
	key := t.docKey(tenantID, id)
	uniq := t.uniqueKeys(tenantID, doc)
	watch := append([]string{key}, uniq...)

	err = t.s.tx(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, watch...).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s %s already exists", storage.ErrConflict, t.entity, id)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			t.expire(ctx, pipe, key, doc)
			pipe.ZAdd(ctx, t.allKey(tenantID), redis.Z{Score: 0, Member: id})
			for _, field := range t.spec.indexes {
				if val := docString(doc, field); val != "" {
					pipe.SAdd(ctx, t.indexKey(tenantID, field, val), id)
				}
			}
			for _, uk := range uniq {
				pipe.Set(ctx, uk, id, 0)
			}
			return nil
		})
		return err
	}, watch...)
	if err != nil {
		return zero, err
	}
	return v, nil
}

func (t *table[T, P]) Get(ctx context.Context, tenantID, id string) (*T, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	raw, err := t.s.rdb.Get(ctx, t.docKey(tenantID, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, backendErr(err)
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("kv: decode %s %s: %w", t.entity, id, err)
	}
	return &v, nil
}

func (t *table[T, P]) List(ctx context.Context, tenantID string, params storage.ListParams) (storage.ListResult[T], error) {
	var res storage.ListResult[T]
	if err := requireTenant(tenantID); err != nil {
		return res, err
	}
	q, err := storage.ParseQuery(t.entity, params.Q)
	if err != nil {
		return res, err
	}
	ids, source, err := t.candidates(ctx, tenantID, q)
	if err != nil {
		return res, err
	}

	var (
		items []T
		stale []string
	)
	for start := 0; start < len(ids); start += mgetBatch {
		end := start + mgetBatch
		if end > len(ids) {
			end = len(ids)
		}
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, t.docKey(tenantID, id))
		}
		vals, err := t.s.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return res, backendErr(err)
		}
		for i, val := range vals {
			s, ok := val.(string)
			if !ok {
				stale = append(stale, ids[start+i])
				continue
			}
			var doc map[string]any
			if err := json.Unmarshal([]byte(s), &doc); err != nil {
				return res, fmt.Errorf("kv: decode %s: %w", t.entity, err)
			}
			if !q.Match(doc) {
				continue
			}
			var v T
			if err := json.Unmarshal([]byte(s), &v); err != nil {
				return res, fmt.Errorf("kv: decode %s: %w", t.entity, err)
			}
			items = append(items, v)
		}
	}
	if len(stale) > 0 {
		t.prune(ctx, tenantID, source, stale)
	}
	return storage.Paginate(items, params), nil
}

// candidates narrows the scan through a secondary index when the query pins an
// indexed field, and otherwise walks the listing set. Ids come back in byte order.
func (t *table[T, P]) candidates(ctx context.Context, tenantID string, q storage.Query) ([]string, string, error) {
	for _, c := range q.Clauses {
		if c.Negate || c.Op != storage.OpEq || c.Kind != storage.KindString || !t.indexed(c.Field) {
			continue
		}
		key := t.indexKey(tenantID, c.Field, c.Value.(string))
		ids, err := t.s.rdb.SMembers(ctx, key).Result()
		if err != nil {
			return nil, "", backendErr(err)
		}
		sort.Strings(ids)
		return ids, key, nil
	}
	key := t.allKey(tenantID)
	ids, err := t.s.rdb.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, "", backendErr(err)
	}
	return ids, key, nil
}

func (t *table[T, P]) prune(ctx context.Context, tenantID, source string, ids []string) {
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, _ = t.s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, t.allKey(tenantID), members...)
		if source != t.allKey(tenantID) {
			pipe.SRem(ctx, source, members...)
		}
		return nil
	})
}

func (t *table[T, P]) Update(ctx context.Context, tenantID, id string, patch P) (bool, error) {
	return t.updateIf(ctx, tenantID, id, patch, nil)
}

// updateIf is Update with a precondition checked on the watched document.
// A failed guard reports false like a missing row.
func (t *table[T, P]) updateIf(ctx context.Context, tenantID, id string, patch P, guard func(cur T) bool) (bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return false, err
	}
	key := t.docKey(tenantID, id)
	found := false

	err := t.s.tx(ctx, func(tx *redis.Tx) error {
		found = false
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var cur T
		if err := json.Unmarshal(raw, &cur); err != nil {
			return fmt.Errorf("kv: decode %s %s: %w", t.entity, id, err)
		}
		if guard != nil && !guard(cur) {
			return nil
		}
		var old map[string]any
		if err := json.Unmarshal(raw, &old); err != nil {
			return fmt.Errorf("kv: decode %s %s: %w", t.entity, id, err)
		}
		v, err := storage.Merge(cur, patch, t.s.now())
		if err != nil {
			return err
		}
		newRaw, doc, err := encode(v)
		if err != nil {
			return err
		}

		oldUniq, newUniq := t.uniqueKeys(tenantID, old), t.uniqueKeys(tenantID, doc)
		added, removed := diff(newUniq, oldUniq), diff(oldUniq, newUniq)
		if len(added) > 0 {
			if err := tx.Watch(ctx, added...).Err(); err != nil {
				return err
			}
			n, err := tx.Exists(ctx, added...).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: %s %s collides on a unique field", storage.ErrConflict, t.entity, id)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newRaw, 0)
			t.expire(ctx, pipe, key, doc)
			for _, field := range t.spec.indexes {
				before, after := docString(old, field), docString(doc, field)
				if before == after {
					continue
				}
				if before != "" {
					pipe.SRem(ctx, t.indexKey(tenantID, field, before), id)
				}
				if after != "" {
					pipe.SAdd(ctx, t.indexKey(tenantID, field, after), id)
				}
			}
			for _, uk := range removed {
				pipe.Del(ctx, uk)
			}
			for _, uk := range added {
				pipe.Set(ctx, uk, id, 0)
			}
			return nil
		})
		if err != nil {
			return err
		}
		found = true
		return nil
	}, key)
	if err != nil {
		return false, err
	}
	return found, nil
}

func (t *table[T, P]) Remove(ctx context.Context, tenantID, id string) (bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return false, err
	}
	key := t.docKey(tenantID, id)
	existed := false

	err := t.s.tx(ctx, func(tx *redis.Tx) error {
		existed = false
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("kv: decode %s %s: %w", t.entity, id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, t.allKey(tenantID), id)
			for _, field := range t.spec.indexes {
				if val := docString(doc, field); val != "" {
					pipe.SRem(ctx, t.indexKey(tenantID, field, val), id)
				}
			}
			for _, uk := range t.uniqueKeys(tenantID, doc) {
				pipe.Del(ctx, uk)
			}
			return nil
		})
		if err != nil {
			return err
		}
		existed = true
		return nil
	}, key)
	if err != nil {
		return false, err
	}
	return existed, nil
}

func (t *table[T, P]) indexed(field string) bool {
	for _, f := range t.spec.indexes {
		if f == field {
			return true
		}
	}
	return false
}

func (t *table[T, P]) uniqueKeys(tenantID string, doc map[string]any) []string {
	var out []string
	for _, u := range t.spec.uniques {
		vals := make([]string, 0, len(u.fields))
		for _, f := range u.fields {
			v := docString(doc, f)
			if v == "" {
				vals = nil
				break
			}
			vals = append(vals, v)
		}
		if len(vals) == 0 {
			continue
		}
		out = append(out, t.s.key(tenantID, t.entity, "uq", u.name, strings.Join(vals, "|")))
	}
	return out
}

func (t *table[T, P]) expire(ctx context.Context, pipe redis.Pipeliner, key string, doc map[string]any) {
	if t.spec.expiryField == "" {
		return
	}
	at, err := time.Parse(time.RFC3339Nano, docString(doc, t.spec.expiryField))
	if err != nil {
		return
	}
	pipe.PExpireAt(ctx, key, at.Add(retention))
}

// tx runs fn under WATCH on keys, retrying when a concurrent writer wins.
func (s *Store) tx(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return backendErr(err)
	}
	return storage.Unavailable(fmt.Errorf("kv: contention on %s", keys[0]))
}

func encode(v any) ([]byte, map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, err
	}
	return raw, doc, nil
}

func docString(doc map[string]any, field string) string {
	switch v := doc[field].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func diff(a, b []string) []string {
	var out []string
	for _, x := range a {
		found := false
		for _, y := range b {
			if x == y {
				found = true
				break
			}
		}
		if !found {
			out = append(out, x)
		}
	}
	return out
}

type sessionTable struct {
	*table[storage.LoginSession, storage.LoginSessionPatch]
}

func (st sessionTable) Transition(ctx context.Context, tenantID, id string, from storage.PipelineState, patch storage.LoginSessionPatch) (bool, error) {
	return st.updateIf(ctx, tenantID, id, patch, func(cur storage.LoginSession) bool {
		return cur.PipelineState.Equal(from)
	})
}

type tenantTable struct {
	t *table[storage.Tenant, storage.TenantPatch]
}

func (tt *tenantTable) Create(ctx context.Context, v storage.Tenant) (storage.Tenant, error) {
	return tt.t.Create(ctx, globalScope, v)
}

func (tt *tenantTable) Get(ctx context.Context, id string) (*storage.Tenant, error) {
	return tt.t.Get(ctx, globalScope, id)
}

func (tt *tenantTable) List(ctx context.Context, params storage.ListParams) (storage.ListResult[storage.Tenant], error) {
	return tt.t.List(ctx, globalScope, params)
}

func (tt *tenantTable) Update(ctx context.Context, id string, patch storage.TenantPatch) (bool, error) {
	return tt.t.Update(ctx, globalScope, id, patch)
}

func (tt *tenantTable) Remove(ctx context.Context, id string) (bool, error) {
	return tt.t.Remove(ctx, globalScope, id)
}
