package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// Merge overlays the set fields of patch onto cur and revalidates the result.
// Patch types use pointer fields with omitempty, so an absent field leaves the
// current value alone.
func Merge[T any](cur T, patch any, now time.Time) (T, error) {
	var zero T
	base, err := toDoc(cur)
	if err != nil {
		return zero, err
	}
	over, err := toDoc(patch)
	if err != nil {
		return zero, err
	}
	for k, v := range over {
		base[k] = v
	}
	if _, ok := base["updated_at"]; ok {
		base["updated_at"] = now.UTC()
	}
	raw, err := json.Marshal(base)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, fmt.Errorf("storage: merge: %w", err)
	}
	if rec, ok := any(&out).(Record); ok {
		if err := rec.Validate(); err != nil {
			return zero, err
		}
	}
	return out, nil
}

func toDoc(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
