package storage

import (
	"math"
	"sort"
)

const (
	DefaultPerPage = 50
	MaxPerPage     = 100
	// MaxPage keeps Page*PerPage inside int32 range.
	MaxPage        = math.MaxInt32/MaxPerPage - 1
)

// ListParams mirror the Auth0 management API list parameters. Page is zero based.
type ListParams struct {
	Page          int
	PerPage       int
	IncludeTotals bool
	Q             string
}

// Normalize clamps paging to sane bounds.
func (p ListParams) Normalize() ListParams {
	if p.Page < 0 {
		p.Page = 0
	}
	if p.Page > MaxPage {
		p.Page = MaxPage
	}
	if p.PerPage <= 0 {
		p.PerPage = DefaultPerPage
	}
	if p.PerPage > MaxPerPage {
		p.PerPage = MaxPerPage
	}
	return p
}

func (p ListParams) Offset() int { return p.Page * p.PerPage }

type ListResult[T any] struct {
	Items []T `json:"items"`
	Start int `json:"start"`
	Limit int `json:"limit"`
	// Total is only populated when IncludeTotals was requested.
	Total *int `json:"total,omitempty"`
}

// Paginate slices an already filtered, id-ordered set.
func Paginate[T any](all []T, p ListParams) ListResult[T] {
	p = p.Normalize()
	res := ListResult[T]{Start: p.Offset(), Limit: p.PerPage, Items: []T{}}
	if p.IncludeTotals {
		n := len(all)
		res.Total = &n
	}
	if res.Start >= len(all) {
		return res
	}
	end := len(all)
	if end-res.Start > p.PerPage {
		end = res.Start + p.PerPage
	}
	res.Items = append(res.Items, all[res.Start:end]...)
	return res
}

// SortByID orders items by the byte order of their id.
func SortByID[T any](items []T, id func(T) string) {
	sort.SliceStable(items, func(i, j int) bool { return id(items[i]) < id(items[j]) })
}
