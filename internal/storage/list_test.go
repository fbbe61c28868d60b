package storage

import "testing"

func TestNormalizeClampsPaging(t *testing.T) {
	p := ListParams{Page: 1 << 57, PerPage: 1000}.Normalize()
	if p.Page != MaxPage || p.PerPage != MaxPerPage {
		t.Fatalf("got page=%d per_page=%d", p.Page, p.PerPage)
	}
	if p.Offset() < 0 {
		t.Fatalf("offset overflowed: %d", p.Offset())
	}
	p = ListParams{Page: -3}.Normalize()
	if p.Page != 0 || p.PerPage != DefaultPerPage {
		t.Fatalf("got page=%d per_page=%d", p.Page, p.PerPage)
	}
}

func TestPaginateHugePage(t *testing.T) {
	res := Paginate([]int{1, 2, 3}, ListParams{Page: 1 << 57, PerPage: 100, IncludeTotals: true})
	if len(res.Items) != 0 {
		t.Fatalf("expected empty page, got %v", res.Items)
	}
	if res.Total == nil || *res.Total != 3 {
		t.Fatalf("total not reported")
	}
}

func TestPaginateWindows(t *testing.T) {
	all := []int{1, 2, 3, 4, 5}
	res := Paginate(all, ListParams{Page: 1, PerPage: 2})
	if len(res.Items) != 2 || res.Items[0] != 3 || res.Start != 2 {
		t.Fatalf("page 1: %+v", res)
	}
	res = Paginate(all, ListParams{Page: 2, PerPage: 2})
	if len(res.Items) != 1 || res.Items[0] != 5 {
		t.Fatalf("page 2: %+v", res)
	}
}
