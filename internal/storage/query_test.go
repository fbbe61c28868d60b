package storage

import (
	"errors"
	"testing"
	"time"
)

func TestParseQueryRejects(t *testing.T) {
	cases := []string{
		"password_hash:x",
		"email",
		"email:a OR email:b",
		"email:\"open",
		"created_at:[2024-01-01 TO 2024-02-01",
		"blocked:>true",
		"logins_count:abc",
		"NOT",
	}
	for _, q := range cases {
		if _, err := ParseQuery(EntityUsers, q); !errors.Is(err, ErrInvalidQuery) {
			t.Errorf("ParseQuery(%q) err = %v, want ErrInvalidQuery", q, err)
		}
	}
}

func TestQueryMatch(t *testing.T) {
	doc := map[string]any{
		"user_id":        "auth0|01",
		"email":          "ada@example.com",
		"name":           "Ada Lovelace",
		"email_verified": true,
		"blocked":        false,
		"logins_count":   float64(7),
		"created_at":     "2024-03-10T12:00:00Z",
	}
	cases := []struct {
		q    string
		want bool
	}{
		{"", true},
		{"email:ada@example.com", true},
		{`name:"Ada Lovelace"`, true},
		{"-email:ada@example.com", false},
		{"NOT blocked:true", true},
		{"email_verified:true AND blocked:false", true},
		{"email_verified:true blocked:true", false},
		{"logins_count:>=7", true},
		{"logins_count:>7", false},
		{"logins_count:[1 TO 7]", true},
		{"logins_count:{1 TO 7}", false},
		{"logins_count:[8 TO *]", false},
		{"created_at:>2024-03-01", true},
		{"created_at:[2024-01-01 TO 2024-03-10T12:00:00Z}", false},
		{"name:*", true},
		{"connection:*", false},
		{"-connection:*", true},
		{"connection:db", false},
		{"-connection:db", true},
	}
	for _, tc := range cases {
		q, err := ParseQuery(EntityUsers, tc.q)
		if err != nil {
			t.Fatalf("ParseQuery(%q): %v", tc.q, err)
		}
		if got := q.Match(doc); got != tc.want {
			t.Errorf("%q matched %v, want %v", tc.q, got, tc.want)
		}
	}
}

func TestEqQuotesValue(t *testing.T) {
	q, err := ParseQuery(EntityUsers, Eq("name", `say "hi" \o/`))
	if err != nil {
		t.Fatal(err)
	}
	if len(q.Clauses) != 1 || q.Clauses[0].Value != `say "hi" \o/` {
		t.Fatalf("unexpected clauses %+v", q.Clauses)
	}
}

func TestParseQueryTypesValues(t *testing.T) {
	q, err := ParseQuery(EntityCodes, "expires_at:<2030-01-01T00:00:00Z code_type:otp")
	if err != nil {
		t.Fatal(err)
	}
	if q.Clauses[0].Op != OpLt {
		t.Fatalf("op = %v", q.Clauses[0].Op)
	}
	if _, ok := q.Clauses[0].Value.(time.Time); !ok {
		t.Fatalf("expires_at value is %T", q.Clauses[0].Value)
	}
	if q.Clauses[1].Value != "otp" {
		t.Fatalf("code_type value = %v", q.Clauses[1].Value)
	}
}

func TestPaginate(t *testing.T) {
	all := []int{1, 2, 3, 4, 5}
	res := Paginate(all, ListParams{Page: 1, PerPage: 2, IncludeTotals: true})
	if res.Start != 2 || res.Limit != 2 || len(res.Items) != 2 || res.Items[0] != 3 {
		t.Fatalf("unexpected page %+v", res)
	}
	if res.Total == nil || *res.Total != 5 {
		t.Fatalf("total = %v", res.Total)
	}
	res = Paginate(all, ListParams{Page: 9})
	if len(res.Items) != 0 || res.Total != nil {
		t.Fatalf("past end page %+v", res)
	}
	if got := (ListParams{PerPage: 1000}).Normalize().PerPage; got != MaxPerPage {
		t.Fatalf("per_page clamp = %d", got)
	}
}
