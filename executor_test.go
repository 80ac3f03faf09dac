package tabular

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestExecutorExecuteParsesContentRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "0-1/42")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"a":1},{"a":2}]`))
	}))
	defer srv.Close()

	e := NewExecutor(srv.Client(), zerolog.Nop())
	result, err := e.Execute(context.Background(), srv.URL, "some_table", `"a"=eq.1&limit=2`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(result.Records))
	}
	if result.Total == nil || *result.Total != 42 {
		t.Fatalf("got total %v, want 42", result.Total)
	}
}

func TestExecutorExecuteSkipsTotalForAggregates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "0-0/999")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"a__sum":10}]`))
	}))
	defer srv.Close()

	e := NewExecutor(srv.Client(), zerolog.Nop())
	result, err := e.Execute(context.Background(), srv.URL, "some_table", `select="a__sum":"a".sum()`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Total != nil {
		t.Fatalf("expected nil total for aggregated query, got %v", *result.Total)
	}
}

func TestExecutorDoesNotRetry4xx(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"bad filter"}`))
	}))
	defer srv.Close()

	e := NewExecutor(srv.Client(), zerolog.Nop())
	_, err := e.Execute(context.Background(), srv.URL, "some_table", `"a"=eq.1`)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("got %d calls, want 1 (no retry on 4xx)", calls)
	}
	ge, ok := err.(*GatewayError)
	if !ok {
		t.Fatalf("expected *GatewayError, got %T", err)
	}
	if ge.Status != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", ge.Status)
	}
}

func TestParseContentRangeTotal(t *testing.T) {
	cases := []struct {
		header string
		want   int
		ok     bool
	}{
		{"0-49/21777", 21777, true},
		{"*/0", 0, true},
		{"*/*", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		got, ok := parseContentRangeTotal(c.header)
		if ok != c.ok || (ok && got != c.want) {
			t.Errorf("parseContentRangeTotal(%q) = (%d, %v), want (%d, %v)", c.header, got, ok, c.want, c.ok)
		}
	}
}
