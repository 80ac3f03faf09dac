package tabular

import (
	"strings"
	"testing"
)

func TestCompileSort(t *testing.T) {
	c := NewCompiler()
	got, err := c.Compile([]string{"column_name__sort=asc"}, "", nil, false, 50, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `order="column_name".asc&limit=50`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCompileExact(t *testing.T) {
	c := NewCompiler()
	got, err := c.Compile([]string{"column_name__exact=BIDULE"}, "", nil, false, 50, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `"column_name"=eq.BIDULE&limit=50&order=__id.asc`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCompileGreaterWithOffset(t *testing.T) {
	c := NewCompiler()
	got, err := c.Compile([]string{"column_name__greater=12"}, "", nil, false, 50, 12)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `"column_name"=gte.12&limit=50&offset=12&order=__id.asc`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCompileOrGroup(t *testing.T) {
	c := NewCompiler()
	got, err := c.Compile([]string{`or=(a__exact.BIDULE,b__less.12)`}, "", nil, false, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `or=("a".eq.BIDULE,"b".lte.12)&order=__id.asc`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCompileAggregationDenied(t *testing.T) {
	c := NewCompiler()
	_, err := c.Compile([]string{"a__groupby", "a__min", "a__avg"}, "res1", nil, false, 50, 0)
	ge, ok := err.(*GatewayError)
	if !ok {
		t.Fatalf("expected *GatewayError, got %T (%v)", err, err)
	}
	if ge.Status != 403 {
		t.Errorf("got status %d, want 403", ge.Status)
	}
	detail, ok := ge.Detail.(string)
	if !ok || !strings.Contains(detail, "groupby") || !strings.Contains(detail, "min") || !strings.Contains(detail, "avg") {
		t.Errorf("detail %v should name the offending operators groupby, min, avg", ge.Detail)
	}
}

func TestCompileAggregationAllowed(t *testing.T) {
	c := NewCompiler()
	got, err := c.Compile([]string{"a__groupby", "a__min", "a__avg"}, "res1", nil, true, 50, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `select="a","a__min":"a".min(),"a__avg":"a".avg()&limit=50`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestErrGoneDetail(t *testing.T) {
	ge := ErrGone("r1", "2024-01-02", nil)
	if ge.Status != 410 {
		t.Errorf("got status %d, want 410", ge.Status)
	}
	detail, ok := ge.Detail.(string)
	if !ok {
		t.Fatalf("expected string detail, got %T", ge.Detail)
	}
	if !strings.Contains(detail, "permanently deleted") || !strings.Contains(detail, "r1") {
		t.Errorf("detail %q missing required substrings", detail)
	}
}

func TestCompileColumnsAndAggregationConflict(t *testing.T) {
	c := NewCompiler()
	_, err := c.Compile([]string{"columns=a,b", "a__min"}, "res1", nil, true, 50, 0)
	ge, ok := err.(*GatewayError)
	if !ok {
		t.Fatalf("expected *GatewayError, got %T", err)
	}
	if ge.Status != 400 {
		t.Errorf("got status %d, want 400", ge.Status)
	}
}

func TestCompileIndexPolicyViolation(t *testing.T) {
	c := NewCompiler()
	policy := &IndexPolicy{Columns: map[string]string{"allowed_col": "btree"}}
	_, err := c.Compile([]string{"other_col__exact=x"}, "", policy, false, 50, 0)
	ge, ok := err.(*GatewayError)
	if !ok {
		t.Fatalf("expected *GatewayError for a filter on a non-indexed column, got %T (%v)", err, err)
	}
	if ge.Status != 403 {
		t.Errorf("got status %d, want 403", ge.Status)
	}
}

func TestCompileIndexPolicyAllowsListedColumn(t *testing.T) {
	c := NewCompiler()
	policy := &IndexPolicy{Columns: map[string]string{"allowed_col": "btree"}}
	got, err := c.Compile([]string{"allowed_col__exact=x"}, "", policy, false, 50, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `"allowed_col"=eq.x&limit=50&order=__id.asc`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCompileAggregatorIndexPolicyViolation(t *testing.T) {
	c := NewCompiler()
	policy := &IndexPolicy{Columns: map[string]string{"allowed_col": "btree"}}
	_, err := c.Compile([]string{"other_col__min"}, "res1", policy, true, 50, 0)
	ge, ok := err.(*GatewayError)
	if !ok {
		t.Fatalf("expected *GatewayError, got %T", err)
	}
	if ge.Status != 403 {
		t.Errorf("got status %d, want 403", ge.Status)
	}
}

func TestCompileEscapedColumnName(t *testing.T) {
	c := NewCompiler()
	got, err := c.Compile([]string{`weird"name__exact=v`}, "", nil, false, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `"weird\"name"=eq.v&order=__id.asc`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCompileIsNullBare(t *testing.T) {
	c := NewCompiler()
	got, err := c.Compile([]string{"column_name__isnull"}, "", nil, false, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `"column_name"=is.null&order=__id.asc`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
