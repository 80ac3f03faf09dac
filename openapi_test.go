package tabular

import (
	"strings"
	"testing"
)

func TestBuildOpenAPIExcludesAggregatorsWhenNotAllowed(t *testing.T) {
	profile := Profile{Columns: map[string]ColumnProfile{
		"amount": {Type: ColFloat},
	}}
	out, err := BuildOpenAPI("res1", profile, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	s := string(out)
	if strings.Contains(s, "amount__sum") {
		t.Error("aggregator parameter should be excluded when aggregation is not allowed")
	}
	if !strings.Contains(s, "amount__exact") {
		t.Error("expected amount__exact to be present")
	}
}

func TestBuildOpenAPIIncludesAggregatorsWhenAllowed(t *testing.T) {
	profile := Profile{Columns: map[string]ColumnProfile{
		"amount": {Type: ColFloat},
	}}
	out, err := BuildOpenAPI("res1", profile, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "amount__sum") {
		t.Error("expected amount__sum to be present when aggregation is allowed")
	}
}

func TestBuildOpenAPIExcludesColumnsOutsidePolicy(t *testing.T) {
	profile := Profile{Columns: map[string]ColumnProfile{
		"a": {Type: ColString},
		"b": {Type: ColString},
	}}
	policy := &IndexPolicy{Columns: map[string]string{"a": "btree"}}
	out, err := BuildOpenAPI("res1", profile, policy, false)
	if err != nil {
		t.Fatal(err)
	}
	s := string(out)
	if strings.Contains(s, "b__exact") {
		t.Error("column outside index policy should be excluded entirely")
	}
	if !strings.Contains(s, "a__exact") {
		t.Error("expected a__exact to be present")
	}
}

func TestBuildOpenAPIJSONColumnOnlyNullOps(t *testing.T) {
	profile := Profile{Columns: map[string]ColumnProfile{
		"blob": {Type: ColJSON},
	}}
	out, err := BuildOpenAPI("res1", profile, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	s := string(out)
	if !strings.Contains(s, "blob__isnull") || !strings.Contains(s, "blob__isnotnull") {
		t.Error("expected isnull/isnotnull for json column")
	}
	if strings.Contains(s, "blob__exact") || strings.Contains(s, "blob__contains") {
		t.Error("json column should not support exact/contains")
	}
}
