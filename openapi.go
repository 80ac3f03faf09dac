/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package tabular

import (
	"fmt"
	"sort"

	"github.com/goccy/go-yaml"
)

// operatorDescription is one entry of the operator catalogue's
// human-readable documentation.
type operatorDescription struct {
	template     string
	isAggregator bool
	isBoolean    bool // no value taken; schema is boolean with allowEmptyValue
}

var operatorDescriptions = map[string]operatorDescription{
	"exact":            {template: "Exact match in column %s (%s__exact=value)"},
	"differs":          {template: "Differs from value in column %s (%s__differs=value)"},
	"contains":         {template: "String contains in column %s (%s__contains=value)"},
	"notcontains":      {template: "String does not contain in column %s (%s__notcontains=value)"},
	"in":               {template: "Value in list in column %s (%s__in=value1,value2,...)"},
	"notin":            {template: "Value not in list in column %s (%s__notin=value1,value2,...)"},
	"less":             {template: "Less than or equal to in column %s (%s__less=value)"},
	"greater":          {template: "Greater than or equal to in column %s (%s__greater=value)"},
	"strictly_less":    {template: "Strictly less than in column %s (%s__strictly_less=value)"},
	"strictly_greater": {template: "Strictly greater than in column %s (%s__strictly_greater=value)"},
	"isnull":           {template: "Selects rows where column %s is null (%s__isnull)", isBoolean: true},
	"isnotnull":        {template: "Selects rows where column %s is not null (%s__isnotnull)", isBoolean: true},
	"sort":             {template: "Sorts results by column %s, ascending or descending (%s__sort=asc|desc)"},
	"groupby":          {template: "Performs a `group by` operation on column %s", isAggregator: true, isBoolean: true},
	"count":            {template: "Performs a `count` operation on column %s", isAggregator: true, isBoolean: true},
	"avg":              {template: "Performs a `mean` operation on column %s", isAggregator: true, isBoolean: true},
	"min":              {template: "Performs a `minimum` operation on column %s", isAggregator: true, isBoolean: true},
	"max":              {template: "Performs a `maximum` operation on column %s", isAggregator: true, isBoolean: true},
	"sum":              {template: "Performs a `sum` operation on column %s", isAggregator: true, isBoolean: true},
}

// compareOperators is the set of operators the "compare" capability in
// the type-to-operator matrix expands into.
var compareOperators = []string{"less", "greater", "strictly_less", "strictly_greater"}

// typeOperators is the type-to-operator compatibility matrix:
// string/date/datetime support all textual/comparison/equality/set/null/
// sort/non-numeric-aggregation operators; int/float add the numeric
// aggregators; bool is restricted to equality/set/null/sort/groupby/count;
// json supports only the two null tests.
var typeOperators = map[ColumnType][]string{
	ColString: append([]string{
		"exact", "differs", "contains", "notcontains", "in", "notin",
		"isnull", "isnotnull", "sort", "groupby", "count",
	}, compareOperators...),
	ColDate: append([]string{
		"exact", "differs", "contains", "notcontains", "in", "notin",
		"isnull", "isnotnull", "sort", "groupby", "count",
	}, compareOperators...),
	ColDatetime: append([]string{
		"exact", "differs", "contains", "notcontains", "in", "notin",
		"isnull", "isnotnull", "sort", "groupby", "count",
	}, compareOperators...),
	ColInt: append([]string{
		"exact", "differs", "contains", "notcontains", "in", "notin",
		"isnull", "isnotnull", "sort", "groupby", "count", "avg", "max", "min", "sum",
	}, compareOperators...),
	ColFloat: append([]string{
		"exact", "differs", "contains", "notcontains", "in", "notin",
		"isnull", "isnotnull", "sort", "groupby", "count", "avg", "max", "min", "sum",
	}, compareOperators...),
	ColBool: {"exact", "differs", "in", "notin", "isnull", "isnotnull", "sort", "groupby", "count"},
	ColJSON: {"isnull", "isnotnull"},
}

type openAPIDoc struct {
	OpenAPI string                     `yaml:"openapi"`
	Info    openAPIInfo                `yaml:"info"`
	Paths   map[string]openAPIPathItem `yaml:"paths"`
}

type openAPIInfo struct {
	Title   string `yaml:"title"`
	Version string `yaml:"version"`
}

type openAPIPathItem struct {
	Get openAPIOperation `yaml:"get"`
}

type openAPIOperation struct {
	Summary    string             `yaml:"summary"`
	Parameters []openAPIParameter `yaml:"parameters"`
}

type openAPIParameter struct {
	Name            string        `yaml:"name"`
	In              string        `yaml:"in"`
	Description     string        `yaml:"description,omitempty"`
	Required        bool          `yaml:"required,omitempty"`
	AllowEmptyValue bool          `yaml:"allowEmptyValue,omitempty"`
	Schema          openAPISchema `yaml:"schema"`
}

type openAPISchema struct {
	Type string `yaml:"type"`
}

// BuildOpenAPI derives a per-resource OpenAPI 3.0.3 document from the
// resource's profiled schema and its two policies, and marshals it to
// YAML.
func BuildOpenAPI(resourceID string, profile Profile, policy *IndexPolicy, aggregationAllowed bool) ([]byte, error) {
	columns := make([]string, 0, len(profile.Columns))
	for name := range profile.Columns {
		columns = append(columns, name)
	}
	sort.Strings(columns)

	params := []openAPIParameter{
		{Name: "page", In: "query", Description: "Page number, starting at 1", Schema: openAPISchema{Type: "integer"}},
		{Name: "page_size", In: "query", Description: "Rows per page", Schema: openAPISchema{Type: "integer"}},
		{Name: "columns", In: "query", Description: "Comma-separated list of columns to project", Schema: openAPISchema{Type: "string"}},
	}

	for _, col := range columns {
		if !policy.Allows(col) {
			continue
		}
		ops := typeOperators[profile.Columns[col].Type]
		sortedOps := append([]string{}, ops...)
		sort.Strings(sortedOps)
		for _, op := range sortedOps {
			desc, ok := operatorDescriptions[op]
			if !ok {
				continue
			}
			if desc.isAggregator && !aggregationAllowed {
				continue
			}
			schemaType := "string"
			if desc.isBoolean {
				schemaType = "boolean"
			}
			params = append(params, openAPIParameter{
				Name:            fmt.Sprintf("%s__%s", col, op),
				In:              "query",
				Description:     fmt.Sprintf(desc.template, col, col),
				AllowEmptyValue: desc.isBoolean,
				Schema:          openAPISchema{Type: schemaType},
			})
		}
	}

	doc := openAPIDoc{
		OpenAPI: "3.0.3",
		Info: openAPIInfo{
			Title:   fmt.Sprintf("Tabular data API for resource %s", resourceID),
			Version: "1.0.0",
		},
		Paths: map[string]openAPIPathItem{
			fmt.Sprintf("/api/resources/%s/data/", resourceID): {
				Get: openAPIOperation{
					Summary:    fmt.Sprintf("Query data for resource %s", resourceID),
					Parameters: params,
				},
			},
		},
	}

	return yaml.Marshal(doc)
}
