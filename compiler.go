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
	"regexp"
	"strings"
)

// aggregatorOperators is the closed set of suffixes recognized as
// aggregators rather than filters.
var aggregatorOperators = map[string]bool{
	"avg": true, "count": true, "max": true, "min": true, "sum": true, "groupby": true,
}

var (
	columnOperatorPattern = regexp.MustCompile(`^"[^"]*"__[a-z]+`)
	valuePattern          = regexp.MustCompile(`\."[^"]*"$`)
)

// Compiler translates a request's raw query fragments into a PostgREST
// query string. It performs no I/O and holds no state: every call is
// independent and deterministic.
type Compiler struct{}

// NewCompiler returns a ready-to-use Compiler. Kept as a constructor
// (rather than exposing the zero value) so call sites read the same way
// as the other component constructors in this package.
func NewCompiler() *Compiler {
	return &Compiler{}
}

// Compile translates fragments into a PostgREST query string.
//
// resourceID is empty for the generic metrics variant, which has no
// per-resource aggregation or index policy to enforce. policy may be nil.
// pageSize <= 0 omits the limit fragment; offset < 1 omits the offset
// fragment.
func (c *Compiler) Compile(fragments []string, resourceID string, policy *IndexPolicy, aggregationAllowed bool, pageSize, offset int) (string, error) {
	var sqlQuery []string
	var orGroups []string
	var aggOrder []string
	aggCols := map[string][]string{}
	sorted := false

	for _, frag := range fragments {
		if strings.HasPrefix(frag, "or=(") {
			out, err := parseOperator(frag, "or", true, policy)
			if err != nil {
				return "", err
			}
			orGroups = append(orGroups, out)
			continue
		}
		split := strings.Split(frag, "=")
		switch len(split) {
		case 2:
			if err := checkFilterIndex(split[0], policy); err != nil {
				return "", err
			}
			filter, didSort, err := addFilter(split[0], &split[1], false)
			if err != nil {
				return "", err
			}
			if len(filter) > 0 {
				sorted = sorted || didSort
				sqlQuery = append(sqlQuery, filter)
			}
		case 1:
			parts := strings.Split(split[0], "__")
			if len(parts) > 1 && (parts[len(parts)-1] == "isnull" || parts[len(parts)-1] == "isnotnull") {
				if err := checkFilterIndex(split[0], policy); err != nil {
					return "", err
				}
				filter, _, err := addFilter(split[0], nil, false)
				if err != nil {
					return "", err
				}
				sqlQuery = append(sqlQuery, filter)
			} else {
				column, operator, err := addAggregator(split[0], policy)
				if err != nil {
					return "", err
				}
				if len(column) > 0 {
					if _, seen := aggCols[operator]; !seen {
						aggOrder = append(aggOrder, operator)
					}
					aggCols[operator] = append(aggCols[operator], column)
				}
			}
		default:
			return "", ErrMalformedQuery(fmt.Sprintf("argument '%s' could not be parsed", frag))
		}
	}

	sqlQuery = append(sqlQuery, orGroups...)

	if len(aggOrder) > 0 {
		if len(resourceID) > 0 && !aggregationAllowed {
			return "", ErrAggregationNotAllowed(resourceID, aggOrder)
		}
		var agg strings.Builder
		agg.WriteString("select=")
		for _, operator := range aggOrder {
			if operator == "groupby" {
				agg.WriteString(strings.Join(aggCols[operator], ","))
				agg.WriteByte(',')
				continue
			}
			for _, column := range aggCols[operator] {
				inner := column[1 : len(column)-1]
				fmt.Fprintf(&agg, `"%s__%s":%s.%s(),`, inner, operator, column, operator)
			}
		}
		sqlQuery = append(sqlQuery, strings.TrimSuffix(agg.String(), ","))
	}

	if pageSize > 0 {
		sqlQuery = append(sqlQuery, fmt.Sprintf("limit=%d", pageSize))
	}
	if offset >= 1 {
		sqlQuery = append(sqlQuery, fmt.Sprintf("offset=%d", offset))
	}
	if !sorted && len(aggOrder) == 0 {
		sqlQuery = append(sqlQuery, "order=__id.asc")
	}

	q := strings.Join(sqlQuery, "&")
	if strings.Count(q, "select=") > 1 {
		return "", ErrMalformedQuery("the argument `columns` cannot be set alongside aggregators")
	}
	return q, nil
}

// getColumnAndOperator splits argument into its quoted-and-escaped column
// name and lower-cased operator suffix. The operator is the text after
// the last "__"; everything before it (including embedded "__") is the
// column name.
func getColumnAndOperator(argument string) (column, operator string) {
	parts := strings.Split(argument, "__")
	operator = strings.ToLower(parts[len(parts)-1])
	name := strings.Join(parts[:len(parts)-1], "__")
	column = `"` + strings.ReplaceAll(name, `"`, `\"`) + `"`
	return column, operator
}

// checkFilterIndex enforces the index policy on a top-level filter/sort
// fragment before it is translated, so that a restricted column is rejected
// the same way for filters and sorts as it is for aggregators. Fragments
// with no "__" (page, page_size, columns) carry no column reference and
// are skipped.
func checkFilterIndex(argument string, policy *IndexPolicy) error {
	if argument == "page" || argument == "page_size" || argument == "columns" {
		return nil
	}
	if !strings.Contains(argument, "__") {
		return nil
	}
	column, _ := getColumnAndOperator(argument)
	return raiseIfNotIndex(column, policy)
}

// addFilter translates one filter/sort fragment. value is nil only for
// the bare isnull/isnotnull case. inOperator selects the dotted encoding
// used inside OR/AND groups ("c".eq.V) instead of the top-level one
// ("c"=eq.V), and rejects the fragments that only make sense at the top
// level (page, page_size, columns, sort).
func addFilter(argument string, value *string, inOperator bool) (filter string, isSort bool, err error) {
	if argument == "page" || argument == "page_size" {
		if inOperator {
			return "", false, ErrMalformedQuery(fmt.Sprintf("argument `%s` can't be set within an operator", argument))
		}
		return "", false, nil
	}
	if argument == "columns" {
		if inOperator {
			return "", false, ErrMalformedQuery("argument `columns` can't be set within an operator")
		}
		return fmt.Sprintf("select=%s", deref(value)), false, nil
	}
	if strings.Contains(argument, "__") {
		column, comparator := getColumnAndOperator(argument)
		op := "="
		if inOperator {
			op = "."
		}
		v := deref(value)
		switch comparator {
		case "sort":
			if inOperator {
				return "", false, ErrMalformedQuery("argument `sort` can't be set within an operator")
			}
			return fmt.Sprintf("order=%s.%s", column, v), true, nil
		case "exact":
			return fmt.Sprintf("%s%seq.%s", column, op, v), false, nil
		case "differs":
			return fmt.Sprintf("%s%sisdistinct.%s", column, op, v), false, nil
		case "isnull":
			return fmt.Sprintf("%s%sis.null", column, op), false, nil
		case "isnotnull":
			return fmt.Sprintf("%s%snot.is.null", column, op), false, nil
		case "contains":
			return fmt.Sprintf("%s%silike.*%s*", column, op, v), false, nil
		case "notcontains":
			return fmt.Sprintf("%s%snot.ilike.*%s*", column, op, v), false, nil
		case "in":
			return fmt.Sprintf("%s%sin.(%s)", column, op, v), false, nil
		case "notin":
			return fmt.Sprintf("%s%snot.in.(%s)", column, op, v), false, nil
		case "less":
			return fmt.Sprintf("%s%slte.%s", column, op, v), false, nil
		case "greater":
			return fmt.Sprintf("%s%sgte.%s", column, op, v), false, nil
		case "strictly_less":
			return fmt.Sprintf("%s%slt.%s", column, op, v), false, nil
		case "strictly_greater":
			return fmt.Sprintf("%s%sgt.%s", column, op, v), false, nil
		}
	}
	return "", false, ErrMalformedQuery(fmt.Sprintf("argument '%s=%s' could not be parsed", argument, deref(value)))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// addAggregator translates one bare aggregator/groupby fragment,
// enforcing the index policy on the referenced column.
func addAggregator(argument string, policy *IndexPolicy) (column, operator string, err error) {
	if strings.Contains(argument, "__") {
		column, operator = getColumnAndOperator(argument)
		if err := raiseIfNotIndex(column, policy); err != nil {
			return "", "", err
		}
	}
	if aggregatorOperators[operator] {
		return column, operator, nil
	}
	return "", "", ErrMalformedQuery(fmt.Sprintf("argument '%s' could not be parsed", argument))
}

// splitTopLevel splits s on commas that are not nested inside
// parentheses.
func splitTopLevel(s string) []string {
	var parts []string
	var current strings.Builder
	depth := 0
	for _, ch := range s {
		switch {
		case ch == '(':
			depth++
			current.WriteRune(ch)
		case ch == ')':
			depth--
			current.WriteRune(ch)
		case ch == ',' && depth == 0:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(ch)
		}
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

// findArgVal splits one dotted OR-group item (col__op.val, with the column
// or the value optionally double-quoted to protect embedded dots) into its
// argument (column__operator) and value.
func findArgVal(param string) (argument, value string, err error) {
	quotes := strings.Count(param, `"`)
	if quotes != 0 && quotes != 2 && quotes != 4 {
		return "", "", ErrMalformedQuery(fmt.Sprintf("argument '%s' could not be parsed", param))
	}

	switch quotes {
	case 0:
		parts := strings.Split(param, ".")
		if len(parts) != 2 {
			return "", "", ErrMalformedQuery(fmt.Sprintf("argument '%s' could not be parsed", param))
		}
		return parts[0], parts[1], nil

	case 4:
		colOp := columnOperatorPattern.FindString(param)
		val := valuePattern.FindString(param)
		if len(colOp) == 0 || len(val) == 0 {
			return "", "", ErrMalformedQuery(fmt.Sprintf("argument '%s' could not be parsed", param))
		}
		return strings.ReplaceAll(colOp, `"`, ""), val[1:], nil

	default: // 2
		colOp := columnOperatorPattern.FindString(param)
		val := valuePattern.FindString(param)
		if len(colOp) == 0 {
			// case col__op."val.ue"
			if len(val) == 0 {
				return "", "", ErrMalformedQuery(fmt.Sprintf("argument '%s' could not be parsed", param))
			}
			return strings.SplitN(param, ".", 2)[0], val[1:], nil
		}
		// case "col.umn"__op.val
		parts := strings.Split(param, ".")
		return strings.ReplaceAll(colOp, `"`, ""), parts[len(parts)-1], nil
	}
}

// parseOperator recursively parses a top-level or=(...) / nested and(...)
// / or(...) group into its PostgREST equivalent, enforcing policy on every
// column referenced inside the group the same way top-level filters are.
func parseOperator(query, operator string, topLevel bool, policy *IndexPolicy) (string, error) {
	if !strings.HasSuffix(query, ")") {
		return "", ErrMalformedQuery(fmt.Sprintf("argument '%s' could not be parsed", query))
	}
	prefix := operator + "("
	if topLevel {
		prefix = operator + "=("
	}
	if !strings.HasPrefix(query, prefix) {
		return "", ErrMalformedQuery(fmt.Sprintf("argument '%s' could not be parsed", query))
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(query, prefix), ")")

	var out []string
	for _, param := range splitTopLevel(inner) {
		switch {
		case strings.HasPrefix(param, "and(") || strings.HasPrefix(param, "or("):
			nestedOp := strings.SplitN(param, "(", 2)[0]
			frag, err := parseOperator(param, nestedOp, false, policy)
			if err != nil {
				return "", err
			}
			out = append(out, frag)
		case strings.HasSuffix(param, "__isnull") || strings.HasSuffix(param, "__isnotnull"):
			cleaned := strings.ReplaceAll(param, `"`, "")
			if err := checkFilterIndex(cleaned, policy); err != nil {
				return "", err
			}
			filter, _, err := addFilter(cleaned, nil, true)
			if err != nil {
				return "", err
			}
			out = append(out, filter)
		default:
			argument, value, err := findArgVal(param)
			if err != nil {
				return "", err
			}
			if err := checkFilterIndex(argument, policy); err != nil {
				return "", err
			}
			filter, _, err := addFilter(argument, &value, true)
			if err != nil {
				return "", err
			}
			out = append(out, filter)
		}
	}

	eq := ""
	if topLevel {
		eq = "="
	}
	return fmt.Sprintf("%s%s(%s)", operator, eq, strings.Join(out, ",")), nil
}

// raiseIfNotIndex enforces the index policy on a quoted column name,
// returning an authorization error naming the column and the allowed set
// when the policy is restricted and the column is not a member.
func raiseIfNotIndex(quotedColumn string, policy *IndexPolicy) error {
	if !policy.Restricted() {
		return nil
	}
	name := quotedColumn[1 : len(quotedColumn)-1]
	if !policy.Allows(name) {
		return ErrColumnNotIndexed(name, policy.AllowedColumns())
	}
	return nil
}
