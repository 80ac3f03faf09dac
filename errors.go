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
	"net/http"
	"strings"

	"github.com/go-chi/render"
)

// GatewayError is the structured error type for failures that map to a
// specific HTTP status. It renders as the envelope
// {"errors":[{"code","title","detail"}]}; RenderError reports any other
// error as a 500.
type GatewayError struct {
	Status int    `json:"-"`
	Code   string `json:"code,omitempty"`
	Title  string `json:"title"`
	Detail any    `json:"detail,omitempty"`
}

func (e *GatewayError) Error() string {
	if e.Detail != nil {
		return fmt.Sprintf("%s: %v", e.Title, e.Detail)
	}
	return e.Title
}

// Render implements render.Renderer, setting the HTTP status line before
// the envelope is written.
func (e *GatewayError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.Status)
	return nil
}

// errorEnvelope is the {"errors":[...]} wrapper every GatewayError is
// rendered inside, matching the original API's error body shape.
type errorEnvelope struct {
	Errors []*GatewayError `json:"errors"`
}

// RenderError writes err as an error envelope. Non-*GatewayError values
// are wrapped as an unstructured 500.
func RenderError(w http.ResponseWriter, r *http.Request, err error) {
	ge, ok := err.(*GatewayError)
	if !ok {
		ge = &GatewayError{Status: http.StatusInternalServerError, Title: "internal error", Detail: err.Error()}
	}
	render.Status(r, ge.Status)
	render.JSON(w, r, errorEnvelope{Errors: []*GatewayError{ge}})
}

// ErrMalformedQuery reports a 400: the caller's filter/sort/aggregation
// expression could not be parsed, or combines `columns` with aggregators.
// Index-policy violations are reported by ErrColumnNotIndexed instead.
func ErrMalformedQuery(detail any) *GatewayError {
	return &GatewayError{Status: http.StatusBadRequest, Code: "malformed_query", Title: "malformed query", Detail: detail}
}

// ErrNotFound reports a 404: no resource with this id has ever existed.
func ErrNotFound(resourceID string) *GatewayError {
	return &GatewayError{
		Status: http.StatusNotFound,
		Code:   "not_found",
		Title:  "resource not found",
		Detail: fmt.Sprintf("Resource %s does not exist.", resourceID),
	}
}

// ErrGone reports a 410: the resource existed but has been soft-deleted by
// its producer. The message names the deletion date and links the owning
// dataset page when a dataset id is known.
func ErrGone(resourceID, deletedAt string, datasetID *string) *GatewayError {
	detail := fmt.Sprintf("Resource %s has been permanently deleted on %s by its producer.", resourceID, deletedAt)
	if datasetID != nil && len(*datasetID) > 0 {
		detail += fmt.Sprintf(" See https://www.data.gouv.fr/datasets/%s for more information.", *datasetID)
	}
	return &GatewayError{Status: http.StatusGone, Code: "resource_gone", Title: "resource gone", Detail: detail}
}

// ErrUpstream wraps a non-2xx response (or transport failure) from
// PostgREST. An error status (400 and above) is passed through as the
// response status; anything below 400 is reported as 502. Callers report
// transport failures with 502.
func ErrUpstream(status int, detail any, resourceID string) *GatewayError {
	out := status
	if out < 400 {
		out = http.StatusBadGateway
	}
	return &GatewayError{
		Status: out,
		Code:   "upstream_error",
		Title:  "upstream request failed",
		Detail: map[string]any{"resource_id": resourceID, "upstream_status": status, "upstream_body": detail},
	}
}

// ErrAggregationNotAllowed reports a 403: the resource is not on the
// aggregation allow-list. operators names the offending aggregator
// suffixes present in the query, in the order they were first seen.
func ErrAggregationNotAllowed(resourceID string, operators []string) *GatewayError {
	return &GatewayError{
		Status: http.StatusForbidden,
		Code:   "aggregation_not_allowed",
		Title:  "aggregation not allowed",
		Detail: fmt.Sprintf("Aggregation parameters `%s` are not allowed for resource '%s'.",
			strings.Join(operators, "`, `"), resourceID),
	}
}

// ErrPayloadTooLarge reports a 403: the metrics-variant size gate rejected
// a resource whose row count exceeds the configured batch size.
func ErrPayloadTooLarge(resourceID string, total, limit int) *GatewayError {
	return &GatewayError{
		Status: http.StatusForbidden,
		Code:   "payload_too_large",
		Title:  "result set too large to stream in one page",
		Detail: fmt.Sprintf("Resource %s has %d rows, exceeding the %d row streaming limit.", resourceID, total, limit),
	}
}

// ErrColumnNotIndexed reports a 403: a filter/sort/aggregator referenced a
// column outside the resource's index policy.
func ErrColumnNotIndexed(column string, allowed []string) *GatewayError {
	return &GatewayError{
		Status: http.StatusForbidden,
		Code:   "column_not_indexed",
		Title:  "column not indexed",
		Detail: fmt.Sprintf("%s is not among the allowed columns: %v", column, allowed),
	}
}

// ErrUnavailable reports a 503: the health check's upstream ping failed.
func ErrUnavailable(detail any) *GatewayError {
	return &GatewayError{Status: http.StatusServiceUnavailable, Code: "unavailable", Title: "service unavailable", Detail: detail}
}
