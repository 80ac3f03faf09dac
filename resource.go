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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// ColumnType is the closed set of semantic types a profiled column may
// carry.
type ColumnType string

// The semantic column types recognized by the profile inferred upstream.
const (
	ColString   ColumnType = "string"
	ColInt      ColumnType = "int"
	ColFloat    ColumnType = "float"
	ColBool     ColumnType = "bool"
	ColDate     ColumnType = "date"
	ColDatetime ColumnType = "datetime"
	ColJSON     ColumnType = "json"
)

// ColumnProfile is one entry of a Resource's inferred schema.
type ColumnProfile struct {
	Type ColumnType `json:"type"`
}

// Profile is the inferred schema of a resource: one ColumnProfile per
// column name present in the source file.
type Profile struct {
	Columns map[string]ColumnProfile `json:"columns"`
}

// Resource is a single tabular dataset exposed through this gateway. Not
// every field is populated on every fetch: the Resolver only requests the
// columns a given endpoint needs (plus DeletedAt/DatasetID, always). Model
// fields are pointers/zero-valued rather than required, tolerating the
// duck-typed shape PostgREST returns for a partial column selection.
type Resource struct {
	ID           string    `json:"resource_id"`
	CreatedAt    time.Time `json:"created_at"`
	URL          string    `json:"url"`
	ParsingTable string    `json:"parsing_table"`
	Profile      Profile   `json:"profile"`
	DeletedAt    *string   `json:"deleted_at"`
	DatasetID    *string   `json:"dataset_id"`
}

// IndexPolicy is the optional per-resource record constraining which
// columns may be filtered, sorted, or aggregated. A nil *IndexPolicy means
// no restriction applies; a non-nil one with an empty Columns map is
// indistinguishable from absence, per spec.
type IndexPolicy struct {
	Columns map[string]string // column name -> index kind
}

// Allows reports whether column is permitted by the policy. A nil
// *IndexPolicy, or one with an empty Columns map, permits every column.
func (p *IndexPolicy) Allows(column string) bool {
	if p == nil || len(p.Columns) == 0 {
		return true
	}
	_, ok := p.Columns[column]
	return ok
}

// AllowedColumns returns the sorted set of permitted column names, or nil
// if the policy is absent/empty (unrestricted).
func (p *IndexPolicy) AllowedColumns() []string {
	if p == nil || len(p.Columns) == 0 {
		return nil
	}
	out := make([]string, 0, len(p.Columns))
	for c := range p.Columns {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Restricted reports whether this policy imposes any restriction at all.
func (p *IndexPolicy) Restricted() bool {
	return p != nil && len(p.Columns) > 0
}

// Resolver fetches resource metadata and per-resource index policies. It
// is the sole collaborator of the Query Compiler that performs I/O.
type Resolver interface {
	// Resolve returns the metadata for resourceID, selecting the
	// requested columns plus deleted_at and dataset_id unconditionally.
	// Returns a *GatewayError of kind not-found or gone as appropriate.
	Resolve(ctx context.Context, resourceID string, columns []string) (*Resource, error)

	// IndexPolicy returns the index exception record for resourceID, or
	// nil if none exists (or the mapping it carries is empty).
	IndexPolicy(ctx context.Context, resourceID string) (*IndexPolicy, error)
}

// httpResolver is the PostgREST-backed Resolver implementation. It reads
// the resource index and index-exception tables the ingestion pipeline
// maintains; it never writes.
type httpResolver struct {
	client              *http.Client
	endpoint            string
	resourceTable       string
	indexExceptionTable string
}

func newHTTPResolver(client *http.Client, endpoint, resourceTable, indexExceptionTable string) *httpResolver {
	return &httpResolver{
		client:              client,
		endpoint:            endpoint,
		resourceTable:       resourceTable,
		indexExceptionTable: indexExceptionTable,
	}
}

func (r *httpResolver) Resolve(ctx context.Context, resourceID string, columns []string) (*Resource, error) {
	cols := append([]string{}, columns...)
	if !containsString(cols, "deleted_at") {
		cols = append(cols, "deleted_at")
	}
	if !containsString(cols, "dataset_id") {
		cols = append(cols, "dataset_id")
	}
	q := fmt.Sprintf("select=%s&resource_id=eq.%s&order=created_at.desc",
		strings.Join(cols, ","), resourceID)
	url := fmt.Sprintf("%s/%s?%s", r.endpoint, r.resourceTable, q)

	var records []Resource
	if err := getJSONInto(ctx, r.client, url, &records, resourceID); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound(resourceID)
	}
	rec := records[0]
	rec.ID = resourceID
	if rec.DeletedAt != nil {
		return nil, ErrGone(resourceID, *rec.DeletedAt, rec.DatasetID)
	}
	return &rec, nil
}

func (r *httpResolver) IndexPolicy(ctx context.Context, resourceID string) (*IndexPolicy, error) {
	q := fmt.Sprintf("select=table_indexes&resource_id=eq.%s", resourceID)
	url := fmt.Sprintf("%s/%s?%s", r.endpoint, r.indexExceptionTable, q)

	var records []struct {
		TableIndexes map[string]string `json:"table_indexes"`
	}
	if err := getJSONInto(ctx, r.client, url, &records, resourceID); err != nil {
		return nil, err
	}
	if len(records) == 0 || len(records[0].TableIndexes) == 0 {
		return nil, nil
	}
	return &IndexPolicy{Columns: records[0].TableIndexes}, nil
}

// getJSONInto performs a GET and decodes a JSON response body into out,
// mapping non-2xx responses to an upstream GatewayError.
func getJSONInto(ctx context.Context, client *http.Client, url string, out any, resourceID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return ErrUpstream(http.StatusBadGateway, err.Error(), resourceID)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var body any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return ErrUpstream(resp.StatusCode, body, resourceID)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func containsString(s []string, v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}
