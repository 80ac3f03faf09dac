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
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// aggregatorCallMarkers are substrings that, if present in a compiled
// query string, indicate the result is aggregated and therefore its
// Content-Range total does not represent the row count of interest
// (PostgREST reports the length of the underlying table instead).
var aggregatorCallMarkers = []string{".count()", ".max()", ".min()", ".sum()", ".avg()"}

// QueryResult is the outcome of executing a compiled query against
// PostgREST.
type QueryResult struct {
	Records []map[string]any
	// Total is nil when the query aggregates (count/max/min/sum/avg),
	// since PostgREST's Content-Range total in that case describes the
	// underlying table, not the aggregated row set.
	Total *int
}

// Executor issues compiled PostgREST queries over HTTP and adapts the
// upstream response (and its failures) into this package's types.
type Executor struct {
	client *http.Client
	logger zerolog.Logger
}

// NewExecutor returns an Executor using client, falling back to
// http.DefaultClient if nil.
func NewExecutor(client *http.Client, logger zerolog.Logger) *Executor {
	if client == nil {
		client = http.DefaultClient
	}
	return &Executor{client: client, logger: logger.With().Str("component", "executor").Logger()}
}

// Execute runs sqlQuery (the compiler's output) against parsingTable and
// returns the decoded records plus total row count, retrying transient
// upstream failures.
func (e *Executor) Execute(ctx context.Context, endpoint, parsingTable, sqlQuery string) (*QueryResult, error) {
	url := fmt.Sprintf("%s/%s?%s", endpoint, parsingTable, sqlQuery)
	skipTotal := isAggregated(url)

	resp, err := e.doWithRetry(ctx, http.MethodGet, url, map[string]string{"Prefer": "count=exact"})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var records []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decoding upstream response: %w", err)
	}

	result := &QueryResult{Records: records}
	if !skipTotal {
		if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			result.Total = &total
		}
	}
	return result, nil
}

// Count issues a HEAD request with limit=1 to discover the total row
// count for a query without fetching any rows, used by the streaming
// pipeline's size gate.
func (e *Executor) Count(ctx context.Context, endpoint, parsingTable, sqlQuery string) (int, error) {
	url := fmt.Sprintf("%s/%s?%s&limit=1", endpoint, parsingTable, sqlQuery)
	resp, err := e.doWithRetry(ctx, http.MethodHead, url, map[string]string{"Prefer": "count=exact"})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range"))
	if !ok {
		return 0, ErrUpstream(http.StatusBadGateway, "missing or malformed Content-Range header", "")
	}
	return total, nil
}

// ExecuteBatch fetches one page of rows via explicit limit/offset,
// honoring the requested Accept format, for the streaming pipeline.
func (e *Executor) ExecuteBatch(ctx context.Context, endpoint, parsingTable, sqlQuery, accept string, limit, offset int) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/%s?%s&limit=%d&offset=%d", endpoint, parsingTable, sqlQuery, limit, offset)
	resp, err := e.doWithRetry(ctx, http.MethodGet, url, map[string]string{"Accept": accept})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// doWithRetry performs an HTTP request, retrying network errors and 5xx
// responses up to 3 attempts total with capped exponential backoff. 4xx
// responses are never retried: they indicate our own translated query was
// rejected, which a retry cannot fix.
func (e *Executor) doWithRetry(ctx context.Context, method, url string, headers map[string]string) (*http.Response, error) {
	op := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := e.client.Do(req)
		if err != nil {
			e.logger.Warn().Err(err).Str("url", url).Msg("upstream request failed, retrying")
			return nil, err
		}
		if resp.StatusCode >= 500 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			e.logger.Warn().Int("status", resp.StatusCode).Str("url", url).Msg("upstream 5xx, retrying")
			return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, string(body))
		}
		if resp.StatusCode >= 400 {
			var body any
			_ = json.NewDecoder(resp.Body).Decode(&body)
			resp.Body.Close()
			return nil, backoff.Permanent(ErrUpstream(resp.StatusCode, body, ""))
		}
		return resp, nil
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(2*time.Second),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		var ge *GatewayError
		if errors.As(err, &ge) {
			return nil, ge
		}
		return nil, ErrUpstream(http.StatusBadGateway, err.Error(), "")
	}
	return resp, nil
}

func isAggregated(url string) bool {
	for _, marker := range aggregatorCallMarkers {
		if strings.Contains(url, marker) {
			return true
		}
	}
	return false
}

// parseContentRangeTotal parses the trailing "/total" segment of a
// PostgREST Content-Range header such as "0-49/21777" or "*/0". A total
// of "*" (unknown) reports ok=false.
func parseContentRangeTotal(header string) (int, bool) {
	idx := strings.LastIndex(header, "/")
	if idx < 0 || idx == len(header)-1 {
		return 0, false
	}
	raw := header[idx+1:]
	if raw == "*" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
