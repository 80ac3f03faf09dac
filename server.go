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
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"
)

// Server is the chi-routed HTTP surface over a Resolver, Compiler,
// Executor, and Pipeline, configured from a Config snapshot. A small
// struct wrapping an *http.Server plus its collaborators, with
// Start/Stop lifecycle methods.
type Server struct {
	cfg      Config
	logger   zerolog.Logger
	client   *http.Client
	resolver Resolver
	compiler *Compiler
	exec     *Executor
	pipe     *Pipeline
	srv      *http.Server
	started  time.Time

	openapiMu    sync.Mutex
	openapiCache map[uint64][]byte
}

// NewServer wires a Server from cfg. client is the shared HTTP client
// used by the Resolver and Executor; pass nil to use http.DefaultClient.
func NewServer(cfg Config, client *http.Client, logger zerolog.Logger) *Server {
	if client == nil {
		client = http.DefaultClient
	}
	exec := NewExecutor(client, logger)
	return &Server{
		cfg:          cfg,
		logger:       logger.With().Str("component", "server").Logger(),
		client:       client,
		resolver:     newHTTPResolver(client, cfg.PgrestEndpoint, cfg.ResourceTable, cfg.IndexExceptionTable),
		compiler:     NewCompiler(),
		exec:         exec,
		pipe:         NewPipeline(exec, cfg.BatchSize),
		openapiCache: make(map[uint64][]byte),
	}
}

// openapiCacheKey hashes everything that determines a resource's
// generated OpenAPI document, so a change to the index or aggregation
// policy naturally misses the cache instead of requiring invalidation.
func openapiCacheKey(resourceID string, policy *IndexPolicy, aggregationAllowed bool) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(resourceID)
	_, _ = h.WriteString("|")
	for _, col := range policy.AllowedColumns() {
		_, _ = h.WriteString(col)
		_, _ = h.WriteString(",")
	}
	if aggregationAllowed {
		_, _ = h.WriteString("|agg")
	}
	return h.Sum64()
}

// Handler returns the server's routed http.Handler without binding a
// socket, for embedding in another mux or for tests.
func (s *Server) Handler() http.Handler {
	return s.router()
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Compress(5))
	r.Use(requestLogger(s.logger))

	if s.cfg.CORS != nil {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORS.AllowedOrigins,
			AllowedMethods:   s.cfg.CORS.AllowedMethods,
			AllowedHeaders:   s.cfg.CORS.AllowedHeaders,
			ExposedHeaders:   s.cfg.CORS.ExposedHeaders,
			AllowCredentials: s.cfg.CORS.AllowCredentials,
			MaxAge:           s.cfg.CORS.MaxAge,
		}))
	}

	prefix := s.cfg.CommonPrefix

	r.Route(prefix+"/api/resources/{rid}", func(r chi.Router) {
		r.Get("/", s.handleResourceMeta)
		r.Get("/profile/", s.handleResourceProfile)
		r.Get("/swagger/", s.handleResourceSwagger)
		r.Get("/data/", s.handleResourceData)
		r.Get("/data/csv/", s.handleResourceDataCSV)
		r.Get("/data/json/", s.handleResourceDataJSON)
	})
	r.Get(prefix+"/api/{model}/data/", s.handleModelData)
	r.Get(prefix+"/api/{model}/data/csv/", s.handleModelDataCSV)
	r.Get(prefix+"/api/aggregation-exceptions/", s.handleAggregationExceptions)
	r.Get(prefix+"/health/", s.handleHealth)

	return r
}

// requestLogger logs each request's method, path, status and latency at
// debug level.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}

// Start begins serving on the configured listen address. It does not
// block.
func (s *Server) Start() error {
	addr := addrWithDefaultPort(s.cfg.Listen)
	s.srv = &http.Server{Addr: addr, Handler: s.router()}
	s.started = time.Now()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("server error")
		}
	}()
	s.logger.Info().Str("addr", addr).Msg("server started")
	return nil
}

// Stop gracefully shuts down the server, waiting up to timeout.
func (s *Server) Stop(timeout time.Duration) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func hateoasLink(cfg Config, path string) string {
	return cfg.ExternalURL(path)
}

// queryFragments splits the request's query string into its fragments.
// The compiler operates on percent-decoded text, so the whole query
// string is decoded first and split on '&' after.
func queryFragments(r *http.Request) []string {
	qs := r.URL.RawQuery
	if decoded, err := url.QueryUnescape(qs); err == nil {
		qs = decoded
	}
	if len(qs) == 0 {
		return nil
	}
	return strings.Split(qs, "&")
}

func (s *Server) handleResourceMeta(w http.ResponseWriter, r *http.Request) {
	rid := chi.URLParam(r, "rid")
	resource, err := s.resolver.Resolve(r.Context(), rid, []string{"created_at", "url"})
	if err != nil {
		RenderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{
		"created_at": resource.CreatedAt,
		"url":        resource.URL,
		"links": []map[string]string{
			{"href": hateoasLink(s.cfg, fmt.Sprintf("%s/api/resources/%s/profile/", s.cfg.CommonPrefix, rid)), "type": "GET", "rel": "profile"},
			{"href": hateoasLink(s.cfg, fmt.Sprintf("%s/api/resources/%s/data/", s.cfg.CommonPrefix, rid)), "type": "GET", "rel": "data"},
			{"href": hateoasLink(s.cfg, fmt.Sprintf("%s/api/resources/%s/swagger/", s.cfg.CommonPrefix, rid)), "type": "GET", "rel": "swagger"},
		},
	})
}

func (s *Server) handleResourceProfile(w http.ResponseWriter, r *http.Request) {
	rid := chi.URLParam(r, "rid")
	resource, err := s.resolver.Resolve(r.Context(), rid, []string{"profile"})
	if err != nil {
		RenderError(w, r, err)
		return
	}
	policy, err := s.resolver.IndexPolicy(r.Context(), rid)
	if err != nil {
		RenderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{
		"profile": resource.Profile,
		"indexes": policy.AllowedColumns(),
	})
}

func (s *Server) handleResourceSwagger(w http.ResponseWriter, r *http.Request) {
	rid := chi.URLParam(r, "rid")
	resource, err := s.resolver.Resolve(r.Context(), rid, []string{"profile"})
	if err != nil {
		RenderError(w, r, err)
		return
	}
	policy, err := s.resolver.IndexPolicy(r.Context(), rid)
	if err != nil {
		RenderError(w, r, err)
		return
	}
	aggregationAllowed := s.cfg.IsAggregationAllowed(rid)
	key := openapiCacheKey(rid, policy, aggregationAllowed)

	s.openapiMu.Lock()
	doc, cached := s.openapiCache[key]
	s.openapiMu.Unlock()

	if !cached {
		doc, err = BuildOpenAPI(rid, resource.Profile, policy, aggregationAllowed)
		if err != nil {
			RenderError(w, r, ErrUpstream(http.StatusInternalServerError, err.Error(), rid))
			return
		}
		s.openapiMu.Lock()
		s.openapiCache[key] = doc
		s.openapiMu.Unlock()
	}

	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(doc)
}

// parsePagination extracts and validates page/page_size from the request
// query, returning the raw query fragments alongside.
func parsePagination(r *http.Request, cfg Config) (fragments []string, page, pageSize, offset int, err error) {
	fragments = queryFragments(r)
	page = 1
	if v := r.URL.Query().Get("page"); len(v) > 0 {
		page, err = strconv.Atoi(v)
		if err != nil {
			return nil, 0, 0, 0, ErrMalformedQuery("page must be an integer")
		}
	}
	pageSize = cfg.PageSizeDefault
	if v := r.URL.Query().Get("page_size"); len(v) > 0 {
		pageSize, err = strconv.Atoi(v)
		if err != nil {
			return nil, 0, 0, 0, ErrMalformedQuery("page_size must be an integer")
		}
	}
	if pageSize > cfg.PageSizeMax {
		return nil, 0, 0, 0, ErrMalformedQuery(fmt.Sprintf("page size exceeds allowed maximum: %d", cfg.PageSizeMax))
	}
	if page > 1 {
		offset = pageSize * (page - 1)
	}
	return fragments, page, pageSize, offset, nil
}

// buildPageLink rewrites the request's query string with page/page_size
// set to the given values, returning an absolute URL.
func buildPageLink(cfg Config, r *http.Request, fragments []string, page, pageSize int) string {
	kept := make([]string, 0, len(fragments)+2)
	for _, f := range fragments {
		if strings.HasPrefix(f, "page=") || strings.HasPrefix(f, "page_size=") {
			continue
		}
		kept = append(kept, f)
	}
	kept = append(kept, fmt.Sprintf("page=%d", page), fmt.Sprintf("page_size=%d", pageSize))
	return hateoasLink(cfg, fmt.Sprintf("%s?%s", r.URL.Path, strings.Join(kept, "&")))
}

func (s *Server) handleResourceData(w http.ResponseWriter, r *http.Request) {
	rid := chi.URLParam(r, "rid")
	fragments, page, pageSize, offset, err := parsePagination(r, s.cfg)
	if err != nil {
		RenderError(w, r, err)
		return
	}

	policy, err := s.resolver.IndexPolicy(r.Context(), rid)
	if err != nil {
		RenderError(w, r, err)
		return
	}
	sqlQuery, err := s.compiler.Compile(fragments, rid, policy, s.cfg.IsAggregationAllowed(rid), pageSize, offset)
	if err != nil {
		RenderError(w, r, err)
		return
	}

	resource, err := s.resolver.Resolve(r.Context(), rid, []string{"parsing_table"})
	if err != nil {
		RenderError(w, r, err)
		return
	}
	result, err := s.exec.Execute(r.Context(), s.cfg.PgrestEndpoint, resource.ParsingTable, sqlQuery)
	if err != nil {
		RenderError(w, r, err)
		return
	}

	next := buildPageLink(s.cfg, r, fragments, page+1, pageSize)
	var prev *string
	if page > 1 {
		p := buildPageLink(s.cfg, r, fragments, page-1, pageSize)
		prev = &p
	}

	var nextLink *string
	if result.Total != nil {
		if pageSize+offset < *result.Total {
			nextLink = &next
		}
	} else if len(result.Records) >= pageSize {
		nextLink = &next
	}

	meta := map[string]any{"page": page, "page_size": pageSize}
	if result.Total != nil {
		meta["total"] = *result.Total
	}
	render.JSON(w, r, map[string]any{
		"data": result.Records,
		"links": map[string]any{
			"profile": hateoasLink(s.cfg, fmt.Sprintf("%s/api/resources/%s/profile/", s.cfg.CommonPrefix, rid)),
			"swagger": hateoasLink(s.cfg, fmt.Sprintf("%s/api/resources/%s/swagger/", s.cfg.CommonPrefix, rid)),
			"next":    nextLink,
			"prev":    prev,
		},
		"meta": meta,
	})
}

func (s *Server) streamResourceData(w http.ResponseWriter, r *http.Request, format Format, contentType, ext string) {
	rid := chi.URLParam(r, "rid")
	fragments := queryFragments(r)

	policy, err := s.resolver.IndexPolicy(r.Context(), rid)
	if err != nil {
		RenderError(w, r, err)
		return
	}
	sqlQuery, err := s.compiler.Compile(fragments, rid, policy, s.cfg.IsAggregationAllowed(rid), 0, 0)
	if err != nil {
		RenderError(w, r, err)
		return
	}
	resource, err := s.resolver.Resolve(r.Context(), rid, []string{"parsing_table"})
	if err != nil {
		RenderError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.%s"`, rid, ext))
	if err := s.pipe.Stream(r.Context(), w, s.cfg.PgrestEndpoint, resource.ParsingTable, sqlQuery, format); err != nil {
		s.logger.Error().Err(err).Str("resource_id", rid).Msg("stream terminated")
	}
}

func (s *Server) handleResourceDataCSV(w http.ResponseWriter, r *http.Request) {
	s.streamResourceData(w, r, FormatCSV, "text/csv", "csv")
}

func (s *Server) handleResourceDataJSON(w http.ResponseWriter, r *http.Request) {
	s.streamResourceData(w, r, FormatJSON, "application/json", "json")
}

// handleModelData and handleModelDataCSV serve the generic metrics
// variant: arbitrary upstream tables addressed directly by name, with no
// resource_id (hence no aggregation/index policy) and, for the streamed
// form, the size gate.
func (s *Server) handleModelData(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	fragments, _, pageSize, offset, err := parsePagination(r, s.cfg)
	if err != nil {
		RenderError(w, r, err)
		return
	}
	sqlQuery, err := s.compiler.Compile(fragments, "", nil, false, pageSize, offset)
	if err != nil {
		RenderError(w, r, err)
		return
	}
	result, err := s.exec.Execute(r.Context(), s.cfg.PgrestEndpoint, model, sqlQuery)
	if err != nil {
		RenderError(w, r, err)
		return
	}
	meta := map[string]any{"page_size": pageSize}
	if result.Total != nil {
		meta["total"] = *result.Total
	}
	render.JSON(w, r, map[string]any{"data": result.Records, "meta": meta})
}

func (s *Server) handleModelDataCSV(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	fragments := queryFragments(r)
	sqlQuery, err := s.compiler.Compile(fragments, "", nil, false, 0, 0)
	if err != nil {
		RenderError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.csv"`, model))
	if err := s.pipe.StreamWithSizeGate(r.Context(), w, s.cfg.PgrestEndpoint, model, sqlQuery, FormatCSV, s.cfg.BatchSize); err != nil {
		s.logger.Error().Err(err).Str("model", model).Msg("stream terminated")
	}
}

func (s *Server) handleAggregationExceptions(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.cfg.AllowAggregation)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodHead, fmt.Sprintf("%s/%s", s.cfg.PgrestEndpoint, s.cfg.HealthTable), nil)
	if err != nil {
		RenderError(w, r, ErrUnavailable(err.Error()))
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		RenderError(w, r, ErrUnavailable("upstream unreachable"))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		RenderError(w, r, ErrUnavailable(fmt.Sprintf("upstream status %d", resp.StatusCode)))
		return
	}
	render.JSON(w, r, map[string]any{
		"status":         "ok",
		"version":        SchemaVersion,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}
