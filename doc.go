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

// Package tabular implements a read-only HTTP gateway over a PostgREST
// instance, exposing tabular resources (rows parsed out of uploaded
// CSV/XLSX files) through a uniform, paginated, filterable REST API.
//
// The [Compiler] translates a human-friendly filter/sort/aggregation DSL
// encoded in URL query parameters into the equivalent PostgREST query
// string. The [Resolver] fetches resource metadata and per-resource index
// policies. The [Executor] issues the translated queries to PostgREST. The
// [Pipeline] streams large CSV/JSON exports in fixed-size batches without
// buffering the full result set. [BuildOpenAPI] derives a per-resource
// OpenAPI 3.0.3 document from the same grammar the Compiler accepts.
//
// [Server] wires all of the above into a chi-routed HTTP server configured
// from a [Config] value, typically loaded from a TOML file by cmd/tabgw.
package tabular
