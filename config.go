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
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"golang.org/x/mod/semver"
)

// SchemaVersion is the semver version of the schema of the Config file
// understood by this build. Currently v1.0.0.
const SchemaVersion = "1.0.0"

// Config is the process-wide immutable snapshot loaded once at startup.
// It is typically deserialized from a TOML file, with each key further
// overridable by an environment variable of the same name, coerced to the
// type of the default value.
type Config struct {
	// SchemaVersionField is the semver schema version this file was
	// written against. Required.
	SchemaVersionField string `toml:"schema_version" validate:"required"`

	// Listen is the `IP:port` the HTTP server binds to. If the port is
	// omitted, it defaults to 8080.
	Listen string `toml:"listen"`

	// CommonPrefix is prefixed to every route. If set, must begin with a
	// slash and must not end with one.
	CommonPrefix string `toml:"common_prefix"`

	// PgrestEndpoint is the base URL of the upstream PostgREST instance.
	// If it lacks a scheme, "http://" is prepended.
	PgrestEndpoint string `toml:"pgrest_endpoint" validate:"required"`

	// Scheme and ServerName are used to mint absolute links in HATEOAS
	// response bodies.
	Scheme     string `toml:"scheme" validate:"required,oneof=http https"`
	ServerName string `toml:"server_name" validate:"required"`

	// PageSizeDefault and PageSizeMax bound pagination. Requests with
	// page_size > PageSizeMax fail with a 400.
	PageSizeDefault int `toml:"page_size_default" validate:"gt=0"`
	PageSizeMax     int `toml:"page_size_max" validate:"gtfield=PageSizeDefault"`

	// BatchSize is the bulk-export batch size, and also the metrics
	// variant's size-gate threshold.
	BatchSize int `toml:"batch_size" validate:"gt=0"`

	// AllowAggregation lists the resource ids permitted to use
	// aggregation operators.
	AllowAggregation []string `toml:"allow_aggregation"`

	// DocPath is the mount path for the Swagger UI (unused if no
	// swagger-ui assets are vendored; kept for config compatibility).
	DocPath string `toml:"doc_path"`

	// ResourceTable and IndexExceptionTable name the PostgREST tables
	// backing the Resolver. Default to "tables_index" and
	// "resources_exceptions" respectively, matching the upstream
	// ingestion pipeline's schema.
	ResourceTable       string `toml:"resource_table"`
	IndexExceptionTable string `toml:"index_exception_table"`

	// HealthTable is a table guaranteed to always exist, pinged by the
	// health check with a HEAD request.
	HealthTable string `toml:"health_table" validate:"required"`

	// CORS configures Cross-Origin Resource Sharing. Optional; if nil, no
	// CORS headers are added.
	CORS *CORSConfig `toml:"cors"`

	// LogType is one of "text" or "json".
	LogType string `toml:"log_type" validate:"omitempty,oneof=text json"`
}

// CORSConfig mirrors go-chi/cors.Options, kept as a distinct TOML-tagged
// type so defaults and validation stay independent of the cors package.
type CORSConfig struct {
	AllowedOrigins   []string `toml:"allowed_origins"`
	AllowedMethods   []string `toml:"allowed_methods"`
	AllowedHeaders   []string `toml:"allowed_headers"`
	ExposedHeaders   []string `toml:"exposed_headers"`
	AllowCredentials bool     `toml:"allow_credentials"`
	MaxAge           int      `toml:"max_age"`
}

// DefaultConfig returns a Config populated with the shipped defaults. A
// user-supplied TOML file overrides individual keys on top of this.
func DefaultConfig() Config {
	return Config{
		SchemaVersionField:  SchemaVersion,
		Listen:              ":8080",
		PgrestEndpoint:      "http://localhost:3000",
		Scheme:              "https",
		ServerName:          "localhost",
		PageSizeDefault:     20,
		PageSizeMax:         50,
		BatchSize:           10000,
		DocPath:             "/api/doc",
		ResourceTable:       "tables_index",
		IndexExceptionTable: "resources_exceptions",
		HealthTable:         "migrations_csv",
		LogType:             "text",
	}
}

// LoadConfig reads and decodes a TOML file at path on top of DefaultConfig,
// applies environment variable overrides, and validates the result. An
// empty path skips the file read and applies overrides to the defaults
// directly.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if len(path) > 0 {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to decode config file: %w", err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.IsValid(); err != nil {
		return cfg, err
	}
	if !strings.HasPrefix(cfg.PgrestEndpoint, "http://") && !strings.HasPrefix(cfg.PgrestEndpoint, "https://") {
		cfg.PgrestEndpoint = "http://" + cfg.PgrestEndpoint
	}
	return cfg, nil
}

// applyEnvOverrides overrides individual config keys from environment
// variables of the same name (upper-cased, with keys of the [cors] section
// prefixed by CORS_), coercing each string value to the field's type. The
// [cors] keys are only overridden when the file has a [cors] section.
func applyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = isTruthy(v)
		}
	}
	setList := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(key); ok {
			if len(strings.TrimSpace(v)) == 0 {
				*dst = nil
				return
			}
			parts := strings.Split(v, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			*dst = parts
		}
	}

	setString("LISTEN", &cfg.Listen)
	setString("COMMON_PREFIX", &cfg.CommonPrefix)
	setString("PGREST_ENDPOINT", &cfg.PgrestEndpoint)
	setString("SCHEME", &cfg.Scheme)
	setString("SERVER_NAME", &cfg.ServerName)
	setInt("PAGE_SIZE_DEFAULT", &cfg.PageSizeDefault)
	setInt("PAGE_SIZE_MAX", &cfg.PageSizeMax)
	setInt("BATCH_SIZE", &cfg.BatchSize)
	setList("ALLOW_AGGREGATION", &cfg.AllowAggregation)
	setString("DOC_PATH", &cfg.DocPath)
	setString("LOG_TYPE", &cfg.LogType)
	setString("SCHEMA_VERSION", &cfg.SchemaVersionField)
	setString("RESOURCE_TABLE", &cfg.ResourceTable)
	setString("INDEX_EXCEPTION_TABLE", &cfg.IndexExceptionTable)
	setString("HEALTH_TABLE", &cfg.HealthTable)

	if cfg.CORS != nil {
		setList("CORS_ALLOWED_ORIGINS", &cfg.CORS.AllowedOrigins)
		setList("CORS_ALLOWED_METHODS", &cfg.CORS.AllowedMethods)
		setList("CORS_ALLOWED_HEADERS", &cfg.CORS.AllowedHeaders)
		setList("CORS_EXPOSED_HEADERS", &cfg.CORS.ExposedHeaders)
		setBool("CORS_ALLOW_CREDENTIALS", &cfg.CORS.AllowCredentials)
		setInt("CORS_MAX_AGE", &cfg.CORS.MaxAge)
	}
}

// isTruthy follows the conventional set of truthy strings for boolean env
// var coercion: "1", "true", "yes", "on" (case-insensitive).
func isTruthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

var structValidator = validator.New()

// IsValid validates the configuration, returning a single combined error
// describing every violation, or nil. This also checks that the file's
// schema_version is compatible with SchemaVersion.
func (c *Config) IsValid() error {
	var problems []string

	if err := structValidator.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("field %q: %s", fe.Field(), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	if !semver.IsValid("v" + c.SchemaVersionField) {
		problems = append(problems, fmt.Sprintf("invalid schema_version %q: must be semver", c.SchemaVersionField))
	} else if semver.Canonical("v"+c.SchemaVersionField) != "v"+SchemaVersion {
		problems = append(problems, fmt.Sprintf("incompatible schema_version %q", c.SchemaVersionField))
	}

	if len(c.CommonPrefix) > 0 {
		if !rxPrefix.MatchString(c.CommonPrefix) {
			problems = append(problems, fmt.Sprintf("invalid common_prefix %q", c.CommonPrefix))
		}
	}

	if c.CORS != nil {
		for _, o := range c.CORS.AllowedOrigins {
			if strings.Count(o, "*") > 1 {
				problems = append(problems, fmt.Sprintf("cors: allowed origin %q: can use only 1 wildcard", o))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%d error(s): %s", len(problems), strings.Join(problems, "; "))
	}
	return nil
}

// IsAggregationAllowed reports whether resourceID is a member of the
// configured aggregation allow-list.
func (c *Config) IsAggregationAllowed(resourceID string) bool {
	for _, r := range c.AllowAggregation {
		if r == resourceID {
			return true
		}
	}
	return false
}

// ExternalURL prefixes url with the configured scheme and server name, for
// minting absolute HATEOAS links.
func (c *Config) ExternalURL(path string) string {
	return fmt.Sprintf("%s://%s%s", c.Scheme, c.ServerName, path)
}
