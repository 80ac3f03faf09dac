package tabular_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/datagouv/tabular-gateway"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakePostgREST serves just enough of the upstream contract for the
// server's handlers to exercise a full request/response round trip.
func fakePostgREST(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/tables_index":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode([]map[string]any{
				{
					"created_at":    "2024-01-01T00:00:00Z",
					"url":           "https://example.org/file.csv",
					"parsing_table": "parsed_r1",
					"deleted_at":    nil,
					"dataset_id":    nil,
				},
			})
		case r.URL.Path == "/resources_exceptions":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[]`))
		case r.URL.Path == "/parsed_r1":
			w.Header().Set("Content-Range", "0-0/1")
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"col_a":"v1"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestServerHandleResourceMeta(t *testing.T) {
	r := require.New(t)
	upstream := fakePostgREST(t)
	defer upstream.Close()

	cfg := tabular.DefaultConfig()
	cfg.PgrestEndpoint = upstream.URL
	cfg.ServerName = "gateway.example.org"

	srv := tabular.NewServer(cfg, upstream.Client(), zerolog.Nop())
	gw := httptest.NewServer(srv.Handler())
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/api/resources/r1/")
	r.NoError(err)
	defer resp.Body.Close()
	r.Equal(http.StatusOK, resp.StatusCode)

	var body map[string]any
	r.NoError(json.NewDecoder(resp.Body).Decode(&body))
	r.Equal("https://example.org/file.csv", body["url"])
	links, ok := body["links"].([]any)
	r.True(ok)
	r.Len(links, 3)
}

func TestServerHandleResourceData(t *testing.T) {
	r := require.New(t)
	upstream := fakePostgREST(t)
	defer upstream.Close()

	cfg := tabular.DefaultConfig()
	cfg.PgrestEndpoint = upstream.URL

	srv := tabular.NewServer(cfg, upstream.Client(), zerolog.Nop())
	gw := httptest.NewServer(srv.Handler())
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/api/resources/r1/data/")
	r.NoError(err)
	defer resp.Body.Close()
	r.Equal(http.StatusOK, resp.StatusCode)

	var body map[string]any
	r.NoError(json.NewDecoder(resp.Body).Decode(&body))
	data, ok := body["data"].([]any)
	r.True(ok)
	r.Len(data, 1)
	meta, ok := body["meta"].(map[string]any)
	r.True(ok)
	r.EqualValues(1, meta["total"])
}

func TestServerHandleAggregationExceptions(t *testing.T) {
	r := require.New(t)
	upstream := fakePostgREST(t)
	defer upstream.Close()

	cfg := tabular.DefaultConfig()
	cfg.PgrestEndpoint = upstream.URL
	cfg.AllowAggregation = []string{"r1", "r2"}

	srv := tabular.NewServer(cfg, upstream.Client(), zerolog.Nop())
	gw := httptest.NewServer(srv.Handler())
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/api/aggregation-exceptions/")
	r.NoError(err)
	defer resp.Body.Close()

	var allowed []string
	r.NoError(json.NewDecoder(resp.Body).Decode(&allowed))
	r.Equal([]string{"r1", "r2"}, allowed)
}
