package tabular

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	r := require.New(t)
	cfg := DefaultConfig()
	r.NoError(cfg.IsValid())
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	r := require.New(t)
	os.Setenv("PAGE_SIZE_DEFAULT", "33")
	os.Setenv("ALLOW_AGGREGATION", "res1, res2")
	defer os.Unsetenv("PAGE_SIZE_DEFAULT")
	defer os.Unsetenv("ALLOW_AGGREGATION")

	cfg, err := LoadConfig("")
	r.NoError(err)
	r.Equal(33, cfg.PageSizeDefault)
	r.Equal([]string{"res1", "res2"}, cfg.AllowAggregation)
	r.True(cfg.IsAggregationAllowed("res1"))
	r.False(cfg.IsAggregationAllowed("res3"))
}

func TestConfigRejectsPageSizeMaxBelowDefault(t *testing.T) {
	r := require.New(t)
	cfg := DefaultConfig()
	cfg.PageSizeMax = cfg.PageSizeDefault - 1
	r.Error(cfg.IsValid())
}

func TestConfigExternalURL(t *testing.T) {
	r := require.New(t)
	cfg := DefaultConfig()
	cfg.Scheme = "https"
	cfg.ServerName = "example.org"
	r.Equal("https://example.org/api/resources/r1/", cfg.ExternalURL("/api/resources/r1/"))
}

func TestIsTruthy(t *testing.T) {
	r := require.New(t)
	for _, s := range []string{"1", "true", "YES", "On"} {
		r.True(isTruthy(s), s)
	}
	for _, s := range []string{"0", "false", "", "nope"} {
		r.False(isTruthy(s), s)
	}
}
