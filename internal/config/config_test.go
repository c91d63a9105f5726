package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig_ParsesServiceAndRequirements(t *testing.T) {
	content := `
service:
  service_name: echo.example.com
  service_config_id: "2026-01-01r0"
  token_cluster: token-agent-cluster
  service_control_uri: https://servicecontrol.googleapis.com
  gcp_attributes:
    zone: us-central1-a
    platform: GKE
requirements:
  1.echo.Echo:
    api_name: echo
    api_version: "1.0"
    api_key:
      allow_without_api_key: false
      locations:
        - "query:key"
        - "header:x-api-key"
    metric_costs:
      - metric: requests
        cost: 1
sc_calling_config:
  network_fail_open: false
  check_retries: 5
`
	path := writeTemp(t, content)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "echo.example.com", cfg.Service.ServiceName)
	assert.Equal(t, "us-central1-a", cfg.Service.GCPAttributes.Zone)

	req, ok := cfg.Requirements["1.echo.Echo"]
	require.True(t, ok)
	assert.Equal(t, "echo", req.ApiName)
	assert.Equal(t, []string{"query:key", "header:x-api-key"}, req.ApiKey.Locations)
	assert.Equal(t, int64(1), req.MetricCosts[0].Cost)

	assert.False(t, cfg.Calling.NetworkFailOpen)
	assert.EqualValues(t, 5, cfg.Calling.CheckRetries)
}

func TestLoad_AppliesCallingConfigDefaults(t *testing.T) {
	content := `
service:
  service_name: echo.example.com
  service_control_uri: https://servicecontrol.googleapis.com
`
	path := writeTemp(t, content)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Calling.NetworkFailOpen)
	assert.EqualValues(t, 1000, cfg.Calling.CheckTimeoutMs)
	assert.EqualValues(t, 5, cfg.Calling.ReportRetries)
}

func TestLoad_MinStreamReportIntervalFloorsAt100ms(t *testing.T) {
	content := `
service:
  service_name: echo.example.com
  service_control_uri: https://servicecontrol.googleapis.com
  min_stream_report_interval_ms: 10
`
	path := writeTemp(t, content)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 100, cfg.Service.MinStreamReportIntervalMs)
}

func TestLoad_GCPZoneDefaultsToGlobal(t *testing.T) {
	content := `
service:
  service_name: echo.example.com
  service_control_uri: https://servicecontrol.googleapis.com
`
	path := writeTemp(t, content)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "global", cfg.Service.GCPAttributes.Zone)
}

func TestLoad_MissingServiceName_ReturnsError(t *testing.T) {
	content := `
service:
  service_control_uri: https://servicecontrol.googleapis.com
`
	path := writeTemp(t, content)

	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "service_name")
}

func TestLoad_RequirementWithPathTemplate_Parses(t *testing.T) {
	content := `
service:
  service_name: echo.example.com
  service_control_uri: https://servicecontrol.googleapis.com
requirements:
  1.echo.Get:
    http_method: GET
    path_template: "/shelves/{shelf}/books/{book}"
`
	path := writeTemp(t, content)

	cfg, err := Load(path)
	require.NoError(t, err)
	req := cfg.Requirements["1.echo.Get"]
	assert.Equal(t, "GET", req.HTTPMethod)
	assert.Equal(t, "/shelves/{shelf}/books/{book}", req.PathTemplate)
}

func TestLoad_RequirementWithOnlyHTTPMethod_ReturnsError(t *testing.T) {
	content := `
service:
  service_name: echo.example.com
  service_control_uri: https://servicecontrol.googleapis.com
requirements:
  1.echo.Get:
    http_method: GET
`
	path := writeTemp(t, content)

	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "path_template")
}

func TestLoad_MissingServiceControlURI_ReturnsError(t *testing.T) {
	content := `
service:
  service_name: echo.example.com
`
	path := writeTemp(t, content)

	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "service_control_uri")
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTemp(t, "{{not yaml")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile_ReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestResolvePath_EnvVar_TakesPriority(t *testing.T) {
	tmp := writeTemp(t, "service:\n  service_name: echo\n")
	t.Setenv("SCGATEWAY_CONFIG", tmp)

	path := ResolvePath()
	assert.Equal(t, tmp, path)
}

func TestResolvePath_NoEnvVar_FallsBackToDefaultFile(t *testing.T) {
	t.Setenv("SCGATEWAY_CONFIG", "")

	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "scgateway.yaml")
	os.WriteFile(yamlPath, []byte("service:\n  service_name: echo\n"), 0o644)

	origDir, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(origDir)

	path := ResolvePath()
	assert.Equal(t, "scgateway.yaml", path)
}

func TestResolvePath_NoEnvVar_NoFile_ReturnsEmpty(t *testing.T) {
	t.Setenv("SCGATEWAY_CONFIG", "")

	dir := t.TempDir()
	origDir, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(origDir)

	path := ResolvePath()
	assert.Equal(t, "", path)
}

// writeTemp creates a temporary YAML file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	f.Close()
	return f.Name()
}
