// Package config handles loading and validating scgateway.yaml, the
// gateway's per-service, per-requirement, and calling-config settings.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level scgateway.yaml configuration.
type Config struct {
	Service      ServiceConfig                `yaml:"service"`
	Requirements map[string]RequirementConfig `yaml:"requirements"` // keyed by operation_name
	Calling      CallingConfig                `yaml:"sc_calling_config"`
}

// ServiceConfig carries the per-service identity and ambient attributes
// forwarded on every Service Control call.
type ServiceConfig struct {
	ServiceName       string        `yaml:"service_name"`
	ServiceConfigID   string        `yaml:"service_config_id"`
	TokenCluster      string        `yaml:"token_cluster"`
	ServiceControlURI string        `yaml:"service_control_uri"`
	GCPAttributes     GCPAttributes `yaml:"gcp_attributes"`

	// LogRequestHeaders names downstream request headers copied into
	// every report's log-entry struct payload (internal/handler,
	// internal/report). LogResponseHeaders is parsed and validated for
	// schema completeness but never populated: this gateway builds and
	// enqueues a request's report before the opaque backend response is
	// available (see DESIGN.md's internal/report entry), so there is no
	// response to read headers from yet.
	LogRequestHeaders           []string `yaml:"log_request_headers"`
	LogResponseHeaders          []string `yaml:"log_response_headers"`
	JWTPayloadMetadataName      string   `yaml:"jwt_payload_metadata_name"`
	MinStreamReportIntervalMs   int64    `yaml:"min_stream_report_interval_ms"`
	BackendProtocol             string   `yaml:"backend_protocol"`
	ClientIPFromForwardedHeader bool     `yaml:"client_ip_from_forwarded_header"`
}

// GCPAttributes populates the gateway's default reporting labels.
type GCPAttributes struct {
	Zone     string `yaml:"zone"`
	Platform string `yaml:"platform"`
}

// ApiKeyConfig controls API-key enforcement for one requirement.
type ApiKeyConfig struct {
	AllowWithoutApiKey bool     `yaml:"allow_without_api_key"`
	Locations          []string `yaml:"locations"` // e.g. "query:key", "header:x-api-key", "cookie:key"
}

// MetricCost is one (metric, cost) pair charged against quota for a
// requirement.
type MetricCost struct {
	Metric string `yaml:"metric"`
	Cost   int64  `yaml:"cost"`
}

// RequirementConfig is the per-operation enforcement configuration,
// keyed in Config.Requirements by operation_name.
type RequirementConfig struct {
	ApiName            string            `yaml:"api_name"`
	ApiVersion         string            `yaml:"api_version"`
	ApiKey             ApiKeyConfig      `yaml:"api_key"`
	MetricCosts        []MetricCost      `yaml:"metric_costs"`
	SkipServiceControl bool              `yaml:"skip_service_control"`
	SystemParameters   map[string]string `yaml:"system_parameters"`

	// HTTPMethod and PathTemplate register this operation with the path
	// matcher (C2); PathTemplate follows the C1 URI-template grammar.
	HTTPMethod   string `yaml:"http_method"`
	PathTemplate string `yaml:"path_template"`
}

// CallingConfig tunes the filter's own timeouts and retry budgets for
// each Service Control RPC.
type CallingConfig struct {
	NetworkFailOpen bool  `yaml:"network_fail_open"`
	CheckTimeoutMs  int64 `yaml:"check_timeout_ms"`
	QuotaTimeoutMs  int64 `yaml:"quota_timeout_ms"`
	ReportTimeoutMs int64 `yaml:"report_timeout_ms"`
	CheckRetries    uint  `yaml:"check_retries"`
	QuotaRetries    uint  `yaml:"quota_retries"`
	ReportRetries   uint  `yaml:"report_retries"`
}

// defaultCallingConfig mirrors ESPv2's filter defaults.
func defaultCallingConfig() CallingConfig {
	return CallingConfig{
		NetworkFailOpen: true,
		CheckTimeoutMs:  1000,
		QuotaTimeoutMs:  1000,
		ReportTimeoutMs: 2000,
		CheckRetries:    3,
		QuotaRetries:    1,
		ReportRetries:   5,
	}
}

// Load parses an scgateway.yaml file at path and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Config{Calling: defaultCallingConfig()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Service.MinStreamReportIntervalMs == 0 {
		cfg.Service.MinStreamReportIntervalMs = 10000
	}
	if cfg.Service.MinStreamReportIntervalMs < 100 {
		cfg.Service.MinStreamReportIntervalMs = 100
	}
	if cfg.Service.GCPAttributes.Zone == "" {
		cfg.Service.GCPAttributes.Zone = "global"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolvePath finds the config file path. Priority: SCGATEWAY_CONFIG
// env var > ./scgateway.yaml.
func ResolvePath() string {
	if p := os.Getenv("SCGATEWAY_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("scgateway.yaml"); err == nil {
		return "scgateway.yaml"
	}
	return ""
}

func (c *Config) validate() error {
	if c.Service.ServiceName == "" {
		return fmt.Errorf("service.service_name is required")
	}
	if c.Service.ServiceControlURI == "" {
		return fmt.Errorf("service.service_control_uri is required")
	}
	for name, req := range c.Requirements {
		for _, loc := range req.ApiKey.Locations {
			if loc == "" {
				return fmt.Errorf("requirement %q: empty api_key location", name)
			}
		}
		for _, mc := range req.MetricCosts {
			if mc.Metric == "" {
				return fmt.Errorf("requirement %q: metric_costs entry missing metric name", name)
			}
		}
		if (req.HTTPMethod == "") != (req.PathTemplate == "") {
			return fmt.Errorf("requirement %q: http_method and path_template must both be set or both be empty", name)
		}
	}
	return nil
}
