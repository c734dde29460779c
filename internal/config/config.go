// Package config loads process-level configuration: environment variables
// for the central collector and gateway binaries, and the gateway's
// folder-alias YAML profile.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// SMTP carries outbound mail transport settings for internal/dispatch.
type SMTP struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	TLS      bool
}

// OAuthDefaults supplies optional fall-back client credentials when a tenant
// connection does not bring its own.
type OAuthDefaults struct {
	ClientID     string
	ClientSecret string
}

// Collector holds the central process's configuration.
type Collector struct {
	Port            string
	LogLevel        string
	DatabaseURL     string
	RedisAddr       string
	VaultDir        string
	KeyFilePath     string
	TenantRegistry  string
	DefaultApprover string
	SMTP            SMTP
	OAuth           OAuthDefaults
	MetricsAddr     string
	OTLPEndpoint    string
}

// Load reads Collector configuration from the environment, falling back to
// development-friendly defaults matching the teacher's env-or-default idiom.
func Load() *Collector {
	return &Collector{
		Port:            getenv("PORT", "8080"),
		LogLevel:        getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:     getenv("DATABASE_URL", "postgres://vcevidence@localhost:5432/vcevidence?sslmode=disable"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		VaultDir:        getenv("VAULT_DIR", "vault"),
		KeyFilePath:     getenv("VC_KEY_FILE", "data/vc_keys.json"),
		TenantRegistry:  getenv("VC_TENANT_REGISTRY", "config/vc_tenants.json"),
		DefaultApprover: getenv("DEFAULT_APPROVER", "ops@openclaw.example"),
		MetricsAddr:     getenv("METRICS_ADDR", ":9090"),
		OTLPEndpoint:    getenv("OTLP_ENDPOINT", "localhost:4317"),
		SMTP: SMTP{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     getenvInt("SMTP_PORT", 587),
			User:     os.Getenv("SMTP_USER"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     os.Getenv("SMTP_FROM"),
			TLS:      os.Getenv("SMTP_TLS") != "false",
		},
		OAuth: OAuthDefaults{
			ClientID:     os.Getenv("OAUTH_CLIENT_ID"),
			ClientSecret: os.Getenv("OAUTH_CLIENT_SECRET"),
		},
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// GatewayProfile is the startup-side agent's YAML configuration: the
// folder-alias-to-root-path map it is willing to serve, plus its shared
// secret and feature flags.
type GatewayProfile struct {
	StartupID     string            `yaml:"startup_id"`
	Folders       map[string]string `yaml:"folders"`
	SharedSecret  string            `yaml:"shared_secret"`
	Port          int               `yaml:"port"`
	MaxArtifacts  int               `yaml:"max_artifacts"`
	IncludeOCR    bool              `yaml:"include_ocr"`
	BodyLimitMiB  int               `yaml:"body_limit_mib"`
}

// LoadGatewayProfile reads and validates a gateway's YAML profile, applying
// the defaults spec §4.1/§4.2 name when fields are omitted.
func LoadGatewayProfile(path string) (*GatewayProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gateway profile %q: %w", path, err)
	}

	var profile GatewayProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse gateway profile %q: %w", path, err)
	}

	if profile.StartupID == "" {
		return nil, fmt.Errorf("gateway profile %q: startup_id is required", path)
	}
	if len(profile.Folders) == 0 {
		return nil, fmt.Errorf("gateway profile %q: at least one folder alias is required", path)
	}
	if profile.Port == 0 {
		profile.Port = 8088
	}
	if profile.MaxArtifacts == 0 {
		profile.MaxArtifacts = 200
	}
	if profile.BodyLimitMiB == 0 {
		profile.BodyLimitMiB = 20
	}

	return &profile, nil
}
