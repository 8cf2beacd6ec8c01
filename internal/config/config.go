// Package config loads and overlays runtime configuration, generalized
// from the teacher's internal/app FileConfig/ApplyFileConfig/
// ApplyEnvToConfig trio: a flag-parsed Config struct, overlaid by a
// nested YAML file, overlaid (lowest precedence in, highest precedence
// out) by environment variables, exactly as the teacher composes its
// three layers in cmd/goresearch/main.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperifyio/runbookd/internal/source"
)

// Config is the fully-resolved runtime configuration.
type Config struct {
	Server   ServerConfig
	Sources  []SourceConfig
	Cache    CacheConfig
	Quota    QuotaConfig
	LogLevel string
}

type ServerConfig struct {
	Addr          string
	QueryDeadline time.Duration
}

type CacheConfig struct {
	L1MaxEntries int
	L2URL        string // empty disables L2 (redis)
	TTLByType    map[string]time.Duration
}

// QuotaConfig is the default rate-limit discipline applied to any source
// that doesn't override it.
type QuotaConfig struct {
	MinInterval   time.Duration
	HourlyLimit   int
	QuotaFraction float64
	SafetyBuffer  int
}

// SourceConfig configures one adapter, identified by Type. Fields not
// applicable to a given type are ignored; Secrets are resolved
// separately (see ResolveSecrets) because they come from environment
// variables, never the file.
type SourceConfig struct {
	Name string
	Type source.Type

	// Common to every adapter type, per spec.md §6.3.
	Enabled         bool
	Priority        int
	Categories      []string
	RefreshInterval time.Duration
	Timeout         time.Duration

	// filesystem
	RootDir    string
	Extensions []string
	MaxDepth   int
	Watch      bool

	// wiki
	BaseURL  string
	SpaceKey string

	// forge
	APIBaseURL     string
	Owner          string
	Repo           string
	Ref            string
	Path           string
	CacheTTL       string
	Concurrency    int
	BulkRepoCount  int
	OrgScanConsent bool

	// http
	Endpoints []EndpointConfig
	Headers   map[string]string

	Username string
	Token    string

	RateLimit QuotaConfig
}

type EndpointConfig struct {
	Name        string
	URL         string
	Method      string
	ExtractKind string
	ExtractRule string
	TitleRule   string

	QueryParams map[string]string
	Body        string
	Headers     map[string]string

	Timeout   time.Duration
	RateLimit QuotaConfig
}

// FileConfig is the on-disk nested YAML schema, per spec.md §4's
// external-interfaces section. It mirrors Config's shape closely enough
// that ApplyFileConfig is a near-direct field copy, the same "generous
// overlay" relationship the teacher's FileConfig has with its Config.
type FileConfig struct {
	Server struct {
		Addr          string `yaml:"addr"`
		QueryDeadline string `yaml:"query_deadline"`
	} `yaml:"server"`

	Sources []struct {
		Name            string            `yaml:"name"`
		Type            string            `yaml:"type"`
		Enabled         *bool             `yaml:"enabled"`
		Priority        int               `yaml:"priority"`
		Categories      []string          `yaml:"categories"`
		RefreshInterval string            `yaml:"refresh_interval"`
		TimeoutMs       int               `yaml:"timeout_ms"`
		RootDir         string            `yaml:"root_dir"`
		Extensions      []string          `yaml:"extensions"`
		MaxDepth        int               `yaml:"max_depth"`
		Watch           bool              `yaml:"watch"`
		BaseURL         string            `yaml:"base_url"`
		SpaceKey        string            `yaml:"space_key"`
		APIBaseURL      string            `yaml:"api_base_url"`
		Owner           string            `yaml:"owner"`
		Repo            string            `yaml:"repo"`
		Ref             string            `yaml:"ref"`
		Path            string            `yaml:"path"`
		CacheTTL        string            `yaml:"cache_ttl"`
		Concurrency     int               `yaml:"concurrency"`
		BulkRepoCount   int               `yaml:"bulk_repo_count"`
		OrgScanConsent  bool              `yaml:"org_scan_consent"`
		Headers         map[string]string `yaml:"headers"`
		Endpoints       []struct {
			Name        string            `yaml:"name"`
			URL         string            `yaml:"url"`
			Method      string            `yaml:"method"`
			ExtractKind string            `yaml:"extract_kind"`
			ExtractRule string            `yaml:"extract_rule"`
			TitleRule   string            `yaml:"title_rule"`
			QueryParams map[string]string `yaml:"query_params"`
			Body        string            `yaml:"body"`
			Headers     map[string]string `yaml:"headers"`
			TimeoutMs   int               `yaml:"timeout_ms"`
			RateLimit   struct {
				MinInterval   string  `yaml:"min_interval"`
				HourlyLimit   int     `yaml:"hourly_limit"`
				QuotaFraction float64 `yaml:"quota_fraction"`
				SafetyBuffer  int     `yaml:"safety_buffer"`
			} `yaml:"rate_limit"`
		} `yaml:"endpoints"`
		RateLimit struct {
			MinInterval   string  `yaml:"min_interval"`
			HourlyLimit   int     `yaml:"hourly_limit"`
			QuotaFraction float64 `yaml:"quota_fraction"`
			SafetyBuffer  int     `yaml:"safety_buffer"`
		} `yaml:"rate_limit"`
	} `yaml:"sources"`

	Cache struct {
		L1MaxEntries int               `yaml:"l1_max_entries"`
		L2URL        string            `yaml:"l2_url"`
		TTLByType    map[string]string `yaml:"ttl_by_type"`
	} `yaml:"cache"`

	Quota struct {
		MinInterval   string  `yaml:"min_interval"`
		HourlyLimit   int     `yaml:"hourly_limit"`
		QuotaFraction float64 `yaml:"quota_fraction"`
		SafetyBuffer  int     `yaml:"safety_buffer"`
	} `yaml:"quota"`

	LogLevel string `yaml:"log_level"`
}

// LoadFile reads and parses a YAML config file, rejecting unknown
// top-level keys the way a hand-maintained ops config should (a typo'd
// key should fail loudly, not be silently ignored).
func LoadFile(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return fc, fmt.Errorf("parse config: %w", err)
	}
	return fc, nil
}

// ApplyFileConfig overlays fc into cfg, the same "fill unset fields"
// relationship the teacher's ApplyFileConfig has with flags: a value
// already set (e.g. by a flag) is never overwritten.
func ApplyFileConfig(cfg *Config, fc FileConfig) error {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = fc.Server.Addr
	}
	if cfg.Server.QueryDeadline == 0 && fc.Server.QueryDeadline != "" {
		d, err := time.ParseDuration(fc.Server.QueryDeadline)
		if err != nil {
			return fmt.Errorf("server.query_deadline: %w", err)
		}
		cfg.Server.QueryDeadline = d
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = fc.LogLevel
	}

	if cfg.Cache.L1MaxEntries == 0 {
		cfg.Cache.L1MaxEntries = fc.Cache.L1MaxEntries
	}
	if cfg.Cache.L2URL == "" {
		cfg.Cache.L2URL = fc.Cache.L2URL
	}
	if cfg.Cache.TTLByType == nil {
		cfg.Cache.TTLByType = map[string]time.Duration{}
	}
	for k, v := range fc.Cache.TTLByType {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("cache.ttl_by_type[%s]: %w", k, err)
		}
		cfg.Cache.TTLByType[k] = d
	}

	quota, err := quotaFromFile(fc.Quota.MinInterval, fc.Quota.HourlyLimit, fc.Quota.QuotaFraction, fc.Quota.SafetyBuffer)
	if err != nil {
		return fmt.Errorf("quota: %w", err)
	}
	cfg.Quota = quota

	for _, s := range fc.Sources {
		if s.Name == "" || s.Type == "" {
			return fmt.Errorf("source entry missing name or type")
		}
		enabled := true
		if s.Enabled != nil {
			enabled = *s.Enabled
		}
		sc := SourceConfig{
			Name: s.Name, Type: source.Type(s.Type),
			Enabled: enabled, Priority: s.Priority, Categories: s.Categories,
			RootDir: s.RootDir, Extensions: s.Extensions, MaxDepth: s.MaxDepth, Watch: s.Watch,
			BaseURL: s.BaseURL, SpaceKey: s.SpaceKey,
			APIBaseURL: s.APIBaseURL, Owner: s.Owner, Repo: s.Repo, Ref: s.Ref, Path: s.Path, CacheTTL: s.CacheTTL,
				Concurrency: s.Concurrency, BulkRepoCount: s.BulkRepoCount, OrgScanConsent: s.OrgScanConsent,
			Headers: s.Headers,
		}
		if s.RefreshInterval != "" {
			d, err := time.ParseDuration(s.RefreshInterval)
			if err != nil {
				return fmt.Errorf("source %s refresh_interval: %w", s.Name, err)
			}
			sc.RefreshInterval = d
		}
		if s.TimeoutMs > 0 {
			sc.Timeout = time.Duration(s.TimeoutMs) * time.Millisecond
		}
		for _, e := range s.Endpoints {
			epRL, eperr := quotaFromFile(e.RateLimit.MinInterval, e.RateLimit.HourlyLimit, e.RateLimit.QuotaFraction, e.RateLimit.SafetyBuffer)
			if eperr != nil {
				return fmt.Errorf("source %s endpoint %s rate_limit: %w", s.Name, e.Name, eperr)
			}
			ec := EndpointConfig{
				Name: e.Name, URL: e.URL, Method: e.Method, ExtractKind: e.ExtractKind, ExtractRule: e.ExtractRule, TitleRule: e.TitleRule,
				QueryParams: e.QueryParams, Body: e.Body, Headers: e.Headers, RateLimit: epRL,
			}
			if e.TimeoutMs > 0 {
				ec.Timeout = time.Duration(e.TimeoutMs) * time.Millisecond
			}
			sc.Endpoints = append(sc.Endpoints, ec)
		}
		rl, rerr := quotaFromFile(s.RateLimit.MinInterval, s.RateLimit.HourlyLimit, s.RateLimit.QuotaFraction, s.RateLimit.SafetyBuffer)
		if rerr != nil {
			return fmt.Errorf("source %s rate_limit: %w", s.Name, rerr)
		}
		if rl.HourlyLimit == 0 {
			rl = cfg.Quota
		}
		sc.RateLimit = rl
		cfg.Sources = append(cfg.Sources, sc)
	}
	return nil
}

func quotaFromFile(minInterval string, hourlyLimit int, quotaFraction float64, safetyBuffer int) (QuotaConfig, error) {
	var q QuotaConfig
	if minInterval != "" {
		d, err := time.ParseDuration(minInterval)
		if err != nil {
			return q, err
		}
		q.MinInterval = d
	}
	q.HourlyLimit = hourlyLimit
	q.QuotaFraction = quotaFraction
	q.SafetyBuffer = safetyBuffer
	return q, nil
}

// ApplyEnvToConfig overlays environment variables, the lowest-precedence
// layer (mirrors the teacher's ApplyEnvToConfig, which only fills fields
// still unset after flags and file config).
func ApplyEnvToConfig(cfg *Config) {
	if cfg.Server.Addr == "" {
		if v := os.Getenv("RUNBOOKD_ADDR"); v != "" {
			cfg.Server.Addr = v
		}
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = os.Getenv("RUNBOOKD_LOG_LEVEL")
	}
	if cfg.Cache.L2URL == "" {
		cfg.Cache.L2URL = os.Getenv("RUNBOOKD_REDIS_URL")
	}
}

// ResolveSecrets fills each source's Username/Token from
// {ADAPTER_NAME}_USERNAME / {ADAPTER_NAME}_TOKEN environment variables,
// per spec.md §4's secrets-resolution rule; a {ADAPTER_NAME}_PASSWORD
// variable is not read.
// A source whose config references credentials it cannot find is a
// CONFIG error, not a silent skip: a documentation source silently
// running unauthenticated is worse than a loud startup failure.
func ResolveSecrets(sources []SourceConfig) error {
	for i := range sources {
		s := &sources[i]
		envPrefix := strings.ToUpper(strings.Map(safeEnvChar, s.Name))
		if s.Token == "" {
			s.Token = os.Getenv(envPrefix + "_TOKEN")
		}
		if s.Username == "" {
			s.Username = os.Getenv(envPrefix + "_USERNAME")
		}
		requiresAuth := s.Type == source.TypeWiki || s.Type == source.TypeForge
		if requiresAuth && s.Token == "" {
			return source.NewError(source.CodeConfig, fmt.Sprintf("source %s: no %s_TOKEN found in environment", s.Name, envPrefix), nil)
		}
	}
	return nil
}

func safeEnvChar(r rune) rune {
	if r >= 'a' && r <= 'z' {
		return r - 32
	}
	if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
		return r
	}
	return '_'
}

// ParseBool is a small helper the flag layer uses for env-style boolean
// overrides ("1", "true", "yes").
func ParseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}
