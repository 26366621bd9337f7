package domain

import (
	"strings"
	"time"
)

// Config holds the complete Kestrel configuration. It is an explicit
// value injected into component constructors; there is no mutable
// package-level configuration.
type Config struct {
	Server ServerConfig `json:"server"`

	// Tier determines infrastructure backends
	Tier Tier `json:"tier"`

	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Narrative  NarrativeConfig  `json:"narrative"`

	// Scoring holds every tunable number the pipeline uses.
	Scoring ScoringConfig `json:"scoring"`

	// Batch coordinator settings
	Batch BatchConfig `json:"batch"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ScoringConfig holds the tunable numeric parameters for rule scoring,
// behavioral detection and alert classification.
type ScoringConfig struct {
	// SeverityScores maps a violation severity to its score contribution.
	SeverityScores map[Severity]float64 `json:"severityScores"`

	// JurisdictionWeights maps upper-cased jurisdiction codes to score
	// multipliers. Unknown codes default to 1.0.
	JurisdictionWeights map[string]float64 `json:"jurisdictionWeights"`

	// Alert classification thresholds. Must be monotonically decreasing.
	CriticalThreshold int `json:"criticalThreshold"`
	HighThreshold     int `json:"highThreshold"`
	MediumThreshold   int `json:"mediumThreshold"`

	// HighRiskCountries is the configured FATF-style high-risk list.
	HighRiskCountries []string `json:"highRiskCountries"`

	// Behavioral detector thresholds
	MinHistorySize         int     `json:"minHistorySize"`
	VelocityMultiplier     float64 `json:"velocityMultiplier"`
	SmurfingMinTxns        int     `json:"smurfingMinTxns"`
	SmurfingThreshold      float64 `json:"smurfingThreshold"`
	SmurfingPct            float64 `json:"smurfingPct"`
	MinClusterTxns         int     `json:"minClusterTxns"`
	ClusteringThresholdPct float64 `json:"clusteringThresholdPct"`

	// HistoryWindowDays bounds the history query for behavioral checks.
	HistoryWindowDays int `json:"historyWindowDays"`
	HistoryLimit      int `json:"historyLimit"`
}

// SeverityScore returns the configured score for a severity.
func (c ScoringConfig) SeverityScore(s Severity) float64 {
	if score, ok := c.SeverityScores[s]; ok {
		return score
	}
	return 0
}

// JurisdictionWeight returns the configured multiplier for a
// jurisdiction. Lookup is case-insensitive; unknown codes return 1.0.
func (c ScoringConfig) JurisdictionWeight(jurisdiction string) float64 {
	if w, ok := c.JurisdictionWeights[strings.ToUpper(jurisdiction)]; ok {
		return w
	}
	return 1.0
}

// IsHighRiskCountry reports whether a country is on the configured
// high-risk list. Comparison is case-insensitive.
func (c ScoringConfig) IsHighRiskCountry(country string) bool {
	if country == "" {
		return false
	}
	for _, hr := range c.HighRiskCountries {
		if strings.EqualFold(hr, country) {
			return true
		}
	}
	return false
}

// NarrativeConfig holds settings for the text-completion collaborator.
type NarrativeConfig struct {
	Endpoint       string  `json:"endpoint"`
	Model          string  `json:"model,omitempty"`
	Temperature    float64 `json:"temperature"`
	MaxTokens      int     `json:"maxTokens"`
	TimeoutSeconds int     `json:"timeoutSeconds"`
	MaxRetries     int     `json:"maxRetries"`
}

// BatchConfig holds batch coordinator settings.
type BatchConfig struct {
	// MaxConcurrency bounds the worker pool size.
	MaxConcurrency int `json:"maxConcurrency"`

	// ProgressInterval is the number of completions between persisted
	// progress updates.
	ProgressInterval int `json:"progressInterval"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
	Endpoint    string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity uses SQLite + in-process channels + local LRU cache.
	TierCommunity Tier = "community"

	// TierPro uses PostgreSQL + NATS + Redis.
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for the Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Narrative: NarrativeConfig{
			Temperature:    0.0,
			MaxTokens:      1024,
			TimeoutSeconds: 10,
			MaxRetries:     3,
		},
		Scoring: DefaultScoringConfig(),
		Batch: BatchConfig{
			MaxConcurrency:   8,
			ProgressInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for the Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// DefaultScoringConfig returns the baseline scoring parameters.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		SeverityScores: map[Severity]float64{
			SeverityCritical: 100,
			SeverityHigh:     65,
			SeverityMedium:   40,
			SeverityLow:      20,
		},
		JurisdictionWeights: map[string]float64{
			"HK": 1.2,
			"SG": 1.0,
		},
		CriticalThreshold: 76,
		HighThreshold:     51,
		MediumThreshold:   26,
		HighRiskCountries: []string{"IR", "KP", "MM"},

		MinHistorySize:         5,
		VelocityMultiplier:     3.0,
		SmurfingMinTxns:        3,
		SmurfingThreshold:      8000,
		SmurfingPct:            0.9,
		MinClusterTxns:         5,
		ClusteringThresholdPct: 15.0,

		HistoryWindowDays: 30,
		HistoryLimit:      500,
	}
}
