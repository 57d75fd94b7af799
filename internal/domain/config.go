package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Scoring    ScoringConfig    `mapstructure:"scoring"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// CacheConfig represents Redis cache configuration
type CacheConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	RedisURL    string        `mapstructure:"redis_url"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Bounds is an inclusive clinical range.
type Bounds struct {
	Min float64 `mapstructure:"min" json:"min"`
	Max float64 `mapstructure:"max" json:"max"`
}

// Contains reports whether v lies within the inclusive range.
func (b Bounds) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// VitalBounds holds the accepted range of every measured field.
type VitalBounds struct {
	HeartRate        Bounds `mapstructure:"heart_rate"`
	SystolicBP       Bounds `mapstructure:"systolic_bp"`
	DiastolicBP      Bounds `mapstructure:"diastolic_bp"`
	RespiratoryRate  Bounds `mapstructure:"respiratory_rate"`
	OxygenSaturation Bounds `mapstructure:"oxygen_saturation"`
	Temperature      Bounds `mapstructure:"temperature"`
}

// AnomalyConfig holds the advisory delta thresholds.
type AnomalyConfig struct {
	HeartRateDelta   float64 `mapstructure:"heart_rate_delta"`
	SystolicDelta    float64 `mapstructure:"systolic_delta"`
	TemperatureDelta float64 `mapstructure:"temperature_delta"`
}

// CategoryThresholds split the 0-100 score into categories:
// score < LowUpper is LOW, score >= HighLower is HIGH, MODERATE between.
type CategoryThresholds struct {
	LowUpper  float64 `mapstructure:"low_upper"`
	HighLower float64 `mapstructure:"high_lower"`
}

// OverlayConfig holds the critical bounds that force a HIGH category.
type OverlayConfig struct {
	OxygenSaturationFloor float64 `mapstructure:"oxygen_saturation_floor"`
	SystolicLow           float64 `mapstructure:"systolic_low"`
	SystolicHigh          float64 `mapstructure:"systolic_high"`
	DiastolicLow          float64 `mapstructure:"diastolic_low"`
	DiastolicHigh         float64 `mapstructure:"diastolic_high"`
}

// PolicyConfig groups every clinical policy value.
type PolicyConfig struct {
	Bounds          VitalBounds        `mapstructure:"bounds"`
	Categories      CategoryThresholds `mapstructure:"categories"`
	Overlay         OverlayConfig      `mapstructure:"overlay"`
	Anomaly         AnomalyConfig      `mapstructure:"anomaly"`
	DuplicateWindow time.Duration      `mapstructure:"duplicate_window"`
}

// ScoringConfig configures the risk model.
type ScoringConfig struct {
	Mode         string        `mapstructure:"mode"`
	Endpoint     string        `mapstructure:"endpoint"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	RetryCount   int           `mapstructure:"retry_count"`
	MemoSize     int           `mapstructure:"memo_size"`
	BreakerTrips uint32        `mapstructure:"breaker_trips"`
	BreakerReset time.Duration `mapstructure:"breaker_reset"`
}

// Scoring modes.
const (
	ScoringModeHeuristic = "heuristic"
	ScoringModeHTTP      = "http"
)

// SimulationConfig configures the accelerated clock and tick pass.
type SimulationConfig struct {
	Scale            float64       `mapstructure:"scale"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	AutoStart        bool          `mapstructure:"auto_start"`
	GenerateReadings bool          `mapstructure:"generate_readings"`
	Seed             int64         `mapstructure:"seed"`
}

// KafkaConfig configures risk alert publishing.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	MinCategory  string        `mapstructure:"min_category"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// MQTTConfig configures bedside monitor ingestion.
type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topic    string `mapstructure:"topic"`
	QoS      byte   `mapstructure:"qos"`
}

// DefaultPolicy returns the clinical policy used when nothing is configured.
func DefaultPolicy() PolicyConfig {
	return PolicyConfig{
		Bounds: VitalBounds{
			HeartRate:        Bounds{Min: 30, Max: 200},
			SystolicBP:       Bounds{Min: 50, Max: 300},
			DiastolicBP:      Bounds{Min: 20, Max: 200},
			RespiratoryRate:  Bounds{Min: 5, Max: 60},
			OxygenSaturation: Bounds{Min: 50, Max: 100},
			Temperature:      Bounds{Min: 30, Max: 45},
		},
		Categories: CategoryThresholds{LowUpper: 45, HighLower: 65},
		Overlay: OverlayConfig{
			OxygenSaturationFloor: 88,
			SystolicLow:           80,
			SystolicHigh:          200,
			DiastolicLow:          40,
			DiastolicHigh:         120,
		},
		Anomaly: AnomalyConfig{
			HeartRateDelta:   50,
			SystolicDelta:    40,
			TemperatureDelta: 3.0,
		},
		DuplicateWindow: 5 * time.Minute,
	}
}
