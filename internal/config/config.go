package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/patient-risk-monitor/internal/domain"
)

// Manager implements the ConfigManager interface using Viper
type Manager struct {
	v      *viper.Viper
	config *domain.Config
}

// NewManager creates a new configuration manager
func NewManager() (*Manager, error) {
	m := &Manager{v: viper.New()}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	v := m.v
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/patient-risk-monitor/")

	v.SetEnvPrefix("PRM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	m.setDefaults()

	// Config file is optional; defaults and env vars cover everything.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

// setDefaults sets default configuration values
func (m *Manager) setDefaults() {
	v := m.v

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.request_timeout", "15s")
	v.SetDefault("server.rate_limit", 100.0/60.0)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "patient_risk")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.migrations_path", "") // embedded migrations

	// Cache defaults
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.redis_url", "redis://localhost:6379")
	v.SetDefault("cache.snapshot_ttl", "24h")
	v.SetDefault("cache.key_prefix", "prm")
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.pool_size", 10)
	v.SetDefault("cache.pool_timeout", "4s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Clinical policy defaults
	p := domain.DefaultPolicy()
	v.SetDefault("policy.bounds.heart_rate.min", p.Bounds.HeartRate.Min)
	v.SetDefault("policy.bounds.heart_rate.max", p.Bounds.HeartRate.Max)
	v.SetDefault("policy.bounds.systolic_bp.min", p.Bounds.SystolicBP.Min)
	v.SetDefault("policy.bounds.systolic_bp.max", p.Bounds.SystolicBP.Max)
	v.SetDefault("policy.bounds.diastolic_bp.min", p.Bounds.DiastolicBP.Min)
	v.SetDefault("policy.bounds.diastolic_bp.max", p.Bounds.DiastolicBP.Max)
	v.SetDefault("policy.bounds.respiratory_rate.min", p.Bounds.RespiratoryRate.Min)
	v.SetDefault("policy.bounds.respiratory_rate.max", p.Bounds.RespiratoryRate.Max)
	v.SetDefault("policy.bounds.oxygen_saturation.min", p.Bounds.OxygenSaturation.Min)
	v.SetDefault("policy.bounds.oxygen_saturation.max", p.Bounds.OxygenSaturation.Max)
	v.SetDefault("policy.bounds.temperature.min", p.Bounds.Temperature.Min)
	v.SetDefault("policy.bounds.temperature.max", p.Bounds.Temperature.Max)
	v.SetDefault("policy.categories.low_upper", p.Categories.LowUpper)
	v.SetDefault("policy.categories.high_lower", p.Categories.HighLower)
	v.SetDefault("policy.overlay.oxygen_saturation_floor", p.Overlay.OxygenSaturationFloor)
	v.SetDefault("policy.overlay.systolic_low", p.Overlay.SystolicLow)
	v.SetDefault("policy.overlay.systolic_high", p.Overlay.SystolicHigh)
	v.SetDefault("policy.overlay.diastolic_low", p.Overlay.DiastolicLow)
	v.SetDefault("policy.overlay.diastolic_high", p.Overlay.DiastolicHigh)
	v.SetDefault("policy.anomaly.heart_rate_delta", p.Anomaly.HeartRateDelta)
	v.SetDefault("policy.anomaly.systolic_delta", p.Anomaly.SystolicDelta)
	v.SetDefault("policy.anomaly.temperature_delta", p.Anomaly.TemperatureDelta)
	v.SetDefault("policy.duplicate_window", p.DuplicateWindow.String())

	// Scoring defaults
	v.SetDefault("scoring.mode", domain.ScoringModeHeuristic)
	v.SetDefault("scoring.endpoint", "")
	v.SetDefault("scoring.timeout", "5s")
	v.SetDefault("scoring.rate_limit", 20)
	v.SetDefault("scoring.retry_count", 2)
	v.SetDefault("scoring.memo_size", 4096)
	v.SetDefault("scoring.breaker_trips", 5)
	v.SetDefault("scoring.breaker_reset", "30s")

	// Simulation defaults
	v.SetDefault("simulation.scale", 5.0)
	v.SetDefault("simulation.tick_interval", "60s")
	v.SetDefault("simulation.auto_start", false)
	v.SetDefault("simulation.generate_readings", true)
	v.SetDefault("simulation.seed", 1)

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "patient-risk-alerts")
	v.SetDefault("kafka.min_category", "HIGH")
	v.SetDefault("kafka.write_timeout", "5s")

	// MQTT defaults
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "patient-risk-monitor")
	v.SetDefault("mqtt.topic", "vitals/+/readings")
	v.SetDefault("mqtt.qos", 1)
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// GetPolicyConfig returns the clinical policy
func (m *Manager) GetPolicyConfig() *domain.PolicyConfig {
	return &m.config.Policy
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if config.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if config.Cache.Enabled && config.Cache.RedisURL == "" {
		return fmt.Errorf("redis URL is required when the cache is enabled")
	}

	if err := ValidatePolicy(&config.Policy); err != nil {
		return err
	}
	if err := ValidateScoring(&config.Scoring); err != nil {
		return err
	}
	if err := ValidateSimulation(&config.Simulation); err != nil {
		return err
	}

	if config.Kafka.Enabled && len(config.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required when kafka is enabled")
	}
	if config.MQTT.Enabled && config.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker is required when mqtt is enabled")
	}
	if config.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos: %d", config.MQTT.QoS)
	}

	return nil
}

// ValidatePolicy checks that bounds are ordered and category thresholds
// are monotonic inside 0-100.
func ValidatePolicy(p *domain.PolicyConfig) error {
	fields := map[string]domain.Bounds{
		"heart_rate":        p.Bounds.HeartRate,
		"systolic_bp":       p.Bounds.SystolicBP,
		"diastolic_bp":      p.Bounds.DiastolicBP,
		"respiratory_rate":  p.Bounds.RespiratoryRate,
		"oxygen_saturation": p.Bounds.OxygenSaturation,
		"temperature":       p.Bounds.Temperature,
	}
	for name, b := range fields {
		if b.Min >= b.Max {
			return fmt.Errorf("invalid %s bounds: min %.1f must be below max %.1f", name, b.Min, b.Max)
		}
	}

	c := p.Categories
	if c.LowUpper < 0 || c.HighLower > 100 || c.LowUpper > c.HighLower {
		return fmt.Errorf("category thresholds must satisfy 0 <= low_upper (%.1f) <= high_lower (%.1f) <= 100",
			c.LowUpper, c.HighLower)
	}

	if p.DuplicateWindow < 0 {
		return fmt.Errorf("duplicate window cannot be negative")
	}
	return nil
}

// ValidateScoring checks the scoring section.
func ValidateScoring(s *domain.ScoringConfig) error {
	switch s.Mode {
	case domain.ScoringModeHeuristic:
	case domain.ScoringModeHTTP:
		if s.Endpoint == "" {
			return fmt.Errorf("scoring endpoint is required in http mode")
		}
	default:
		return fmt.Errorf("unknown scoring mode %q", s.Mode)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("scoring timeout must be positive")
	}
	return nil
}

// ValidateSimulation checks the simulation section.
func ValidateSimulation(s *domain.SimulationConfig) error {
	if s.Scale <= 0 {
		return fmt.Errorf("simulation scale must be positive, got %v", s.Scale)
	}
	if s.TickInterval <= 0 {
		return fmt.Errorf("simulation tick interval must be positive")
	}
	return nil
}
