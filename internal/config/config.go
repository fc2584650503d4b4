package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	KafkaBrokers     []string
	KafkaSourceTopic string
	KafkaSinkTopic   string
	KafkaGroupID     string

	HTTPAddr string            // ops server: health, readiness, metrics
	APIAddr  string            // public API server: signals, verifications, admin
	APIKeys  map[string]string // apiKey -> actor identifier

	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	BatchSize       int

	// DBURL selects the Postgres store when set; empty runs in-memory.
	DBURL string

	// TrustTablePath points at the source-weight YAML; empty uses built-ins.
	TrustTablePath string

	Policy Policy

	// AI evaluation collaborator.
	AIEvalURL     string
	AIEvalToken   string
	AIEvalEnabled bool
	AIEvalTimeout time.Duration
	AIEvalRate    float64 // requests per second

	MaintenanceInterval time.Duration
}

// Policy bundles the tunable engine thresholds. The defaults satisfy the
// documented scenarios (three 0.20-weight social posts promote at monitor;
// one official signal floor-boosts past the alert threshold).
type Policy struct {
	ClusterRadiusKM    float64
	ClusterIdleWindow  time.Duration
	PromotionThreshold float64
	AlertThreshold     float64
	SuppressFloor      float64
	OfficialFloor      float64
	DiversityBonus     float64 // multiplier per extra source category
	VerificationDelta  float64 // base delta per verification, scaled by reputation
	ResolveWeight      float64 // summed reputation needed to auto-resolve
	AIMergeWeight      float64 // share of the AI confidence in the merged score
	NotifyRadiusKM     float64
	NotificationTTL    time.Duration
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := parseDurationEnv("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	batchSize, err := parseIntEnv("BATCH_SIZE", 50)
	if err != nil {
		return nil, err
	}
	maintenanceInterval, err := parseDurationEnv("MAINTENANCE_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}

	policy, err := loadPolicy()
	if err != nil {
		return nil, err
	}

	aiTimeout, err := parseDurationEnv("AIEVAL_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	aiRate, err := parseFloatEnv("AIEVAL_RATE", 1.0)
	if err != nil {
		return nil, err
	}

	aiURL := os.Getenv("AIEVAL_URL")
	aiEnabled := aiURL != ""
	if v := os.Getenv("AIEVAL_ENABLED"); v != "" {
		aiEnabled = v == "true"
	}

	apiKeys, err := parseAPIKeys(os.Getenv("API_KEYS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		KafkaBrokers:     parseBrokers(envOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSourceTopic: envOrDefault("KAFKA_SOURCE_TOPIC", "raw-disaster-signals"),
		KafkaSinkTopic:   envOrDefault("KAFKA_SINK_TOPIC", "incident-notifications"),
		KafkaGroupID:     envOrDefault("KAFKA_GROUP_ID", "disaster-incident-service"),

		HTTPAddr: envOrDefault("HTTP_ADDR", ":8080"),
		APIAddr:  envOrDefault("API_ADDR", ":8081"),
		APIKeys:  apiKeys,

		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
		BatchSize:       batchSize,

		DBURL:          os.Getenv("DB_URL"),
		TrustTablePath: os.Getenv("TRUST_TABLE_PATH"),

		Policy: policy,

		AIEvalURL:     aiURL,
		AIEvalToken:   os.Getenv("AIEVAL_TOKEN"),
		AIEvalEnabled: aiEnabled,
		AIEvalTimeout: aiTimeout,
		AIEvalRate:    aiRate,

		MaintenanceInterval: maintenanceInterval,
	}

	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if cfg.KafkaSourceTopic == "" {
		return nil, errors.New("KAFKA_SOURCE_TOPIC is required")
	}
	if cfg.KafkaSinkTopic == "" {
		return nil, errors.New("KAFKA_SINK_TOPIC is required")
	}
	if cfg.AIEvalEnabled && cfg.AIEvalURL == "" {
		return nil, errors.New("AIEVAL_ENABLED is true but AIEVAL_URL is not set")
	}

	return cfg, nil
}

func loadPolicy() (Policy, error) {
	p := Policy{}
	var err error

	if p.ClusterRadiusKM, err = parseFloatEnv("CLUSTER_RADIUS_KM", 10); err != nil {
		return p, err
	}
	if p.ClusterIdleWindow, err = parseDurationEnv("CLUSTER_IDLE_WINDOW", 30*time.Minute); err != nil {
		return p, err
	}
	if p.PromotionThreshold, err = parseFloatEnv("PROMOTION_THRESHOLD", 0.35); err != nil {
		return p, err
	}
	if p.AlertThreshold, err = parseFloatEnv("ALERT_THRESHOLD", 0.70); err != nil {
		return p, err
	}
	if p.SuppressFloor, err = parseFloatEnv("SUPPRESS_FLOOR", 0.15); err != nil {
		return p, err
	}
	if p.OfficialFloor, err = parseFloatEnv("OFFICIAL_FLOOR", 0.70); err != nil {
		return p, err
	}
	if p.DiversityBonus, err = parseFloatEnv("DIVERSITY_BONUS", 1.15); err != nil {
		return p, err
	}
	if p.VerificationDelta, err = parseFloatEnv("VERIFICATION_DELTA", 0.05); err != nil {
		return p, err
	}
	if p.ResolveWeight, err = parseFloatEnv("RESOLVE_WEIGHT", 1.0); err != nil {
		return p, err
	}
	if p.AIMergeWeight, err = parseFloatEnv("AI_MERGE_WEIGHT", 0.40); err != nil {
		return p, err
	}
	if p.NotifyRadiusKM, err = parseFloatEnv("NOTIFY_RADIUS_KM", 15); err != nil {
		return p, err
	}
	if p.NotificationTTL, err = parseDurationEnv("NOTIFICATION_TTL", 24*time.Hour); err != nil {
		return p, err
	}

	if p.SuppressFloor >= p.PromotionThreshold {
		return p, errors.New("SUPPRESS_FLOOR must be below PROMOTION_THRESHOLD")
	}
	if p.PromotionThreshold >= p.AlertThreshold {
		return p, errors.New("PROMOTION_THRESHOLD must be below ALERT_THRESHOLD")
	}
	if p.AIMergeWeight < 0 || p.AIMergeWeight >= 1 {
		return p, errors.New("AI_MERGE_WEIGHT must be in [0,1)")
	}
	return p, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseBrokers(raw string) []string {
	parts := strings.Split(raw, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			brokers = append(brokers, p)
		}
	}
	return brokers
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return d, nil
}

func parseIntEnv(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return n, nil
}

func parseFloatEnv(key string, def float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return f, nil
}

// parseAPIKeys parses the API_KEYS format "actor1:key1,actor2:key2" into a
// key → actor map.
func parseAPIKeys(raw string) (map[string]string, error) {
	keys := map[string]string{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return keys, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
			return nil, errors.New(`API_KEYS must be "actor:key,actor:key"`)
		}
		keys[strings.TrimSpace(parts[1])] = strings.TrimSpace(parts[0])
	}
	return keys, nil
}
