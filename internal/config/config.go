package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/example/school-carpool/internal/scoring"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values come from defaults, an optional config file named by CARPOOL_CONFIG
// and environment variables, in increasing precedence, so the binary can run
// locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers      []string
	KafkaProfileTopic string
	KafkaMatchTopic   string

	AMQPURL      string
	AMQPExchange string
	WebhookURL   string

	PGDSN string

	DailySwipeLimit    int
	SearchRadiusMeters float64
	Location           *time.Location
	Weights            scoring.Weights
	ScoringWorkers     int
	SessionIdleTTL     time.Duration

	JWTSecret    string
	SeedDemo     bool
	DemoFamilies int

	LogLevel      string
	RunMigrations bool
}

// ConsumerConfig is the profile consumer's configuration.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	LogLevel      string
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("HTTP_READ_TIMEOUT", "5s")
	v.SetDefault("HTTP_WRITE_TIMEOUT", "10s")
	v.SetDefault("HTTP_IDLE_TIMEOUT", "120s")
	v.SetDefault("HTTP_SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("REDIS_GEO_KEY", "families_geo")
	v.SetDefault("KAFKA_PROFILE_TOPIC", "family-profiles")
	v.SetDefault("KAFKA_MATCH_TOPIC", "carpool-matches")
	v.SetDefault("KAFKA_GROUP", "carpool-profile-consumer")
	v.SetDefault("AMQP_EXCHANGE", "carpool.events")
	v.SetDefault("SWIPE_DAILY_LIMIT", "50")
	v.SetDefault("SEARCH_RADIUS_M", "5000")
	v.SetDefault("TIMEZONE", "Local")
	v.SetDefault("SCORE_WEIGHT_DISTANCE", strconv.FormatFloat(scoring.DefaultWeights.Distance, 'f', -1, 64))
	v.SetDefault("SCORE_WEIGHT_TIME", strconv.FormatFloat(scoring.DefaultWeights.TimeOverlap, 'f', -1, 64))
	v.SetDefault("SCORE_WEIGHT_SEATS", strconv.FormatFloat(scoring.DefaultWeights.SeatFit, 'f', -1, 64))
	v.SetDefault("SCORE_WEIGHT_TRUST", strconv.FormatFloat(scoring.DefaultWeights.Trust, 'f', -1, 64))
	v.SetDefault("SCORING_WORKERS", "0")
	v.SetDefault("SESSION_IDLE_TTL", "30m")
	v.SetDefault("DEMO_FAMILIES", "60")
	v.SetDefault("METRICS_ADDR", ":2112")
	v.SetDefault("LOG_LEVEL", "info")

	if path := strings.TrimSpace(v.GetString("CARPOOL_CONFIG")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	return v, nil
}

func LoadServerConfig() (ServerConfig, error) {
	v, err := newViper()
	if err != nil {
		return ServerConfig{}, err
	}
	var cfg ServerConfig
	var errs []error

	cfg.HTTPAddr = str(v, "HTTP_ADDR")
	cfg.ReadTimeout = durationVal(v, "HTTP_READ_TIMEOUT", &errs)
	cfg.WriteTimeout = durationVal(v, "HTTP_WRITE_TIMEOUT", &errs)
	cfg.IdleTimeout = durationVal(v, "HTTP_IDLE_TIMEOUT", &errs)
	cfg.ShutdownTimeout = durationVal(v, "HTTP_SHUTDOWN_TIMEOUT", &errs)
	cfg.CORSOrigins = splitAndTrim(str(v, "CORS_ALLOWED_ORIGINS"))

	cfg.RedisAddr = str(v, "REDIS_ADDR")
	cfg.RedisPassword = v.GetString("REDIS_PASSWORD")
	cfg.RedisGeoKey = str(v, "REDIS_GEO_KEY")

	cfg.KafkaBrokers = splitAndTrim(str(v, "KAFKA_BROKERS"))
	cfg.KafkaProfileTopic = str(v, "KAFKA_PROFILE_TOPIC")
	cfg.KafkaMatchTopic = str(v, "KAFKA_MATCH_TOPIC")

	cfg.AMQPURL = str(v, "AMQP_URL")
	cfg.AMQPExchange = str(v, "AMQP_EXCHANGE")
	cfg.WebhookURL = str(v, "MATCH_WEBHOOK_URL")

	cfg.PGDSN = str(v, "PG_DSN")

	cfg.DailySwipeLimit = intVal(v, "SWIPE_DAILY_LIMIT", &errs)
	cfg.SearchRadiusMeters = floatVal(v, "SEARCH_RADIUS_M", &errs)
	cfg.ScoringWorkers = intVal(v, "SCORING_WORKERS", &errs)
	cfg.SessionIdleTTL = durationVal(v, "SESSION_IDLE_TTL", &errs)
	cfg.Weights = scoring.Weights{
		Distance:    floatVal(v, "SCORE_WEIGHT_DISTANCE", &errs),
		TimeOverlap: floatVal(v, "SCORE_WEIGHT_TIME", &errs),
		SeatFit:     floatVal(v, "SCORE_WEIGHT_SEATS", &errs),
		Trust:       floatVal(v, "SCORE_WEIGHT_TRUST", &errs),
	}
	if tz := str(v, "TIMEZONE"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid TIMEZONE: %w", err))
		}
		cfg.Location = loc
	}

	cfg.JWTSecret = v.GetString("JWT_SECRET")
	cfg.SeedDemo = boolVal(v, "SEED_DEMO", &errs)
	cfg.DemoFamilies = intVal(v, "DEMO_FAMILIES", &errs)

	cfg.LogLevel = strings.ToLower(str(v, "LOG_LEVEL"))
	cfg.RunMigrations = boolVal(v, "MIGRATE", &errs)

	if cfg.DailySwipeLimit <= 0 {
		errs = append(errs, fmt.Errorf("SWIPE_DAILY_LIMIT must be > 0"))
	}
	if cfg.SearchRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_RADIUS_M must be > 0"))
	}
	if cfg.ScoringWorkers < 0 {
		errs = append(errs, fmt.Errorf("SCORING_WORKERS must be >= 0"))
	}
	if cfg.SessionIdleTTL <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_IDLE_TTL must be > 0"))
	}
	if !cfg.Weights.Valid() {
		errs = append(errs, fmt.Errorf("SCORE_WEIGHT_* must be non-negative with a positive sum"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	v, err := newViper()
	if err != nil {
		return ConsumerConfig{}, err
	}
	cfg := ConsumerConfig{
		MetricsAddr:   str(v, "METRICS_ADDR"),
		KafkaBrokers:  splitAndTrim(str(v, "KAFKA_BROKERS")),
		KafkaTopic:    str(v, "KAFKA_PROFILE_TOPIC"),
		KafkaGroup:    str(v, "KAFKA_GROUP"),
		RedisAddr:     str(v, "REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisGeoKey:   str(v, "REDIS_GEO_KEY"),
		LogLevel:      strings.ToLower(str(v, "LOG_LEVEL")),
	}
	if len(cfg.KafkaBrokers) == 0 {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	return cfg, nil
}

func str(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func durationVal(v *viper.Viper, key string, errs *[]error) time.Duration {
	d, err := time.ParseDuration(str(v, key))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
	}
	return d
}

func floatVal(v *viper.Viper, key string, errs *[]error) float64 {
	f, err := strconv.ParseFloat(str(v, key), 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
	}
	return f
}

func intVal(v *viper.Viper, key string, errs *[]error) int {
	i, err := strconv.Atoi(str(v, key))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
	}
	return i
}

func boolVal(v *viper.Viper, key string, errs *[]error) bool {
	s := str(v, key)
	if s == "" {
		return false
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
	}
	return b
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
