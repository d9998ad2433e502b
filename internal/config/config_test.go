package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/school-carpool/internal/scoring"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.ReadTimeout != 5*time.Second {
		t.Fatalf("unexpected http defaults %+v", cfg)
	}
	if cfg.DailySwipeLimit != 50 || cfg.SearchRadiusMeters != 5000 {
		t.Fatalf("unexpected matching defaults: limit=%d radius=%v", cfg.DailySwipeLimit, cfg.SearchRadiusMeters)
	}
	if cfg.Weights != scoring.DefaultWeights {
		t.Fatalf("expected default weights, got %+v", cfg.Weights)
	}
	if cfg.Location == nil {
		t.Fatal("expected a location")
	}
	if cfg.SessionIdleTTL != 30*time.Minute {
		t.Fatalf("expected 30m session ttl, got %v", cfg.SessionIdleTTL)
	}
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("SWIPE_DAILY_LIMIT", "20")
	t.Setenv("TIMEZONE", "UTC")
	t.Setenv("SCORE_WEIGHT_TRUST", "0.5")
	t.Setenv("MIGRATE", "true")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.DailySwipeLimit != 20 || !cfg.RunMigrations {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.Location != time.UTC {
		t.Fatalf("expected UTC, got %v", cfg.Location)
	}
	if cfg.Weights.Trust != 0.5 {
		t.Fatalf("expected trust weight 0.5, got %v", cfg.Weights.Trust)
	}
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("SWIPE_DAILY_LIMIT", "0")
	t.Setenv("TIMEZONE", "Mars/Olympus")
	t.Setenv("SESSION_IDLE_TTL", "0s")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"HTTP_READ_TIMEOUT", "SWIPE_DAILY_LIMIT", "TIMEZONE", "SESSION_IDLE_TTL"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadServerConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "carpool.yaml")
	if err := os.WriteFile(path, []byte("swipe_daily_limit: 30\nsearch_radius_m: 2500\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CARPOOL_CONFIG", path)
	t.Setenv("SEARCH_RADIUS_M", "4000")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DailySwipeLimit != 30 {
		t.Fatalf("expected file value 30, got %d", cfg.DailySwipeLimit)
	}
	if cfg.SearchRadiusMeters != 4000 {
		t.Fatalf("expected env to win over file, got %v", cfg.SearchRadiusMeters)
	}
}

func TestLoadConsumerConfigDefaults(t *testing.T) {
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.KafkaTopic != "family-profiles" || cfg.RedisAddr != "localhost:6379" || cfg.KafkaBrokers[0] != "localhost:9092" {
		t.Fatalf("unexpected consumer defaults %+v", cfg)
	}
}
