package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is the full configuration surface of the duel bot core.
// Values come from an optional YAML file (CONFIG_FILE) overridden by
// environment variables.
type AppConfig struct {
	CFAPIBaseURL string `yaml:"cf_api_base_url"`

	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	// AllowSelfRegister permits a user to register their own handle and
	// to duel themselves; disabled by default.
	AllowSelfRegister bool     `yaml:"allow_duel_self_register"`
	AdminRoles        []string `yaml:"admin_roles"`

	// Cache TTLs per resource class. Contests change phase quickly,
	// problems rarely change, ratings sit in between.
	ContestsTTL    time.Duration `yaml:"contests_ttl"`
	ProblemsTTL    time.Duration `yaml:"problems_ttl"`
	UserRatingsTTL time.Duration `yaml:"user_ratings_ttl"`

	// ChallengeTimeout bounds the PENDING phase; DuelDuration bounds the
	// ONGOING clock.
	ChallengeTimeout time.Duration `yaml:"challenge_timeout"`
	DuelDuration     time.Duration `yaml:"duel_duration"`

	KFactor        int  `yaml:"duel_k_factor"`
	RatingBaseline int  `yaml:"duel_rating_baseline"`
	ExpireAsDraw   bool `yaml:"expire_as_draw"`

	VerifyMaxRetries int `yaml:"verify_max_retries"`

	// ListenAddr serves the structured command API.
	ListenAddr string `yaml:"listen_addr"`
	// MetricsAddr, when set, serves prometheus metrics on that address.
	MetricsAddr string `yaml:"metrics_addr"`
}

func defaults() *AppConfig {
	return &AppConfig{
		CFAPIBaseURL:     "https://codeforces.com/api",
		ContestsTTL:      time.Minute,
		ProblemsTTL:      6 * time.Hour,
		UserRatingsTTL:   30 * time.Minute,
		ChallengeTimeout: 5 * time.Minute,
		DuelDuration:     2 * time.Hour,
		KFactor:          32,
		RatingBaseline:   1500,
		ExpireAsDraw:     true,
		VerifyMaxRetries: 3,
		ListenAddr:       ":8080",
	}
}

// Load builds the configuration from CONFIG_FILE (if set) and the
// environment. Env always wins over the file.
func Load() (*AppConfig, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("CF_API_BASE_URL")); v != "" {
		cfg.CFAPIBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}

	if v := strings.TrimSpace(os.Getenv("ALLOW_DUEL_SELF_REGISTER")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("ALLOW_DUEL_SELF_REGISTER: %w", err)
		}
		cfg.AllowSelfRegister = b
	}
	if v := strings.TrimSpace(os.Getenv("ADMIN_ROLES")); v != "" {
		cfg.AdminRoles = cfg.AdminRoles[:0]
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				cfg.AdminRoles = append(cfg.AdminRoles, s)
			}
		}
	}

	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{"CONTESTS_TTL", &cfg.ContestsTTL},
		{"PROBLEMS_TTL", &cfg.ProblemsTTL},
		{"USER_RATINGS_TTL", &cfg.UserRatingsTTL},
		{"CHALLENGE_TIMEOUT", &cfg.ChallengeTimeout},
		{"DUEL_DURATION", &cfg.DuelDuration},
	} {
		if v := strings.TrimSpace(os.Getenv(d.env)); v != "" {
			dur, err := time.ParseDuration(v)
			if err != nil || dur <= 0 {
				return nil, fmt.Errorf("%s: invalid duration %q", d.env, v)
			}
			*d.dst = dur
		}
	}

	if v := strings.TrimSpace(os.Getenv("DUEL_K_FACTOR")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("DUEL_K_FACTOR: invalid value %q", v)
		}
		cfg.KFactor = n
	}
	if v := strings.TrimSpace(os.Getenv("DUEL_RATING_BASELINE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("DUEL_RATING_BASELINE: invalid value %q", v)
		}
		cfg.RatingBaseline = n
	}
	if v := strings.TrimSpace(os.Getenv("EXPIRE_AS_DRAW")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("EXPIRE_AS_DRAW: %w", err)
		}
		cfg.ExpireAsDraw = b
	}
	if v := strings.TrimSpace(os.Getenv("VERIFY_MAX_RETRIES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("VERIFY_MAX_RETRIES: invalid value %q", v)
		}
		cfg.VerifyMaxRetries = n
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("METRICS_ADDR")); v != "" {
		cfg.MetricsAddr = v
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	return cfg, nil
}

// IsAdmin reports whether any of the caller's roles is configured as an
// administrator role.
func (c *AppConfig) IsAdmin(roles []string) bool {
	for _, have := range roles {
		for _, want := range c.AdminRoles {
			if have == want {
				return true
			}
		}
	}
	return false
}
