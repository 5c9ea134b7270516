package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"homematch/internal/modules/geo"
)

const (
	envPrefix  = "HOMEMATCH_"
	envConfig  = "HOMEMATCH_CONFIG"
	envDotfile = ".env"
)

var ErrInvalid = errors.New("invalid config")

// Load builds a Config by layering, low to high precedence:
//  1. defaults (New)
//  2. YAML file if HOMEMATCH_CONFIG is set
//  3. env vars with the HOMEMATCH_ prefix
//
// A .env file in the working directory is read first and never overrides
// variables already set in the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load(envDotfile)

	k := koanf.New(".")
	if path := os.Getenv(envConfig); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	// HOMEMATCH_DISPATCH_OFFER_TIMEOUT -> dispatch.offer_timeout
	envProvider := env.Provider(envPrefix, ".", envKey)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, err
	}

	cfg := New()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps an env var to its koanf path. The first underscore after the
// prefix separates the section; the rest stay as part of the field name.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	if s == "config" {
		return ""
	}
	section, field, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + field
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.HTTP.Addr != "", "http.addr must not be empty")
	check(c.HTTP.ShutdownTimeout > 0, "http.shutdown_timeout must be positive")
	if _, err := geo.ParseUnit(c.Matching.Unit); err != nil {
		errs = append(errs, fmt.Errorf("%w: matching.unit: %v", ErrInvalid, err))
	}
	check(c.Matching.StandardRadiusMiles > 0, "matching.standard_radius_miles must be positive")
	check(c.Matching.ExpeditedRadiusMiles >= c.Matching.StandardRadiusMiles,
		"matching.expedited_radius_miles must be at least the standard radius")
	check(c.Matching.PremiumMinAcceptance >= 0 && c.Matching.PremiumMinAcceptance <= 1,
		"matching.premium_min_acceptance must be within [0,1]")
	check(c.Matching.DefaultLimit > 0, "matching.default_limit must be positive")
	check(c.Matching.MaxLimit >= c.Matching.DefaultLimit, "matching.max_limit must be at least default_limit")
	check(c.Matching.BatchConcurrency > 0, "matching.batch_concurrency must be positive")
	check(c.Matching.LocationFlush > 0, "matching.location_flush must be positive")
	check(c.AI.MonthlyQuota >= 0, "ai.monthly_quota must not be negative")
	check(c.Dispatch.OfferTimeout > 0, "dispatch.offer_timeout must be positive")
	check(c.Dispatch.TimeoutDecay >= 0 && c.Dispatch.TimeoutDecay <= 1, "dispatch.timeout_decay must be within [0,1]")
	check(c.Dispatch.MinTimeout >= 0 && c.Dispatch.MinTimeout <= c.Dispatch.OfferTimeout,
		"dispatch.min_timeout must be between 0 and offer_timeout")
	check(c.Dispatch.LockTTL > 0, "dispatch.lock_ttl must be positive")

	switch c.Firebase.Registry {
	case "postgres", "memory":
	case "firestore":
		check(c.Firebase.ProjectID != "", "firebase.project_id is required for the firestore registry")
	default:
		errs = append(errs, fmt.Errorf("%w: firebase.registry %q", ErrInvalid, c.Firebase.Registry))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format))
	}
	return errors.Join(errs...)
}
