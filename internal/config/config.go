// Package config loads and validates environment variables at startup.
// Fail-fast: if a required variable is missing, the process exits.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the ingestion service.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	// Slots is the raw "HH:MM,HH:MM" civil-time slot list. Invalid entries
	// are dropped by the scheduler at parse time, not here.
	Slots    string
	Timezone string
	Cities   []string

	FetchTimeout      time.Duration
	PortalConcurrency int           // concurrent listing fetches per portal
	HostDelay         time.Duration // minimum spacing between requests to one host
	SelectorFile      string        // optional YAML overlay for the portal registry
}

// Load reads environment variables and returns a validated Config.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	port := os.Getenv("INGEST_PORT")
	if port == "" {
		port = "8083"
	}

	slots := os.Getenv("INGEST_SLOTS")
	if slots == "" {
		slots = "06:00,18:00"
	}

	tz := os.Getenv("INGEST_TZ")
	if tz == "" {
		tz = "Asia/Kolkata"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("INGEST_TZ %q is not a valid timezone: %w", tz, err)
	}

	cities := splitCSV(os.Getenv("INGEST_CITIES"))
	if len(cities) == 0 {
		cities = []string{"Hyderabad"}
	}

	fetchTimeout := 15 * time.Second
	if s := os.Getenv("FETCH_TIMEOUT_SECONDS"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			return nil, fmt.Errorf("FETCH_TIMEOUT_SECONDS must be a positive integer, got %q", s)
		}
		fetchTimeout = time.Duration(v) * time.Second
	}

	concurrency := 4
	if s := os.Getenv("PORTAL_CONCURRENCY"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			return nil, fmt.Errorf("PORTAL_CONCURRENCY must be a positive integer, got %q", s)
		}
		concurrency = v
	}

	hostDelay := 2 * time.Second
	if s := os.Getenv("HOST_DELAY_MS"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("HOST_DELAY_MS must be a non-negative integer, got %q", s)
		}
		hostDelay = time.Duration(v) * time.Millisecond
	}

	return &Config{
		Port:              port,
		DatabaseURL:       dbURL,
		RedisURL:          redisURL,
		Slots:             slots,
		Timezone:          tz,
		Cities:            cities,
		FetchTimeout:      fetchTimeout,
		PortalConcurrency: concurrency,
		HostDelay:         hostDelay,
		SelectorFile:      os.Getenv("PORTAL_SELECTOR_FILE"),
	}, nil
}

// Location resolves the configured timezone. Load already validated it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
