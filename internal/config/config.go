// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Receiver holds the edge receiver's configuration.
type Receiver struct {
	// StoreSiteURL is the base URL of the store's HTTP actions
	// (/capture-batch, /quota, /endpoint-info).
	StoreSiteURL string
	// SharedSecret authenticates receiver->store calls and the
	// /cache-invalidate endpoint. Optional; auth is skipped when empty.
	SharedSecret string
	Port         string
	SentryDSN    string
	Debug        bool
}

// Store holds the system-of-record's configuration.
type Store struct {
	DatabaseURL  string
	SharedSecret string
	Port         string
	// ReceiverURL, when set, is used to evict receiver caches after an
	// endpoint changes or is deleted.
	ReceiverURL string
	SentryDSN   string

	FreeRequestLimit int64
	ProRequestLimit  int64
	EphemeralTTL     time.Duration
	BillingPeriod    time.Duration

	CleanupInterval     time.Duration
	PeriodResetInterval time.Duration
}

// LoadReceiver reads the receiver configuration from the environment.
func LoadReceiver() (*Receiver, error) {
	siteURL := os.Getenv("STORE_SITE_URL")
	if siteURL == "" {
		return nil, fmt.Errorf("STORE_SITE_URL environment variable is required")
	}
	if _, err := url.Parse(siteURL); err != nil {
		return nil, fmt.Errorf("STORE_SITE_URL is not a valid URL: %w", err)
	}

	return &Receiver{
		StoreSiteURL: siteURL,
		SharedSecret: os.Getenv("CAPTURE_SHARED_SECRET"),
		Port:         envString("PORT", "3001"),
		SentryDSN:    os.Getenv("SENTRY_DSN"),
		Debug:        os.Getenv("RECEIVER_DEBUG") != "",
	}, nil
}

// LoadStore reads the store configuration from the environment.
func LoadStore() (*Store, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	return &Store{
		DatabaseURL:  dbURL,
		SharedSecret: os.Getenv("CAPTURE_SHARED_SECRET"),
		Port:         envString("STORE_PORT", "3210"),
		ReceiverURL:  os.Getenv("RECEIVER_URL"),
		SentryDSN:    os.Getenv("SENTRY_DSN"),

		FreeRequestLimit: envInt64("FREE_REQUEST_LIMIT", 500),
		ProRequestLimit:  envInt64("PRO_REQUEST_LIMIT", 500000),
		EphemeralTTL:     envMillis("EPHEMERAL_TTL_MS", 600000),
		BillingPeriod:    envMillis("BILLING_PERIOD_MS", 2592000000),

		CleanupInterval:     envMillis("CLEANUP_INTERVAL_MS", 60000),
		PeriodResetInterval: envMillis("PERIOD_RESET_INTERVAL_MS", 300000),
	}, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envMillis(key string, fallback int64) time.Duration {
	return time.Duration(envInt64(key, fallback)) * time.Millisecond
}
