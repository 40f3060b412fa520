// Package provider talks to the external broadcast service that backs the
// livestream pool.
package provider

import (
	"errors"
	"strings"
	"time"

	"vlogd/internal/livestream"
	logx "vlogd/pkg/logx"
)

type Config struct {
	// Driver is "http" or "sandbox". Empty means "sandbox".
	Driver  string
	BaseURL string
	Token   string
	Timeout time.Duration
	// RatePerSec caps outgoing requests. 0 means 10.
	RatePerSec int
	// IngestBase prefixes sandbox ingest locations.
	IngestBase string
}

// New returns the configured provider driver.
func New(cfg Config, log logx.Logger) (livestream.Provider, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sandbox":
		return NewSandbox(cfg.IngestBase), nil
	case "http":
		h, err := NewHTTP(cfg, log)
		if err != nil {
			return nil, err
		}
		return h, nil
	default:
		return nil, errors.New("unknown provider driver: " + cfg.Driver)
	}
}
