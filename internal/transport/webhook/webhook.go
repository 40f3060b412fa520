// Package webhook delivers notifications as signed JSON POSTs.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vlogd/internal/model"
	"vlogd/internal/task/engine"
	kit "vlogd/internal/transport"
	logx "vlogd/pkg/logx"
)

const SignatureHeader = "X-Vlogd-Signature"

type Config struct {
	// URL receives every message whose Address is not itself an http(s) URL.
	URL     string
	Secret  string
	Timeout time.Duration
}

type Adapter struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
}

type payload struct {
	Kind    kit.Kind             `json:"kind"`
	UserID  string               `json:"user_id,omitempty"`
	Address string               `json:"address,omitempty"`
	Text    string               `json:"text,omitempty"`
	Request *model.RecordRequest `json:"request,omitempty"`
	SentAt  time.Time            `json:"sent_at"`
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, errors.New("webhook url is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, http: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (a *Adapter) Name() string { return "webhook" }

// Send posts m. 4xx answers are permanent except 408 and 429; a 429
// Retry-After header is passed on as a retry hint.
func (a *Adapter) Send(ctx context.Context, m kit.Message) error {
	body, err := json.Marshal(payload{
		Kind: m.Kind, UserID: m.UserID, Address: m.Address, Text: m.Text, Request: m.Request, SentAt: time.Now().UTC(),
	})
	if err != nil {
		return engine.NoRetry(err)
	}

	url := a.cfg.URL
	if strings.HasPrefix(m.Address, "http://") || strings.HasPrefix(m.Address, "https://") {
		url = m.Address
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return engine.NoRetry(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(a.cfg.Secret, body))
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return statusError(resp)
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func statusError(resp *http.Response) error {
	code := resp.StatusCode
	if code/100 == 2 {
		return nil
	}
	err := fmt.Errorf("webhook: http %d", code)
	switch {
	case code == http.StatusTooManyRequests:
		if secs, perr := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); perr == nil {
			return engine.RetryAfter(err, time.Duration(secs)*time.Second)
		}
		return err
	case code == http.StatusRequestTimeout:
		return err
	case code/100 == 4:
		return engine.NoRetry(err)
	default:
		return err
	}
}
