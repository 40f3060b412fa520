package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"vlogd/internal/livestream"
	"vlogd/internal/task/engine"
	logx "vlogd/pkg/logx"
)

// HTTP is a JSON REST client for the broadcast service.
type HTTP struct {
	base    *url.URL
	token   string
	log     logx.Logger
	client  *http.Client
	limiter *rate.Limiter
}

func NewHTTP(cfg Config, log logx.Logger) (*HTTP, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("provider.base_url is required for http driver")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("provider.base_url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	return &HTTP{
		base:    base,
		token:   cfg.Token,
		log:     log.With(logx.String("comp", "provider")),
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}, nil
}

type eventResponse struct {
	ID        string `json:"id"`
	IngestURL string `json:"ingest_url"`
}

type outputRequest struct {
	RecordID string `json:"record_id"`
}

type outputResponse struct {
	PlaybackURL string `json:"playback_url"`
}

func (h *HTTP) ProvisionEvent(ctx context.Context) (livestream.Broadcast, error) {
	var out eventResponse
	if err := h.do(ctx, http.MethodPost, "/events", nil, &out); err != nil {
		return livestream.Broadcast{}, err
	}
	if out.ID == "" {
		return livestream.Broadcast{}, errors.New("provision: empty event id")
	}
	return livestream.Broadcast{ExternalID: out.ID, Location: out.IngestURL}, nil
}

func (h *HTTP) StartEvent(ctx context.Context, externalID string) error {
	return h.do(ctx, http.MethodPost, eventPath(externalID, "start"), nil, nil)
}

func (h *HTTP) StopEvent(ctx context.Context, externalID string) error {
	return h.do(ctx, http.MethodPost, eventPath(externalID, "stop"), nil, nil)
}

func (h *HTTP) CreateOutput(ctx context.Context, externalID, recordID string) (string, error) {
	var out outputResponse
	if err := h.do(ctx, http.MethodPost, eventPath(externalID, "outputs"), outputRequest{RecordID: recordID}, &out); err != nil {
		return "", err
	}
	return out.PlaybackURL, nil
}

// DeleteOutputs treats a missing event as already cleaned up.
func (h *HTTP) DeleteOutputs(ctx context.Context, externalID string) error {
	return ignoreNotFound(h.do(ctx, http.MethodDelete, eventPath(externalID, "outputs"), nil, nil))
}

func (h *HTTP) DeleteEvent(ctx context.Context, externalID string) error {
	return ignoreNotFound(h.do(ctx, http.MethodDelete, eventPath(externalID, ""), nil, nil))
}

// StatusError is a non-2xx answer from the broadcast service.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: http %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func (h *HTTP) do(ctx context.Context, method, path string, in, out any) error {
	if err := h.limiter.Wait(ctx); err != nil {
		return err
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return engine.NoRetry(err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.base.String()+path, body)
	if err != nil {
		return engine.NoRetry(err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	h.log.Debug("provider call", logx.String("method", method), logx.String("path", path), logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return classify(resp, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))})
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

// classify marks 4xx answers as permanent, except 408 and 429.
func classify(resp *http.Response, err *StatusError) error {
	switch code := err.Code; {
	case code == http.StatusTooManyRequests:
		if secs, perr := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); perr == nil {
			return engine.RetryAfter(err, time.Duration(secs)*time.Second)
		}
		return err
	case code == http.StatusRequestTimeout, code >= 500:
		return err
	default:
		return engine.NoRetry(err)
	}
}

func ignoreNotFound(err error) error {
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}

func eventPath(externalID, action string) string {
	p := "/events/" + url.PathEscape(externalID)
	if action != "" {
		p += "/" + action
	}
	return p
}
