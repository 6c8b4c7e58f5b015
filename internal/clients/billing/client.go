// Package billing talks to the pricing collaborator: per-module unit
// prices keyed by cost code.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstream/workplan-backend/internal/platform/apierr"
	"github.com/labstream/workplan-backend/internal/platform/envutil"
	"github.com/labstream/workplan-backend/internal/platform/httpx"
	"github.com/labstream/workplan-backend/internal/platform/logger"
)

type Client interface {
	GetUnitPrices(ctx context.Context, moduleNames []string, costCode string) (map[string]float64, error)
	MissingUnitPrices(ctx context.Context, moduleNames []string, costCode string) ([]string, error)
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:    envutil.Str("BILLING_SERVICE_URL", "http://localhost:9297"),
		Timeout:    envutil.Duration("BILLING_SERVICE_TIMEOUT", 30*time.Second),
		MaxRetries: envutil.Int("BILLING_SERVICE_MAX_RETRIES", 3),
	}
}

func NewFromEnv(log *logger.Logger) (Client, error) {
	return New(log, ConfigFromEnv())
}

func New(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("missing BILLING_SERVICE_URL")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &client{
		log:        log.With("client", "BillingClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
}

func (c *client) GetUnitPrices(ctx context.Context, moduleNames []string, costCode string) (map[string]float64, error) {
	var out struct {
		Prices map[string]float64 `json:"prices"`
	}
	body := map[string]any{"module_names": moduleNames, "cost_code": costCode}
	if err := c.post(ctx, "/unit_prices", body, &out); err != nil {
		return nil, err
	}
	return out.Prices, nil
}

func (c *client) MissingUnitPrices(ctx context.Context, moduleNames []string, costCode string) ([]string, error) {
	prices, err := c.GetUnitPrices(ctx, moduleNames, costCode)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, name := range moduleNames {
		if _, ok := prices[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

// post is a price lookup: read-only despite the verb, so retryable.
func (c *client) post(ctx context.Context, path string, body, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(httpx.JitterSleep(time.Duration(attempt) * 500 * time.Millisecond)):
			}
		}
		lastErr = c.postOnce(ctx, path, body, out)
		if lastErr == nil {
			return nil
		}
		if !httpx.IsRetryableError(lastErr) {
			return lastErr
		}
		c.log.Warn("billing request failed, retrying", "path", path, "attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}

func (c *client) postOnce(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apierr.New(resp.StatusCode, "billing_error",
			fmt.Errorf("billing %s: %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
