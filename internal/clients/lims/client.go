// Package lims sends serialized work orders to the external execution
// system. The send is fire-once: the LIMS gives no structured response and
// the call is never retried, because a duplicate POST could start the same
// work twice.
package lims

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
	"github.com/labstream/workplan-backend/internal/platform/logger"
)

type Client interface {
	PostOrder(ctx context.Context, url string, payload any) error
}

type Config struct {
	Timeout time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		Timeout: envutil.Duration("LIMS_CLIENT_TIMEOUT", 60*time.Second),
	}
}

func NewFromEnv(log *logger.Logger) (Client, error) {
	return New(log, ConfigFromEnv())
}

func New(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &client{
		log:        log.With("client", "LIMSClient"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type client struct {
	log        *logger.Logger
	httpClient *http.Client
}

func (c *client) PostOrder(ctx context.Context, url string, payload any) error {
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("missing LIMS url")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
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
		return apierr.New(resp.StatusCode, "lims_rejected",
			fmt.Errorf("LIMS %s: %d: %s", url, resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	return nil
}
