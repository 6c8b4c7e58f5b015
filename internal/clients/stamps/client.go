// Package stamps talks to the material-permission collaborator: it checks
// whether a set of principals may consume a set of materials.
package stamps

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
	// CheckConsume reports whether the principals may consume every
	// material; when not, the offending material ids come back too.
	CheckConsume(ctx context.Context, principals, materialIDs []string) (bool, []string, error)
}

type Config struct {
	BaseURL string
	Timeout time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL: envutil.Str("STAMP_SERVICE_URL", "http://localhost:9296"),
		Timeout: envutil.Duration("STAMP_SERVICE_TIMEOUT", 30*time.Second),
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
		return nil, fmt.Errorf("missing STAMP_SERVICE_URL")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &client{
		log:        log.With("client", "StampClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
}

func (c *client) CheckConsume(ctx context.Context, principals, materialIDs []string) (bool, []string, error) {
	body := map[string]any{
		"permission_type": "consume",
		"names":           principals,
		"material_uuids":  materialIDs,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return false, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/permissions/check", bytes.NewReader(raw))
	if err != nil {
		return false, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	// 403 is a verdict, not a transport failure: the body lists the
	// unpermitted material ids.
	if resp.StatusCode == http.StatusForbidden {
		var denied struct {
			Unpermitted []string `json:"unpermitted_uuids"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&denied); err != nil {
			return false, nil, err
		}
		return false, denied.Unpermitted, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, nil, apierr.New(resp.StatusCode, "stamp_service_error",
			fmt.Errorf("stamp service: %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	return true, nil, nil
}
