// Package projects talks to the project/permission collaborator: the
// project hierarchy, cost-code resolution and spend authorization.
package projects

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/labstream/workplan-backend/internal/platform/apierr"
	"github.com/labstream/workplan-backend/internal/platform/envutil"
	"github.com/labstream/workplan-backend/internal/platform/httpx"
	"github.com/labstream/workplan-backend/internal/platform/logger"
)

// Node is one node of the project hierarchy. Cost codes live on
// subproject parents, so resolving a project's cost code means walking
// one level up.
type Node struct {
	ID       int64  `json:"id"`
	ParentID *int64 `json:"parent_id,omitempty"`
	Name     string `json:"name"`
	CostCode string `json:"cost_code,omitempty"`
}

type Client interface {
	FindNode(ctx context.Context, id int64) (*Node, error)
	// AuthorizeSpend returns an apierr with status 403 when every given
	// principal lacks spend permission on the node.
	AuthorizeSpend(ctx context.Context, id int64, principals []string) error
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:    envutil.Str("PROJECT_SERVICE_URL", "http://localhost:9295"),
		Timeout:    envutil.Duration("PROJECT_SERVICE_TIMEOUT", 30*time.Second),
		MaxRetries: envutil.Int("PROJECT_SERVICE_MAX_RETRIES", 3),
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
		return nil, fmt.Errorf("missing PROJECT_SERVICE_URL")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &client{
		log:        log.With("client", "ProjectClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
}

func (c *client) FindNode(ctx context.Context, id int64) (*Node, error) {
	var out Node
	if err := c.get(ctx, "/nodes/"+strconv.FormatInt(id, 10), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) AuthorizeSpend(ctx context.Context, id int64, principals []string) error {
	q := url.Values{}
	q.Set("permission", "spend")
	for _, p := range principals {
		q.Add("names", p)
	}
	path := "/nodes/" + strconv.FormatInt(id, 10) + "/permissions?" + q.Encode()

	var out struct {
		Permitted bool `json:"permitted"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return err
	}
	if !out.Permitted {
		return apierr.New(http.StatusForbidden, "spend_not_authorized",
			fmt.Errorf("not authorized to spend on project %d", id))
	}
	return nil
}

func (c *client) get(ctx context.Context, path string, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(httpx.JitterSleep(time.Duration(attempt) * 500 * time.Millisecond)):
			}
		}
		lastErr = c.getOnce(ctx, path, out)
		if lastErr == nil {
			return nil
		}
		if !httpx.IsRetryableError(lastErr) {
			return lastErr
		}
		c.log.Warn("project service request failed, retrying", "path", path, "attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}

func (c *client) getOnce(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apierr.New(resp.StatusCode, "project_service_error",
			fmt.Errorf("project service %s: %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
