// Package sets talks to the external set service: immutable/lockable named
// collections of material identifiers. Sets referenced by plans and orders
// are owned by the set service; this client never caches them.
package sets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/labstream/workplan-backend/internal/platform/apierr"
	"github.com/labstream/workplan-backend/internal/platform/envutil"
	"github.com/labstream/workplan-backend/internal/platform/httpx"
	"github.com/labstream/workplan-backend/internal/platform/logger"
)

type Set struct {
	UUID   uuid.UUID `json:"uuid"`
	Name   string    `json:"name"`
	Locked bool      `json:"locked"`
	Owner  string    `json:"owner_id,omitempty"`
	Size   int       `json:"size"`
}

type Material struct {
	ID            string `json:"id"`
	ContainerUUID string `json:"container_uuid"`
	Available     bool   `json:"available"`
}

type Update struct {
	Owner  *string `json:"owner_id,omitempty"`
	Locked *bool   `json:"locked,omitempty"`
}

type Client interface {
	Find(ctx context.Context, setUUID uuid.UUID) (*Set, error)
	FindWithMaterials(ctx context.Context, setUUID uuid.UUID) (*Set, []Material, error)
	Create(ctx context.Context, name string) (*Set, error)
	CloneAndLock(ctx context.Context, source uuid.UUID, name string) (*Set, error)
	SetMaterials(ctx context.Context, setUUID uuid.UUID, materialIDs []string) error
	SetMaterialAvailability(ctx context.Context, materialIDs []string, available bool) error
	Update(ctx context.Context, setUUID uuid.UUID, upd Update) error
	Destroy(ctx context.Context, setUUID uuid.UUID) error
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

func ConfigFromEnv() Config {
	return Config{
		BaseURL:    envutil.Str("SET_SERVICE_URL", "http://localhost:9293"),
		Timeout:    envutil.Duration("SET_SERVICE_TIMEOUT", 30*time.Second),
		MaxRetries: envutil.Int("SET_SERVICE_MAX_RETRIES", 3),
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
		return nil, fmt.Errorf("missing SET_SERVICE_URL")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &client{
		log:        log.With("client", "SetServiceClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type client struct {
	log        *logger.Logger
	cfg        Config
	httpClient *http.Client
}

func (c *client) Find(ctx context.Context, setUUID uuid.UUID) (*Set, error) {
	var out Set
	if err := c.do(ctx, http.MethodGet, "/sets/"+setUUID.String(), nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) FindWithMaterials(ctx context.Context, setUUID uuid.UUID) (*Set, []Material, error) {
	var out struct {
		Set
		Materials []Material `json:"materials"`
	}
	if err := c.do(ctx, http.MethodGet, "/sets/"+setUUID.String()+"?include=materials", nil, &out, true); err != nil {
		return nil, nil, err
	}
	return &out.Set, out.Materials, nil
}

func (c *client) Create(ctx context.Context, name string) (*Set, error) {
	body := map[string]any{"name": name}
	var out Set
	if err := c.do(ctx, http.MethodPost, "/sets", body, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// CloneAndLock snapshots the source set under a new name and locks the
// clone in one call, so the clone can never be observed unlocked.
func (c *client) CloneAndLock(ctx context.Context, source uuid.UUID, name string) (*Set, error) {
	body := map[string]any{"name": name, "lock": true}
	var out Set
	if err := c.do(ctx, http.MethodPost, "/sets/"+source.String()+"/clone", body, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) SetMaterials(ctx context.Context, setUUID uuid.UUID, materialIDs []string) error {
	body := map[string]any{"materials": materialIDs}
	return c.do(ctx, http.MethodPut, "/sets/"+setUUID.String()+"/materials", body, nil, false)
}

// SetMaterialAvailability flips the consumed flag on materials. Dispatch
// marks a plan's input materials unavailable; a rejected dispatch flips
// them back.
func (c *client) SetMaterialAvailability(ctx context.Context, materialIDs []string, available bool) error {
	body := map[string]any{"material_ids": materialIDs, "available": available}
	return c.do(ctx, http.MethodPut, "/materials/availability", body, nil, false)
}

func (c *client) Update(ctx context.Context, setUUID uuid.UUID, upd Update) error {
	return c.do(ctx, http.MethodPatch, "/sets/"+setUUID.String(), upd, nil, false)
}

func (c *client) Destroy(ctx context.Context, setUUID uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/sets/"+setUUID.String(), nil, nil, false)
}

// do runs one request; reads may be retried on retryable failures, writes
// never are (the set service does not promise idempotent writes).
func (c *client) do(ctx context.Context, method, path string, body, out any, retryable bool) error {
	attempts := 1
	if retryable {
		attempts += c.cfg.MaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(httpx.JitterSleep(time.Duration(attempt) * 500 * time.Millisecond)):
			}
		}
		lastErr = c.doOnce(ctx, method, path, body, out)
		if lastErr == nil {
			return nil
		}
		if !httpx.IsRetryableError(lastErr) {
			return lastErr
		}
		c.log.Warn("set service request failed, retrying", "method", method, "path", path, "attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}

func (c *client) doOnce(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apierr.New(resp.StatusCode, "set_service_error",
			fmt.Errorf("set service %s %s: %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw))))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
