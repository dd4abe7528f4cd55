// Package backend is the HTTP client for the remote service that persists
// pool configs and switches, tracks sessions and accepts orders.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/initforge/u.i-conhon-sub001/internal/metrics"
	"github.com/initforge/u.i-conhon-sub001/internal/models"
	"github.com/initforge/u.i-conhon-sub001/internal/schedule"
	"github.com/initforge/u.i-conhon-sub001/internal/switches"
)

const (
	cacheKeySwitches    = "conhon:switches"
	cacheKeyPoolConfigs = "conhon:pool_configs"

	maxErrorBody = 4 << 10
)

// ErrNotFound is returned when the backend answers 404.
var ErrNotFound = errors.New("not found")

// HTTPError is a non-2xx answer from the backend.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// Client talks to the backend REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     zerolog.Logger

	redis    *redis.Client
	local    *cache.Cache
	cacheTTL time.Duration
	limiter  *rate.Limiter
}

// NewClient constructs a client with baseURL and API key.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "backend").Logger(),
	}
}

// UseRedisCache configures Redis caching for config reads.
func (c *Client) UseRedisCache(redisClient *redis.Client, ttl time.Duration) {
	c.redis = redisClient
	c.cacheTTL = ttl
}

// UseLocalCache configures an in-process cache, used when Redis is not set.
func (c *Client) UseLocalCache(ttl time.Duration) {
	c.local = cache.New(ttl, 2*ttl)
	c.cacheTTL = ttl
}

// UseRateLimit bounds outbound requests.
func (c *Client) UseRateLimit(limit rate.Limit, burst int) {
	c.limiter = rate.NewLimiter(limit, burst)
}

// GetSwitches fetches the authoritative switch set.
func (c *Client) GetSwitches(ctx context.Context) (switches.SwitchSet, error) {
	var set switches.SwitchSet
	if c.readCache(ctx, cacheKeySwitches, &set) {
		return set, nil
	}
	if err := c.doGet(ctx, "get_switches", c.baseURL+"/api/v1/switches", &set); err != nil {
		return switches.SwitchSet{}, err
	}
	if set.Pools == nil {
		set.Pools = map[string]bool{}
	}
	c.writeCache(ctx, cacheKeySwitches, set)
	return set, nil
}

// SaveSwitches persists a partial update and returns the resulting set.
func (c *Client) SaveSwitches(ctx context.Context, patch switches.Patch) (switches.SwitchSet, error) {
	var set switches.SwitchSet
	if err := c.doJSON(ctx, "save_switches", http.MethodPatch, c.baseURL+"/api/v1/switches", patch, &set, nil); err != nil {
		return switches.SwitchSet{}, err
	}
	if set.Pools == nil {
		set.Pools = map[string]bool{}
	}
	c.invalidate(ctx, cacheKeySwitches)
	return set, nil
}

// GetPoolConfigs fetches every pool's configuration.
func (c *Client) GetPoolConfigs(ctx context.Context) ([]schedule.PoolConfig, error) {
	var wrap struct {
		Configs []schedule.PoolConfig `json:"configs"`
	}
	if c.readCache(ctx, cacheKeyPoolConfigs, &wrap) {
		return wrap.Configs, nil
	}
	if err := c.doGet(ctx, "get_pool_configs", c.baseURL+"/api/v1/pools/configs", &wrap); err != nil {
		return nil, err
	}
	c.writeCache(ctx, cacheKeyPoolConfigs, wrap)
	return wrap.Configs, nil
}

// SavePoolConfigs persists the full config list. The boolean is the
// backend's acceptance flag.
func (c *Client) SavePoolConfigs(ctx context.Context, cfgs []schedule.PoolConfig) (bool, error) {
	body := struct {
		Configs []schedule.PoolConfig `json:"configs"`
	}{Configs: cfgs}
	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error,omitempty"`
	}
	if err := c.doJSON(ctx, "save_pool_configs", http.MethodPut, c.baseURL+"/api/v1/pools/configs", body, &resp, nil); err != nil {
		return false, err
	}
	if !resp.Success {
		c.logger.Warn().Str("error", resp.Error).Msg("pool configs rejected by backend")
	}
	c.invalidate(ctx, cacheKeyPoolConfigs)
	return resp.Success, nil
}

// GetCurrentSession returns the open session of poolID, or nil when none is
// open (404 or 204). It is never cached.
func (c *Client) GetCurrentSession(ctx context.Context, poolID string) (*models.Session, error) {
	endpoint := fmt.Sprintf("%s/api/v1/pools/%s/session", c.baseURL, url.PathEscape(poolID))
	var s models.Session
	err := c.doGet(ctx, "get_session", endpoint, &s)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	if s.ID == "" {
		return nil, nil
	}
	if s.PoolID == "" {
		s.PoolID = poolID
	}
	return &s, nil
}

// GetSessionItems returns capacity and ban state of every item in a session.
func (c *Client) GetSessionItems(ctx context.Context, sessionID string) ([]models.ItemStatus, error) {
	endpoint := fmt.Sprintf("%s/api/v1/sessions/%s/items", c.baseURL, url.PathEscape(sessionID))
	var wrap struct {
		Items []models.ItemStatus `json:"items"`
	}
	if err := c.doGet(ctx, "get_session_items", endpoint, &wrap); err != nil {
		return nil, err
	}
	return wrap.Items, nil
}

// CreateOrder submits one order. The idempotency key travels as a header.
func (c *Client) CreateOrder(ctx context.Context, req models.OrderRequest) (models.OrderReceipt, error) {
	var receipt models.OrderReceipt
	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers["Idempotency-Key"] = req.IdempotencyKey
	}
	if err := c.doJSON(ctx, "create_order", http.MethodPost, c.baseURL+"/api/v1/orders", req, &receipt, headers); err != nil {
		return models.OrderReceipt{}, err
	}
	if receipt.OrderID == "" {
		return models.OrderReceipt{}, errors.New("create order: empty order id in response")
	}
	return receipt, nil
}

// HealthCheck checks if the backend is available.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", http.NoBody)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

// InvalidateCache drops cached switches and pool configs so the next read
// goes to the backend.
func (c *Client) InvalidateCache(ctx context.Context) {
	c.invalidate(ctx, cacheKeySwitches)
	c.invalidate(ctx, cacheKeyPoolConfigs)
}

func (c *Client) readCache(ctx context.Context, key string, out any) bool {
	if c.cacheTTL <= 0 {
		return false
	}
	var raw []byte
	switch {
	case c.redis != nil:
		val, err := c.redis.Get(ctx, key).Bytes()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				c.logger.Debug().Err(err).Str("key", key).Msg("redis cache read failed")
			}
			return false
		}
		raw = val
	case c.local != nil:
		val, ok := c.local.Get(key)
		if !ok {
			return false
		}
		raw, _ = val.([]byte)
	default:
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

func (c *Client) writeCache(ctx context.Context, key string, val any) {
	if c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	switch {
	case c.redis != nil:
		if err := c.redis.Set(ctx, key, data, c.cacheTTL).Err(); err != nil {
			c.logger.Debug().Err(err).Str("key", key).Msg("redis cache write failed")
		}
	case c.local != nil:
		c.local.Set(key, data, cache.DefaultExpiration)
	}
}

func (c *Client) invalidate(ctx context.Context, key string) {
	switch {
	case c.redis != nil:
		_ = c.redis.Del(ctx, key).Err()
	case c.local != nil:
		c.local.Delete(key)
	}
}

func (c *Client) doGet(ctx context.Context, op, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	c.addHeaders(req)
	return c.do(op, req, out)
}

func (c *Client) doJSON(ctx context.Context, op, method, endpoint string, body, out any, headers map[string]string) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	c.addHeaders(req)
	return c.do(op, req, out)
}

func (c *Client) do(op string, req *http.Request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			metrics.IncBackend(op, "throttled")
			return fmt.Errorf("%s: rate limit: %w", op, err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.IncBackend(op, "error")
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		metrics.IncBackend(op, "not_found")
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case resp.StatusCode == http.StatusNoContent:
		metrics.IncBackend(op, "ok")
		return nil
	case resp.StatusCode >= 300:
		metrics.IncBackend(op, "error")
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s: %w", op, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))})
	}
	metrics.IncBackend(op, "ok")

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) addHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
}
