package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/initforge/u.i-conhon-sub001/internal/models"
	"github.com/initforge/u.i-conhon-sub001/internal/schedule"
	"github.com/initforge/u.i-conhon-sub001/internal/switches"
)

type fakeBackend struct {
	hits      atomic.Int32
	lastKey   atomic.Value
	lastAPI   atomic.Value
	switchSet switches.SwitchSet
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/switches", func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		f.lastAPI.Store(r.Header.Get("x-api-key"))
		_ = json.NewEncoder(w).Encode(f.switchSet)
	})
	mux.HandleFunc("PATCH /api/v1/switches", func(w http.ResponseWriter, r *http.Request) {
		var patch switches.Patch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if patch.Master != nil {
			f.switchSet.Master = *patch.Master
		}
		_ = json.NewEncoder(w).Encode(f.switchSet)
	})
	mux.HandleFunc("GET /api/v1/pools/configs", func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		_, _ = io.WriteString(w, `{"configs":[{"id":"an-nhon","name":"An Nhơn","timeSlots":[{"startTime":"07:30","endTime":"10:30"},{"startTime":"13:00","endTime":"17:30"}],"isExtraModeOn":false}]}`)
	})
	mux.HandleFunc("PUT /api/v1/pools/configs", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":true}`)
	})
	mux.HandleFunc("GET /api/v1/pools/{id}/session", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "an-nhon":
			_, _ = io.WriteString(w, `{"id":"s-1","slotIndex":1}`)
		case "hoai-nhon":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("GET /api/v1/sessions/{id}/items", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"items":[{"itemId":"01","remaining":0},{"itemId":"02","remaining":4,"isBanned":true,"banReason":"hold"}]}`)
	})
	mux.HandleFunc("POST /api/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		f.lastKey.Store(r.Header.Get("Idempotency-Key"))
		var req models.OrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
			http.Error(w, "bad order", http.StatusUnprocessableEntity)
			return
		}
		_, _ = io.WriteString(w, `{"orderId":"o-42"}`)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newTestClient(t *testing.T) (*Client, *fakeBackend) {
	t.Helper()
	fb := &fakeBackend{switchSet: switches.SwitchSet{Master: true, Pools: map[string]bool{"an-nhon": true}}}
	srv := httptest.NewServer(fb.handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "secret", time.Second, zerolog.New(io.Discard)), fb
}

func TestClient_GetSwitchesSendsAPIKey(t *testing.T) {
	c, fb := newTestClient(t)
	set, err := c.GetSwitches(context.Background())
	require.NoError(t, err)
	assert.True(t, set.Admissible("an-nhon"))
	assert.Equal(t, "secret", fb.lastAPI.Load())
}

func TestClient_SaveSwitches(t *testing.T) {
	c, _ := newTestClient(t)
	off := false
	set, err := c.SaveSwitches(context.Background(), switches.Patch{Master: &off})
	require.NoError(t, err)
	assert.False(t, set.Master)
	assert.True(t, set.Pools["an-nhon"])
}

func TestClient_PoolConfigs(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	cfgs, err := c.GetPoolConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, cfgs, 1)
	assert.Equal(t, schedule.MustParseClock("17:30"), cfgs[0].TimeSlots[1].End)

	ok, err := c.SavePoolConfigs(ctx, cfgs)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClient_GetCurrentSession(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	s, err := c.GetCurrentSession(ctx, "an-nhon")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "s-1", s.ID)
	assert.Equal(t, "an-nhon", s.PoolID)
	assert.Equal(t, 1, s.SlotIndex)

	s, err = c.GetCurrentSession(ctx, "hoai-nhon")
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = c.GetCurrentSession(ctx, "nhon-phong")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestClient_GetSessionItems(t *testing.T) {
	c, _ := newTestClient(t)
	items, err := c.GetSessionItems(context.Background(), "s-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.True(t, items[0].SoldOut())
	assert.Equal(t, "hold", items[1].BanReason)
}

func TestClient_CreateOrder(t *testing.T) {
	c, fb := newTestClient(t)
	ctx := context.Background()

	receipt, err := c.CreateOrder(ctx, models.OrderRequest{
		SessionID:      "s-1",
		Items:          []models.OrderLine{{ItemID: "01", Amount: 10000}},
		IdempotencyKey: "k-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "o-42", receipt.OrderID)
	assert.Equal(t, "k-1", fb.lastKey.Load())

	_, err = c.CreateOrder(ctx, models.OrderRequest{})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnprocessableEntity, httpErr.StatusCode)
	assert.Equal(t, "bad order", httpErr.Body)
}

func TestClient_RedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c, fb := newTestClient(t)
	c.UseRedisCache(rdb, time.Minute)
	ctx := context.Background()

	_, err := c.GetPoolConfigs(ctx)
	require.NoError(t, err)
	_, err = c.GetPoolConfigs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fb.hits.Load())
	assert.True(t, mr.Exists(cacheKeyPoolConfigs))

	mr.FastForward(2 * time.Minute)
	_, err = c.GetPoolConfigs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fb.hits.Load())

	_, err = c.SavePoolConfigs(ctx, nil)
	require.NoError(t, err)
	assert.False(t, mr.Exists(cacheKeyPoolConfigs))
}

func TestClient_LocalCacheAndInvalidate(t *testing.T) {
	c, fb := newTestClient(t)
	c.UseLocalCache(time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.GetSwitches(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), fb.hits.Load())

	c.InvalidateCache(ctx)
	_, err := c.GetSwitches(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fb.hits.Load())
}

func TestClient_RateLimitHonoursContext(t *testing.T) {
	c, _ := newTestClient(t)
	c.UseRateLimit(rate.Every(time.Hour), 1)

	require.NoError(t, c.HealthCheck(context.Background()))
	_, err := c.GetSessionItems(context.Background(), "s-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.GetSessionItems(ctx, "s-1")
	assert.Error(t, err)
}

func TestClient_HealthCheckFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second, zerolog.New(io.Discard))
	assert.Error(t, c.HealthCheck(context.Background()))
}
