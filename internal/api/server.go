// Package api exposes the engine to presentation code over a local JSON API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/initforge/u.i-conhon-sub001/internal/engine"
	"github.com/initforge/u.i-conhon-sub001/internal/gate"
	"github.com/initforge/u.i-conhon-sub001/internal/models"
	"github.com/initforge/u.i-conhon-sub001/internal/pools"
	"github.com/initforge/u.i-conhon-sub001/internal/schedule"
	"github.com/initforge/u.i-conhon-sub001/internal/switches"
)

// Session is the engine surface used by the user routes.
type Session interface {
	SelectPool(poolID string) (schedule.Status, error)
	Logout()
	GetSessionStatus(poolID string) (schedule.Status, error)
	CanAddToCart(poolID, itemID string) gate.Decision
	CanCheckout() gate.Decision
	AddItem(poolID, itemID string) (gate.Decision, error)
	RemoveItem(itemID string) error
	UpdateAmount(itemID, raw string) error
	CommitAmount(itemID string) (int64, error)
	StepAmount(itemID string, dir int) (int64, error)
	SubmitOrder(ctx context.Context) (models.OrderReceipt, error)
	View() engine.View
}

// PoolAdmin edits pool configurations.
type PoolAdmin interface {
	Update(ctx context.Context, cfgs []schedule.PoolConfig) ([]pools.Notice, error)
	SetExtraMode(ctx context.Context, id string, on bool, slot *schedule.TimeSlot) ([]pools.Notice, error)
}

// SwitchAdmin edits switches.
type SwitchAdmin interface {
	Apply(ctx context.Context, patch switches.Patch) (switches.SwitchSet, error)
}

// Options configure the server.
type Options struct {
	APIKey     string
	RatePerSec float64
	Burst      int
	Clock      clockwork.Clock
}

// HTTPServer serves the local API.
type HTTPServer struct {
	session  Session
	pools    PoolAdmin
	switches SwitchAdmin
	apiKey   string
	limiter  *rate.Limiter
	validate *validator.Validate
	clock    clockwork.Clock
	logger   zerolog.Logger
}

// NewHTTPServer creates the server. Admin routes are only mounted when the
// corresponding admin is non-nil.
func NewHTTPServer(session Session, poolAdmin PoolAdmin, switchAdmin SwitchAdmin, opts Options, logger zerolog.Logger) *HTTPServer {
	s := &HTTPServer{
		session:  session,
		pools:    poolAdmin,
		switches: switchAdmin,
		apiKey:   opts.APIKey,
		validate: validator.New(),
		clock:    opts.Clock,
		logger:   logger.With().Str("component", "api").Logger(),
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return s
}

// Handler returns the routed handler with auth and rate limiting applied.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/pools/{id}/status", s.handlePoolStatus)
	mux.HandleFunc("POST /api/pools/{id}/select", s.handleSelectPool)
	mux.HandleFunc("GET /api/pools/{id}/items/{item}/admission", s.handleAdmission)
	mux.HandleFunc("POST /api/session/logout", s.handleLogout)
	mux.HandleFunc("GET /api/cart", s.handleCart)
	mux.HandleFunc("POST /api/cart/items", s.handleAddItem)
	mux.HandleFunc("PATCH /api/cart/items/{id}", s.handleAmount)
	mux.HandleFunc("DELETE /api/cart/items/{id}", s.handleRemoveItem)
	mux.HandleFunc("GET /api/cart/checkout", s.handleCanCheckout)
	mux.HandleFunc("POST /api/cart/submit", s.handleSubmit)
	if s.pools != nil {
		mux.HandleFunc("PUT /api/admin/pools", s.handleUpdatePools)
		mux.HandleFunc("PUT /api/admin/pools/{id}/extra", s.handleExtraMode)
	}
	if s.switches != nil {
		mux.HandleFunc("PATCH /api/admin/switches", s.handleSwitches)
	}
	return s.withAuth(s.withRateLimit(mux))
}

// Start serves on port until ctx is done.
func (s *HTTPServer) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	s.logger.Info().Int("port", port).Msg("api server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) withAuth(next http.Handler) http.Handler {
	if s.apiKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != s.apiKey {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) withRateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// decode reads a JSON body into dst and validates it.
func (s *HTTPServer) decode(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return errors.New("invalid JSON body")
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%s is %s", verrs[0].Field(), verrs[0].Tag())
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
