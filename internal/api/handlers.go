package api

import (
	"errors"
	"net/http"

	"github.com/initforge/u.i-conhon-sub001/internal/cart"
	"github.com/initforge/u.i-conhon-sub001/internal/engine"
	"github.com/initforge/u.i-conhon-sub001/internal/gate"
	"github.com/initforge/u.i-conhon-sub001/internal/metrics"
	"github.com/initforge/u.i-conhon-sub001/internal/pools"
	"github.com/initforge/u.i-conhon-sub001/internal/schedule"
	"github.com/initforge/u.i-conhon-sub001/internal/switches"
)

// StatusResponse is a pool window status with its countdown.
type StatusResponse struct {
	PoolID    string          `json:"poolId"`
	Status    schedule.Status `json:"status"`
	Countdown string          `json:"countdown"`
}

// AddItemRequest is the body of POST /api/cart/items.
type AddItemRequest struct {
	PoolID string `json:"poolId" validate:"required"`
	ItemID string `json:"itemId" validate:"required"`
}

// AmountRequest is the body of PATCH /api/cart/items/{id}. Raw updates the
// pending input, Commit coerces it (blur) and Step moves it by one step.
type AmountRequest struct {
	Raw    *string `json:"raw,omitempty"`
	Commit bool    `json:"commit,omitempty"`
	Step   int     `json:"step,omitempty" validate:"oneof=-1 0 1"`
}

// DecisionResponse reports a gate refusal.
type DecisionResponse struct {
	Error    string        `json:"error"`
	Decision gate.Decision `json:"decision"`
}

// UpdatePoolsRequest is the body of PUT /api/admin/pools.
type UpdatePoolsRequest struct {
	Configs []schedule.PoolConfig `json:"configs" validate:"required,min=1,dive"`
}

// ExtraModeRequest is the body of PUT /api/admin/pools/{id}/extra.
type ExtraModeRequest struct {
	On   bool               `json:"on"`
	Slot *schedule.TimeSlot `json:"slot,omitempty"`
}

// NoticesResponse lists the corrections applied to saved configs.
type NoticesResponse struct {
	Success bool           `json:"success"`
	Notices []pools.Notice `json:"notices"`
}

// handlePoolStatus returns the window status of a pool.
// GET /api/pools/{id}/status
func (s *HTTPServer) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("pool_status")
	id := r.PathValue("id")
	st, err := s.session.GetSessionStatus(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{PoolID: id, Status: st, Countdown: schedule.FormatCountdown(st.Remaining(s.clock.Now()))})
}

// handleSelectPool makes a pool the active one.
// POST /api/pools/{id}/select
func (s *HTTPServer) handleSelectPool(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("select_pool")
	id := r.PathValue("id")
	st, err := s.session.SelectPool(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{PoolID: id, Status: st, Countdown: schedule.FormatCountdown(st.Remaining(s.clock.Now()))})
}

// handleAdmission reports whether an item can be added right now.
// GET /api/pools/{id}/items/{item}/admission
func (s *HTTPServer) handleAdmission(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admission")
	writeJSON(w, http.StatusOK, s.session.CanAddToCart(r.PathValue("id"), r.PathValue("item")))
}

// POST /api/session/logout
func (s *HTTPServer) handleLogout(w http.ResponseWriter, _ *http.Request) {
	metrics.IncHTTP("logout")
	s.session.Logout()
	writeJSON(w, http.StatusOK, s.session.View())
}

// GET /api/cart
func (s *HTTPServer) handleCart(w http.ResponseWriter, _ *http.Request) {
	metrics.IncHTTP("cart")
	writeJSON(w, http.StatusOK, s.session.View())
}

// handleAddItem adds an item after a gate check. A refusal is 409 with the
// decision so the caller can disable the control.
// POST /api/cart/items
func (s *HTTPServer) handleAddItem(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("add_item")
	var req AddItemRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := s.session.AddItem(req.PoolID, req.ItemID)
	switch {
	case errors.Is(err, engine.ErrNotAdmitted):
		writeJSON(w, http.StatusConflict, DecisionResponse{Error: err.Error(), Decision: d})
		return
	case errors.Is(err, cart.ErrNotBuilding):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.session.View())
}

// handleAmount edits the amount of a cart line.
// PATCH /api/cart/items/{id}
func (s *HTTPServer) handleAmount(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("amount")
	var req AmountRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := r.PathValue("id")
	var err error
	if req.Raw != nil {
		err = s.session.UpdateAmount(id, *req.Raw)
	}
	if err == nil && req.Commit {
		_, err = s.session.CommitAmount(id)
	}
	if err == nil && req.Step != 0 {
		_, err = s.session.StepAmount(id, req.Step)
	}
	if err != nil {
		writeCartError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.View())
}

// DELETE /api/cart/items/{id}
func (s *HTTPServer) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("remove_item")
	if err := s.session.RemoveItem(r.PathValue("id")); err != nil {
		writeCartError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.View())
}

// GET /api/cart/checkout
func (s *HTTPServer) handleCanCheckout(w http.ResponseWriter, _ *http.Request) {
	metrics.IncHTTP("can_checkout")
	writeJSON(w, http.StatusOK, s.session.CanCheckout())
}

// handleSubmit submits the cart as one order.
// POST /api/cart/submit
func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("submit")
	receipt, err := s.session.SubmitOrder(r.Context())
	if err != nil {
		var rej *cart.RejectionError
		switch {
		case errors.As(err, &rej):
			writeJSON(w, http.StatusConflict, DecisionResponse{Error: err.Error(), Decision: rej.Decision})
		case errors.Is(err, cart.ErrEmptyCart):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, cart.ErrNoOpenSession), errors.Is(err, cart.ErrSessionMismatch), errors.Is(err, cart.ErrNotBuilding):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error().Err(err).Msg("order submission failed")
			writeError(w, http.StatusBadGateway, "order submission failed, please retry")
		}
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// handleUpdatePools saves pool configs. End times at or after the draw are
// clamped and reported as notices.
// PUT /api/admin/pools
func (s *HTTPServer) handleUpdatePools(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_pools")
	var req UpdatePoolsRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	notices, err := s.pools.Update(r.Context(), req.Configs)
	s.writeAdminResult(w, notices, err)
}

// PUT /api/admin/pools/{id}/extra
func (s *HTTPServer) handleExtraMode(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_extra")
	var req ExtraModeRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	notices, err := s.pools.SetExtraMode(r.Context(), r.PathValue("id"), req.On, req.Slot)
	s.writeAdminResult(w, notices, err)
}

func (s *HTTPServer) writeAdminResult(w http.ResponseWriter, notices []pools.Notice, err error) {
	if notices == nil {
		notices = []pools.Notice{}
	}
	switch {
	case errors.Is(err, pools.ErrPersist):
		s.logger.Error().Err(err).Msg("pool config save failed")
		writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "error": err.Error(), "notices": notices})
	case errors.Is(err, pools.ErrUnknownPool):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusOK, NoticesResponse{Success: true, Notices: notices})
	}
}

// PATCH /api/admin/switches
func (s *HTTPServer) handleSwitches(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("admin_switches")
	var patch switches.Patch
	if err := s.decode(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	set, err := s.switches.Apply(r.Context(), patch)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "switches": set})
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func writeCartError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cart.ErrUnknownItem):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, cart.ErrNotBuilding):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
