// Package api exposes the daemon's local REST surface: scheduler control,
// account management, live usage, and history queries.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pulsewatch-app/pulsewatch/internal/account"
	"github.com/pulsewatch-app/pulsewatch/internal/history"
	"github.com/pulsewatch-app/pulsewatch/internal/notify"
	"github.com/pulsewatch-app/pulsewatch/internal/provider"
	"github.com/pulsewatch-app/pulsewatch/internal/scheduler"
)

// Handlers bundles the daemon services behind HTTP endpoints.
type Handlers struct {
	Scheduler *scheduler.Loop
	Accounts  *account.Service
	History   *history.Store
	Notify    *notify.Engine
	Registry  *provider.Registry

	validate *validator.Validate
}

func NewHandlers(
	sched *scheduler.Loop,
	accounts *account.Service,
	store *history.Store,
	engine *notify.Engine,
	registry *provider.Registry,
) *Handlers {
	return &Handlers{
		Scheduler: sched,
		Accounts:  accounts,
		History:   store,
		Notify:    engine,
		Registry:  registry,
		validate:  validator.New(),
	}
}

// GetStatus returns the scheduler view including per-account health and
// latest snapshots.
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.Scheduler.Status())
}

// GetUsage returns the latest snapshot for one account.
func (h *Handlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	snap, err := h.Scheduler.Snapshot(id)
	if err != nil {
		JSONError(w, http.StatusNotFound, err)
		return
	}
	if snap == nil {
		JSONErrorMessage(w, http.StatusNotFound, "no usage captured yet")
		return
	}
	JSON(w, http.StatusOK, snap)
}

// ForceRefresh makes every non-paused account due immediately. Rejections
// carry a Retry-After header.
func (h *Handlers) ForceRefresh(w http.ResponseWriter, r *http.Request) {
	h.forceRefresh(w, "")
}

// ForceRefreshAccount makes one account due immediately.
func (h *Handlers) ForceRefreshAccount(w http.ResponseWriter, r *http.Request) {
	h.forceRefresh(w, chi.URLParam(r, "accountID"))
}

func (h *Handlers) forceRefresh(w http.ResponseWriter, accountID string) {
	err := h.Scheduler.ForceRefresh(accountID)
	var rlErr *scheduler.RateLimitedError
	switch {
	case errors.As(err, &rlErr):
		w.Header().Set("Retry-After", strconv.Itoa(int(rlErr.RetryAfter.Seconds())+1))
		JSONError(w, http.StatusTooManyRequests, err)
	case errors.Is(err, account.ErrNotFound):
		JSONError(w, http.StatusNotFound, err)
	case err != nil:
		JSONError(w, http.StatusInternalServerError, err)
	default:
		JSONMessage(w, http.StatusAccepted, "refresh scheduled")
	}
}

// ListProviders returns the registered provider ids.
func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.Registry.IDs())
}

// CreateAccount registers a new account and starts polling it.
func (h *Handlers) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req account.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		JSONError(w, http.StatusBadRequest, err)
		return
	}

	acc, err := h.Accounts.Create(r.Context(), &req)
	if err != nil {
		JSONError(w, http.StatusBadRequest, err)
		return
	}
	h.Scheduler.TrackAccount(acc.ID, acc.ProviderID, acc.DisplayName)
	JSON(w, http.StatusCreated, acc)
}

func (h *Handlers) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Accounts.List(r.Context())
	if err != nil {
		JSONError(w, http.StatusInternalServerError, err)
		return
	}
	JSON(w, http.StatusOK, accounts)
}

func (h *Handlers) GetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := h.Accounts.Get(r.Context(), chi.URLParam(r, "accountID"))
	if errors.Is(err, account.ErrNotFound) {
		JSONError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		JSONError(w, http.StatusInternalServerError, err)
		return
	}
	JSON(w, http.StatusOK, acc)
}

// UpdateAccountCredentials replaces the stored credentials and resumes the
// session, since new credentials invalidate the old error streak.
func (h *Handlers) UpdateAccountCredentials(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	var req account.UpdateCredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	acc, err := h.Accounts.UpdateCredentials(r.Context(), id, req.Credentials)
	if errors.Is(err, account.ErrNotFound) {
		JSONError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		JSONError(w, http.StatusBadRequest, err)
		return
	}
	_ = h.Scheduler.ResumeAccount(id)
	JSON(w, http.StatusOK, acc)
}

// DeleteAccount removes the account and cascades through scheduler,
// notification, and history state.
func (h *Handlers) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	err := h.Accounts.Delete(r.Context(), id)
	if errors.Is(err, account.ErrNotFound) {
		JSONError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		JSONError(w, http.StatusInternalServerError, err)
		return
	}

	h.Scheduler.RemoveAccount(id)
	h.Notify.Forget(id)
	if err := h.History.DeleteAccount(r.Context(), id); err != nil {
		JSONError(w, http.StatusInternalServerError, err)
		return
	}
	JSONMessage(w, http.StatusOK, "account deleted")
}

// ResumeAccount clears a paused session and schedules an immediate fetch.
func (h *Handlers) ResumeAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	if err := h.Scheduler.ResumeAccount(id); err != nil {
		JSONError(w, http.StatusNotFound, err)
		return
	}
	JSONMessage(w, http.StatusOK, "account resumed")
}

// GetAccountSession returns the session health for one account.
func (h *Handlers) GetAccountSession(w http.ResponseWriter, r *http.Request) {
	st, err := h.Scheduler.SessionStatus(chi.URLParam(r, "accountID"))
	if err != nil {
		JSONError(w, http.StatusNotFound, err)
		return
	}
	JSON(w, http.StatusOK, st)
}

type setIntervalRequest struct {
	Seconds int `json:"seconds" validate:"required,min=1"`
}

// SetSchedulerInterval changes the fixed polling interval.
func (h *Handlers) SetSchedulerInterval(w http.ResponseWriter, r *http.Request) {
	var req setIntervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		JSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.Scheduler.SetInterval(time.Duration(req.Seconds) * time.Second); err != nil {
		JSONError(w, http.StatusConflict, err)
		return
	}
	JSONMessage(w, http.StatusOK, "interval updated")
}

type setModeRequest struct {
	Mode string `json:"mode" validate:"required,oneof=fixed adaptive"`
}

// SetSchedulerMode switches between fixed and adaptive polling.
func (h *Handlers) SetSchedulerMode(w http.ResponseWriter, r *http.Request) {
	var req setModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		JSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.Scheduler.SetMode(req.Mode); err != nil {
		JSONError(w, http.StatusBadRequest, err)
		return
	}
	JSONMessage(w, http.StatusOK, "mode updated")
}

// ListHistory serves filtered, paginated history entries.
func (h *Handlers) ListHistory(w http.ResponseWriter, r *http.Request) {
	q, err := historyQuery(r)
	if err != nil {
		JSONError(w, http.StatusBadRequest, err)
		return
	}

	entries, err := h.History.Query(r.Context(), q)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, err)
		return
	}
	total, err := h.History.Count(r.Context(), q)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, err)
		return
	}
	limit := q.Limit
	if limit <= 0 {
		limit = history.DefaultQueryLimit
	}
	JSONPaginated(w, http.StatusOK, entries, total, limit, q.Offset)
}

// ExportHistory streams history as JSON or CSV.
func (h *Handlers) ExportHistory(w http.ResponseWriter, r *http.Request) {
	q, err := historyQuery(r)
	if err != nil {
		JSONError(w, http.StatusBadRequest, err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		out, err := h.History.ExportJSON(r.Context(), q)
		if err != nil {
			JSONError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="pulsewatch-history.json"`)
		w.Write(out)
	case "csv":
		out, err := h.History.ExportCSV(r.Context(), q)
		if err != nil {
			JSONError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="pulsewatch-history.csv"`)
		w.Write(out)
	default:
		JSONErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("unknown export format %q", format))
	}
}

// GetHistoryStats aggregates one limit's utilization over a period.
func (h *Handlers) GetHistoryStats(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	providerID := qs.Get("provider_id")
	limitID := qs.Get("limit_id")
	if providerID == "" || limitID == "" {
		JSONErrorMessage(w, http.StatusBadRequest, "provider_id and limit_id are required")
		return
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -7)
	var err error
	if v := qs.Get("start"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			JSONErrorMessage(w, http.StatusBadRequest, "start must be RFC3339")
			return
		}
	}
	if v := qs.Get("end"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			JSONErrorMessage(w, http.StatusBadRequest, "end must be RFC3339")
			return
		}
	}

	stats, err := h.History.Stats(r.Context(), providerID, limitID, start, end)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, err)
		return
	}
	if stats == nil {
		JSONErrorMessage(w, http.StatusNotFound, "no samples in period")
		return
	}
	JSON(w, http.StatusOK, stats)
}

func historyQuery(r *http.Request) (history.Query, error) {
	qs := r.URL.Query()
	q := history.Query{
		ProviderID: qs.Get("provider_id"),
		AccountID:  qs.Get("account_id"),
	}

	if v := qs.Get("start"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, fmt.Errorf("start must be RFC3339: %w", err)
		}
		q.Start = &ts
	}
	if v := qs.Get("end"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, fmt.Errorf("end must be RFC3339: %w", err)
		}
		q.End = &ts
	}
	if v := qs.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return q, errors.New("limit must be a positive integer")
		}
		q.Limit = n
	}
	if v := qs.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, errors.New("offset must be a non-negative integer")
		}
		q.Offset = n
	}
	return q, nil
}
