package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"timrs/internal/apperr"
	"timrs/internal/logging"
	"timrs/internal/models"
	"timrs/internal/service"
	"timrs/internal/sync"
	"timrs/internal/validation"
)

type API struct {
	svc  *service.Service
	sync *sync.Coordinator
}

func New(svc *service.Service, c *sync.Coordinator) *API {
	return &API{svc: svc, sync: c}
}

func (a *API) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/timers", func(r chi.Router) {
		r.Get("/", a.listTimers)
		r.Post("/", a.createTimer)
		r.Get("/{id}", a.getTimer)
		r.Put("/{id}", a.updateTimer)
		r.Delete("/{id}", a.deleteTimer)
		r.Post("/{id}/reset", a.softReset)
		r.Post("/{id}/restart", a.fullReset)
		r.Get("/{id}/resets", a.timerResetLogs)
		r.Get("/{id}/records", a.timerRecordBreaks)
	})

	r.Route("/deleted", func(r chi.Router) {
		r.Get("/", a.listDeleted)
		r.Post("/{id}/restore", a.restoreTimer)
		r.Delete("/{id}", a.purgeTimer)
	})

	r.Get("/resets", a.listResetLogs)
	r.Get("/records", a.listRecordBreaks)
	r.Get("/stats", a.getStats)

	r.Route("/bug-reports", func(r chi.Router) {
		r.Get("/", a.listBugReports)
		r.Post("/", a.submitBugReport)
		r.Delete("/{id}", a.deleteBugReport)
	})

	r.Route("/sync", func(r chi.Router) {
		r.Post("/", a.syncNow)
		r.Get("/status", a.syncStatus)
		r.Get("/remote", a.remoteSummary)
		r.Get("/queue", a.listQueue)
		r.Delete("/queue", a.clearQueue)
	})

	r.Delete("/data", a.wipeAll)

	return r
}

// Timer handlers

func (a *API) listTimers(w http.ResponseWriter, r *http.Request) {
	timers, err := a.svc.Timers(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, timers)
}

func (a *API) createTimer(w http.ResponseWriter, r *http.Request) {
	var form models.TimerForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	t, err := a.svc.CreateTimer(r.Context(), form)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

func (a *API) getTimer(w http.ResponseWriter, r *http.Request) {
	t, err := a.svc.Timer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (a *API) updateTimer(w http.ResponseWriter, r *http.Request) {
	var form models.TimerForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	t, err := a.svc.EditTimer(r.Context(), chi.URLParam(r, "id"), form)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (a *API) deleteTimer(w http.ResponseWriter, r *http.Request) {
	deleted, err := a.svc.DeleteTimer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, deleted)
}

func (a *API) softReset(w http.ResponseWriter, r *http.Request) {
	var in models.ResetInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	res, err := a.svc.SoftReset(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (a *API) fullReset(w http.ResponseWriter, r *http.Request) {
	t, err := a.svc.FullReset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (a *API) timerResetLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := a.svc.ResetLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, logs)
}

func (a *API) timerRecordBreaks(w http.ResponseWriter, r *http.Request) {
	records, err := a.svc.RecordBreaks(r.Context(), chi.URLParam(r, "id"), false)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

// Deletion history

func (a *API) listDeleted(w http.ResponseWriter, r *http.Request) {
	history, err := a.svc.DeletedTimers(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, history)
}

func (a *API) restoreTimer(w http.ResponseWriter, r *http.Request) {
	t, err := a.svc.RestoreTimer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (a *API) purgeTimer(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.PurgeDeletedTimer(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Histories and stats

func (a *API) listResetLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := a.svc.ResetLogs(r.Context(), r.URL.Query().Get("timerId"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, logs)
}

func (a *API) listRecordBreaks(w http.ResponseWriter, r *http.Request) {
	global, _ := strconv.ParseBool(r.URL.Query().Get("global"))
	records, err := a.svc.RecordBreaks(r.Context(), r.URL.Query().Get("timerId"), global)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

func (a *API) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.svc.Stats(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// Bug reports

func (a *API) listBugReports(w http.ResponseWriter, r *http.Request) {
	reports, err := a.svc.BugReports(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, reports)
}

func (a *API) submitBugReport(w http.ResponseWriter, r *http.Request) {
	var form models.BugReportForm
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	report, err := a.svc.SubmitBugReport(r.Context(), form)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, report)
}

func (a *API) deleteBugReport(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeleteBugReport(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Sync handlers

type syncStatusResponse struct {
	Status       models.SyncStatus `json:"status"`
	Enabled      bool              `json:"enabled"`
	Draining     bool              `json:"draining"`
	PendingCount int               `json:"pendingCount"`
	LastSyncTime int64             `json:"lastSyncTime"`
}

func (a *API) currentSyncStatus() syncStatusResponse {
	return syncStatusResponse{
		Status:       a.sync.Status(),
		Enabled:      a.sync.Enabled(),
		Draining:     a.sync.Queue().Draining(),
		PendingCount: a.sync.PendingCount(),
		LastSyncTime: a.sync.LastSyncTime(),
	}
}

func (a *API) remoteSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := a.sync.RemoteSummary(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func (a *API) syncNow(w http.ResponseWriter, r *http.Request) {
	if err := a.sync.SyncAll(r.Context()); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a.currentSyncStatus())
}

func (a *API) syncStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.currentSyncStatus())
}

func (a *API) listQueue(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.sync.Queue().Items())
}

func (a *API) clearQueue(w http.ResponseWriter, r *http.Request) {
	if err := a.sync.ClearQueue(r.Context()); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) wipeAll(w http.ResponseWriter, r *http.Request) {
	report, err := a.svc.WipeAll(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// JSON helpers

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps a classified error onto a status code. Only validation
// messages reach the client verbatim.
func respondErr(w http.ResponseWriter, err error) {
	status := statusFor(apperr.KindOf(err))
	if status >= http.StatusInternalServerError {
		logging.Err(err).Str("component", "api").Int("status", status).Msg("request failed")
	}

	if fields := validation.Fields(err); len(fields) > 0 {
		respondJSON(w, status, map[string]any{
			"error":  apperr.UserMessage(err),
			"fields": fields,
		})
		return
	}
	respondError(w, status, apperr.UserMessage(err))
}

func statusFor(k apperr.Kind) int {
	switch k {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Network:
		return http.StatusServiceUnavailable
	case apperr.Sync, apperr.RemoteBackend:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
