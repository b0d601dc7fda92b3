package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"queue_notifier/internal/domain"
	"queue_notifier/internal/feature/dispatch"
	"queue_notifier/internal/logging"
	"queue_notifier/internal/store"
)

// Dispatcher processes one queue observation.
type Dispatcher interface {
	Dispatch(ctx context.Context, obs domain.Observation) (dispatch.Summary, error)
}

// SnapshotReader serves the latest and historical queue snapshots.
type SnapshotReader interface {
	MostRecent(ctx context.Context) (domain.Snapshot, error)
	History(ctx context.Context, limit, offset int) ([]domain.Snapshot, error)
}

// StatsReader summarizes delivered notifications.
type StatsReader interface {
	Notifications(ctx context.Context) (store.NotificationStats, error)
}

// QueueResetter clears notification state on operator request.
type QueueResetter interface {
	ResetNotifications(ctx context.Context) (int64, error)
	ResetCooldowns(ctx context.Context, accountIDs []int64) (int64, error)
}

// QueueHandler serves /api/queue.
type QueueHandler struct {
	dispatcher Dispatcher
	snapshots  SnapshotReader
	stats      StatsReader
	resets     QueueResetter
	logger     *logrus.Entry
}

// NewQueueHandler constructs a QueueHandler.
func NewQueueHandler(dispatcher Dispatcher, snapshots SnapshotReader, stats StatsReader, resets QueueResetter, logger *logrus.Entry) *QueueHandler {
	if logger == nil {
		logger = logging.Logger()
	}

	return &QueueHandler{
		dispatcher: dispatcher,
		snapshots:  snapshots,
		stats:      stats,
		resets:     resets,
		logger:     logger,
	}
}

// Update accepts an observation from the queue watcher and dispatches it.
func (h *QueueHandler) Update(w http.ResponseWriter, r *http.Request) {
	var obs domain.Observation
	if err := decodeJSON(w, r, &obs); err != nil {
		writeFailure(w, h.logger, "update queue status", err)
		return
	}

	summary, err := h.dispatcher.Dispatch(r.Context(), obs)
	if err != nil {
		writeFailure(w, h.logger, "update queue status", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":            true,
		"message":            "Queue status updated successfully",
		"dispatchId":         summary.DispatchID,
		"currentUserPattern": summary.Pattern,
		"usersFound":         summary.UsersFound,
		"notificationsSent":  summary.NotificationsSent,
		"emailsSent":         summary.EmailsSent,
		"telegramSent":       summary.TelegramSent,
		"timestamp":          summary.Timestamp,
	})
}

// Current returns the most recent snapshot.
func (h *QueueHandler) Current(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshots.MostRecent(r.Context())
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "No queue status available")
		return
	}
	if err != nil {
		writeFailure(w, h.logger, "get queue status", err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// History returns snapshots newest first, paged by limit and offset.
func (h *QueueHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	limit, offset = domain.NormalizePage(limit, offset)

	history, err := h.snapshots.History(r.Context(), limit, offset)
	if err != nil {
		writeFailure(w, h.logger, "get queue history", err)
		return
	}
	if history == nil {
		history = []domain.Snapshot{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"history": history,
		"count":   len(history),
		"limit":   limit,
		"offset":  offset,
	})
}

// ResetNotifications clears the notified state of every account.
func (h *QueueHandler) ResetNotifications(w http.ResponseWriter, r *http.Request) {
	reset, err := h.resets.ResetNotifications(r.Context())
	if err != nil {
		writeFailure(w, h.logger, "reset notifications", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"message":       "All notification statuses reset",
		"accountsReset": reset,
	})
}

type resetCooldownsRequest struct {
	AccountIDs []int64 `json:"accountIds"`
}

// ResetCooldowns clears cooldowns for the listed accounts, or all accounts
// when the body is empty.
func (h *QueueHandler) ResetCooldowns(w http.ResponseWriter, r *http.Request) {
	var req resetCooldownsRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeFailure(w, h.logger, "reset cooldowns", err)
			return
		}
	}

	reset, err := h.resets.ResetCooldowns(r.Context(), req.AccountIDs)
	if err != nil {
		writeFailure(w, h.logger, "reset cooldowns", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"message":       "Notification cooldowns reset",
		"accountsReset": reset,
	})
}

// Stats returns delivered notification counts.
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Notifications(r.Context())
	if err != nil {
		writeFailure(w, h.logger, "get notification statistics", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats":   stats,
	})
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
