package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"activityindexer/internal/models"
	"activityindexer/internal/repository"
	"activityindexer/internal/service"
)

// SyncRunner is the part of the sync service the ops API drives.
type SyncRunner interface {
	RunBatch(ctx context.Context, opts service.RunOptions) (service.RunResult, error)
	CurrentRun(ctx context.Context) (string, bool, error)
}

type ActivityHandler struct {
	Sync     SyncRunner
	Repo     repository.Repository
	Defaults service.RunOptions
	Logger   *zap.Logger
}

func (h *ActivityHandler) Register(r gin.IRouter) {
	group := r.Group("/activities")
	group.POST("/sync", h.runSync)
	group.GET("/sync-state", h.listSyncState)

	accounts := r.Group("/accounts")
	accounts.GET("", h.listAccounts)
	accounts.POST("", h.upsertAccount)
	accounts.GET("/:id", h.getAccount)
	accounts.GET("/:id/activities", h.listActivities)
}

// @Summary Run one activity sync batch
// @Tags activities
// @Security BearerAuth
// @Param batch_size query int false "accounts to select"
// @Param workers query int false "concurrent accounts"
// @Success 200 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Failure 502 {object} apiResponse
// @Router /api/activities/sync [post]
func (h *ActivityHandler) runSync(c *gin.Context) {
	if h.Sync == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	opts := h.Defaults
	if v := intQuery(c, "batch_size", 0); v > 0 {
		opts.BatchSize = v
	}
	if v := intQuery(c, "workers", 0); v > 0 {
		opts.Workers = v
	}

	result, err := h.Sync.RunBatch(c.Request.Context(), opts)
	if errors.Is(err, service.ErrRunInProgress) {
		Error(c, http.StatusConflict, err.Error(), nil)
		return
	}
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("activity sync failed", zap.String("run_id", result.RunID), zap.Error(err))
		}
		Error(c, http.StatusBadGateway, err.Error(), map[string]any{"result": result})
		return
	}
	Ok(c, result, nil)
}

// @Summary List sync states
// @Tags activities
// @Security BearerAuth
// @Success 200 {object} apiResponse
// @Router /api/activities/sync-state [get]
func (h *ActivityHandler) listSyncState(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	ctx := c.Request.Context()
	states, err := h.Repo.ListSyncStates(ctx)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("list sync state failed", zap.Error(err))
		}
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	views := make([]syncStateView, 0, len(states))
	for _, s := range states {
		views = append(views, newSyncStateView(s))
	}

	meta := map[string]any{"running": false}
	if h.Sync != nil {
		runID, running, err := h.Sync.CurrentRun(ctx)
		if err != nil {
			if h.Logger != nil {
				h.Logger.Warn("read run lock failed", zap.Error(err))
			}
		} else if running {
			meta["running"] = true
			meta["run_id"] = runID
		}
	}
	Ok(c, views, meta)
}

// @Summary List accounts
// @Tags accounts
// @Security BearerAuth
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Param username query string false "username"
// @Param has_feed query bool false "only accounts with an activity feed"
// @Success 200 {object} apiResponse
// @Router /api/accounts [get]
func (h *ActivityHandler) listAccounts(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	params := repository.ListAccountsParams{
		Limit:   intQuery(c, "limit", 100),
		Offset:  intQuery(c, "offset", 0),
		HasFeed: boolQueryPtr(c, "has_feed"),
	}
	if username := strings.TrimSpace(c.Query("username")); username != "" {
		params.Username = &username
	}

	ctx := c.Request.Context()
	items, err := h.Repo.ListAccounts(ctx, params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountAccounts(ctx, params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	views := make([]accountView, 0, len(items))
	for _, a := range items {
		views = append(views, newAccountView(a))
	}
	Ok(c, views, paginationMeta(params.Limit, params.Offset, total))
}

type upsertAccountRequest struct {
	Username    string `json:"username"`
	Address     string `json:"address"`
	URL         string `json:"url"`
	ActivityURL string `json:"activity_url"`
}

// @Summary Register or update an account
// @Tags accounts
// @Security BearerAuth
// @Accept json
// @Param body body upsertAccountRequest true "account"
// @Success 200 {object} apiResponse
// @Failure 400 {object} apiResponse
// @Router /api/accounts [post]
func (h *ActivityHandler) upsertAccount(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	var req upsertAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Address = strings.TrimSpace(req.Address)
	if req.Username == "" || req.Address == "" {
		Error(c, http.StatusBadRequest, "username and address required", nil)
		return
	}
	req.ActivityURL = strings.TrimSpace(req.ActivityURL)
	if req.ActivityURL != "" && !strings.HasPrefix(req.ActivityURL, "http://") && !strings.HasPrefix(req.ActivityURL, "https://") {
		Error(c, http.StatusBadRequest, "activity_url must be http(s)", nil)
		return
	}

	item := &models.Account{
		Username:    req.Username,
		Address:     req.Address,
		URL:         strings.TrimSpace(req.URL),
		ActivityURL: req.ActivityURL,
	}
	if err := h.Repo.UpsertAccount(c.Request.Context(), item); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, newAccountView(*item), nil)
}

// @Summary Get account
// @Tags accounts
// @Security BearerAuth
// @Param id path int true "account id"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/accounts/{id} [get]
func (h *ActivityHandler) getAccount(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id, ok := accountIDParam(c)
	if !ok {
		return
	}
	item, err := h.Repo.GetAccount(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "account not found", nil)
		return
	}
	Ok(c, newAccountView(*item), nil)
}

// @Summary List an account's activities, newest first
// @Tags accounts
// @Security BearerAuth
// @Param id path int true "account id"
// @Param limit query int false "limit"
// @Param before_sequence query int false "only sequences below this"
// @Param include_deleted query bool false "include tombstoned rows"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /api/accounts/{id}/activities [get]
func (h *ActivityHandler) listActivities(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id, ok := accountIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	acc, err := h.Repo.GetAccount(ctx, id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if acc == nil {
		Error(c, http.StatusNotFound, "account not found", nil)
		return
	}

	params := repository.ListActivitiesParams{
		AccountID:      id,
		Limit:          intQuery(c, "limit", 100),
		BeforeSequence: int64QueryPtr(c, "before_sequence"),
		IncludeDeleted: boolQueryDefault(c, "include_deleted", false),
	}
	items, err := h.Repo.ListActivities(ctx, params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	views := make([]activityView, 0, len(items))
	for _, a := range items {
		views = append(views, newActivityView(a))
	}
	meta := map[string]any{
		"watermark": acc.LatestActivitySequence,
	}
	if n := len(items); n > 0 {
		meta["next_before_sequence"] = items[n-1].Sequence
	}
	Ok(c, views, meta)
}

func accountIDParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id == 0 {
		Error(c, http.StatusBadRequest, "invalid account id", nil)
		return 0, false
	}
	return id, true
}
