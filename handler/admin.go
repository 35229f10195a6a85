package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/AnTengye/contractguard/catalog"
	"github.com/AnTengye/contractguard/ledger"
	"github.com/AnTengye/contractguard/middleware"
	"github.com/AnTengye/contractguard/model"
	"github.com/AnTengye/contractguard/orchestrator"
	"github.com/AnTengye/contractguard/pkg/apperr"
	"github.com/AnTengye/contractguard/pkg/logger"
	"github.com/AnTengye/contractguard/rulepack"
	"github.com/AnTengye/contractguard/service"
	"github.com/gin-gonic/gin"
)

// MetricsSource aggregates persisted analysis statistics
type MetricsSource interface {
	Latency(ctx context.Context) (catalog.Latency, error)
	StateCounts(ctx context.Context) (map[string]int, error)
	Timeseries(ctx context.Context, days int, now time.Time) ([]catalog.DailyRollup, error)
}

// AdminHandler serves metrics, rulepack metadata and tenant settings
type AdminHandler struct {
	ledger   *ledger.Ledger
	metrics  MetricsSource
	registry *rulepack.Registry
	settings *service.SettingsStore
	orch     *orchestrator.Orchestrator
}

func NewAdminHandler(l *ledger.Ledger, metrics MetricsSource, registry *rulepack.Registry, settings *service.SettingsStore, orch *orchestrator.Orchestrator) *AdminHandler {
	return &AdminHandler{ledger: l, metrics: metrics, registry: registry, settings: settings, orch: orch}
}

// Metrics returns the aggregate token and latency tiles
func (h *AdminHandler) Metrics(c *gin.Context) {
	ctx := c.Request.Context()

	latency, err := h.metrics.Latency(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	states, err := h.metrics.StateCounts(ctx)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tokens":      h.ledger.Metrics(),
		"latency":     latency,
		"states":      states,
		"active_jobs": h.orch.Jobs().Count(),
	})
}

// Timeseries returns daily rollups for ?days=N
func (h *AdminHandler) Timeseries(c *gin.Context) {
	days := 7
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			fail(c, apperr.New(apperr.CodeInvalidRequest, "days must be a positive integer"))
			return
		}
		days = n
	}
	series, err := h.metrics.Timeseries(c.Request.Context(), days, time.Now())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"days": series})
}

// Rulepacks lists loaded rulepack metadata. The active pack must load.
func (h *AdminHandler) Rulepacks(c *gin.Context) {
	if _, err := h.registry.Rulepack(); err != nil {
		fail(c, apperr.Wrap(apperr.CodeRulepackInvalid, err.Error(), err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"rulepacks": h.registry.Infos()})
}

// GetSettings returns the caller's tenant settings
func (h *AdminHandler) GetSettings(c *gin.Context) {
	s, err := h.settings.Get(middleware.GetTenant(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// PutSettings replaces the caller's tenant settings
func (h *AdminHandler) PutSettings(c *gin.Context) {
	var req service.Settings
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.New(apperr.CodeInvalidRequest, "invalid settings document"))
		return
	}
	tenant := middleware.GetTenant(c)
	s, err := h.settings.Put(tenant, req)
	if err != nil {
		fail(c, err)
		return
	}
	logger.Info(c.Request.Context(), "settings updated", "llm_provider", s.LLMProvider, "compliance_mode", s.ComplianceMode)
	c.JSON(http.StatusOK, s)
}

type advanceRequest struct {
	State   model.State    `json:"state" binding:"required"`
	Finding *model.Finding `json:"finding"`
}

// DevAdvance forces a transition, optionally appending a finding
func (h *AdminHandler) DevAdvance(c *gin.Context) {
	var req advanceRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.State.Valid() {
		fail(c, apperr.New(apperr.CodeInvalidRequest, "state must be a lifecycle state"))
		return
	}
	a, err := h.orch.Analysis(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if a.Tenant != middleware.GetTenant(c) {
		fail(c, apperr.NotFound("analysis"))
		return
	}
	a, err = h.orch.Advance(c.Request.Context(), a.ID, req.State, req.Finding)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// DevReloadRulepacks reloads the active rulepack and lexicon from disk
func (h *AdminHandler) DevReloadRulepacks(c *gin.Context) {
	pack, err := h.registry.Reload()
	if err != nil {
		fail(c, apperr.Wrap(apperr.CodeRulepackInvalid, err.Error(), err))
		return
	}
	c.JSON(http.StatusOK, pack.Info())
}
