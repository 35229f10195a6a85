package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/AnTengye/contractguard/catalog"
	"github.com/AnTengye/contractguard/middleware"
	"github.com/AnTengye/contractguard/model"
	"github.com/AnTengye/contractguard/orchestrator"
	"github.com/AnTengye/contractguard/pkg/apperr"
	"github.com/AnTengye/contractguard/storage"
	"github.com/gin-gonic/gin"
)

// Lister pages through a tenant's analyses
type Lister interface {
	List(ctx context.Context, tenant string, limit int, cursor string) (catalog.Page, error)
}

// AnalysisHandler serves analysis and job read views
type AnalysisHandler struct {
	orch    *orchestrator.Orchestrator
	store   *storage.Store
	catalog Lister
}

func NewAnalysisHandler(orch *orchestrator.Orchestrator, store *storage.Store, lister Lister) *AnalysisHandler {
	return &AnalysisHandler{orch: orch, store: store, catalog: lister}
}

// owned loads the analysis named by the :id param and checks it belongs to
// the caller's tenant. Foreign analyses are reported as missing.
func (h *AnalysisHandler) owned(c *gin.Context) (*model.Analysis, bool) {
	a, err := h.orch.Analysis(c.Param("id"))
	if err != nil {
		fail(c, err)
		return nil, false
	}
	if a.Tenant != middleware.GetTenant(c) {
		fail(c, apperr.NotFound("analysis"))
		return nil, false
	}
	return a, true
}

// List returns the tenant's analyses newest first
func (h *AnalysisHandler) List(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			fail(c, apperr.New(apperr.CodeInvalidRequest, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	page, err := h.catalog.List(c.Request.Context(), middleware.GetTenant(c), limit, c.Query("cursor"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Get returns the analysis summary
func (h *AnalysisHandler) Get(c *gin.Context) {
	a, ok := h.owned(c)
	if !ok {
		return
	}
	summary, err := h.orch.Summary(a.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Findings returns the findings array of an analysis
func (h *AnalysisHandler) Findings(c *gin.Context) {
	a, ok := h.owned(c)
	if !ok {
		return
	}
	findings, err := h.orch.Findings(a.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, findings)
}

// Coverage returns coverage.json once reporting ran
func (h *AnalysisHandler) Coverage(c *gin.Context) {
	a, ok := h.owned(c)
	if !ok {
		return
	}
	cov, err := h.store.LoadCoverage(a.ID)
	if err != nil {
		fail(c, notReady(err, "coverage"))
		return
	}
	c.JSON(http.StatusOK, cov)
}

// Extraction returns the extraction artifact without the raw text
func (h *AnalysisHandler) Extraction(c *gin.Context) {
	a, ok := h.owned(c)
	if !ok {
		return
	}
	art, _, err := h.store.LoadExtraction(a.ID)
	if err != nil {
		fail(c, notReady(err, "extraction"))
		return
	}
	c.JSON(http.StatusOK, art)
}

// Report serves report.html
func (h *AnalysisHandler) Report(c *gin.Context) {
	a, ok := h.owned(c)
	if !ok {
		return
	}
	path, err := h.store.ReportPath(a.ID)
	if err != nil {
		fail(c, notReady(err, "report"))
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.File(path)
}

// GetJob returns a job record
func (h *AnalysisHandler) GetJob(c *gin.Context) {
	job, ok := h.ownedJob(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, job)
}

// CancelJob stops a queued or running job
func (h *AnalysisHandler) CancelJob(c *gin.Context) {
	job, ok := h.ownedJob(c, c.Param("id"))
	if !ok {
		return
	}
	job, err := h.orch.Cancel(c.Request.Context(), job.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// FindingsByJob resolves ?job_id= to its analysis findings
func (h *AnalysisHandler) FindingsByJob(c *gin.Context) {
	id := c.Query("job_id")
	if id == "" {
		fail(c, apperr.New(apperr.CodeInvalidRequest, "job_id is required"))
		return
	}
	job, ok := h.ownedJob(c, id)
	if !ok {
		return
	}
	findings, err := h.orch.Findings(job.AnalysisID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, findings)
}

func (h *AnalysisHandler) ownedJob(c *gin.Context, id string) (*model.JobRecord, bool) {
	job := h.orch.Jobs().Get(id)
	if job == nil || job.Tenant != middleware.GetTenant(c) {
		fail(c, apperr.NotFound("job"))
		return nil, false
	}
	return job, true
}

func notReady(err error, kind string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound(kind)
	}
	return err
}
