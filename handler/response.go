package handler

import (
	"errors"

	"github.com/AnTengye/contractguard/catalog"
	"github.com/AnTengye/contractguard/middleware"
	"github.com/AnTengye/contractguard/orchestrator"
	"github.com/AnTengye/contractguard/pkg/apperr"
	"github.com/AnTengye/contractguard/pkg/logger"
	"github.com/AnTengye/contractguard/storage"
	"github.com/gin-gonic/gin"
)

// fail renders err as {code, message}. Errors without a code are logged
// and reported as internal, quoting the request id so the log line can be
// found.
func fail(c *gin.Context, err error) {
	e := classify(err)
	if e.Code == apperr.CodeInternal {
		logger.Error(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
		if id := middleware.GetRequestID(c); id != "" {
			e = apperr.New(apperr.CodeInternal, "internal error (request "+id+")")
		}
	}
	c.AbortWithStatusJSON(e.Status, e)
}

func classify(err error) *apperr.Error {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrInvalidID):
		return apperr.NotFound("analysis")
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		return apperr.New(apperr.CodeConflict, err.Error())
	case errors.Is(err, orchestrator.ErrJobFinished):
		return apperr.New(apperr.CodeConflict, "job already finished")
	case errors.Is(err, catalog.ErrBadCursor):
		return apperr.New(apperr.CodeInvalidRequest, "invalid cursor")
	}
	return apperr.From(err)
}
