package handler

import (
	"errors"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/AnTengye/contractguard/middleware"
	"github.com/AnTengye/contractguard/model"
	"github.com/AnTengye/contractguard/orchestrator"
	"github.com/AnTengye/contractguard/pkg/apperr"
	"github.com/AnTengye/contractguard/pkg/logger"
	"github.com/gin-gonic/gin"
)

// Accepted upload media types
const (
	MimePDF  = "application/pdf"
	MimeDOC  = "application/msword"
	MimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

var mimeByExt = map[string]string{
	".pdf":  MimePDF,
	".doc":  MimeDOC,
	".docx": MimeDOCX,
}

// multipartOverhead leaves room for boundaries and headers around the file
const multipartOverhead = 1 << 20

type ContractHandler struct {
	orch     *orchestrator.Orchestrator
	maxBytes int64
}

func NewContractHandler(orch *orchestrator.Orchestrator, maxBytes int64) *ContractHandler {
	return &ContractHandler{orch: orch, maxBytes: maxBytes}
}

// Upload stores a contract and queues its analysis
func (h *ContractHandler) Upload(c *gin.Context) {
	tenant := middleware.GetTenant(c)
	ctx := c.Request.Context()

	if h.maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+multipartOverhead)
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(c, apperr.New(apperr.CodeFileTooLarge, "file exceeds upload limit"))
			return
		}
		fail(c, apperr.New(apperr.CodeInvalidUpload, "no file provided"))
		return
	}
	defer file.Close()

	if header.Size == 0 {
		fail(c, apperr.New(apperr.CodeInvalidUpload, "file is empty"))
		return
	}
	if h.maxBytes > 0 && header.Size > h.maxBytes {
		fail(c, apperr.New(apperr.CodeFileTooLarge, "file exceeds upload limit"))
		return
	}

	contentType, ok := detectMime(header.Filename, header.Header.Get("Content-Type"))
	if !ok {
		fail(c, apperr.New(apperr.CodeUnsupportedFileType, "only PDF, DOC and DOCX files are allowed"))
		return
	}

	filename := filepath.Base(header.Filename)
	job, a, err := h.orch.Intake(ctx, tenant, filename, contentType, file)
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.orch.Enqueue(ctx, a.ID); err != nil {
		fail(c, err)
		return
	}

	logger.Info(logger.WithAnalysis(ctx, a.ID), "contract uploaded", "job_id", job.ID, "mime", contentType)
	c.JSON(http.StatusCreated, gin.H{
		"job_id":      job.ID,
		"analysis_id": a.ID,
		"status":      model.StateQueued,
	})
}

// detectMime resolves the media type from the part header, falling back to
// the file extension for generic types
func detectMime(filename, header string) (string, bool) {
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "application/octet-stream" {
			switch mt {
			case MimePDF, MimeDOC, MimeDOCX:
				return mt, true
			}
			return mt, false
		}
	}
	mt, ok := mimeByExt[strings.ToLower(filepath.Ext(filename))]
	return mt, ok
}
