package service

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/AnTengye/contractguard/config"
	"github.com/AnTengye/contractguard/extract"
	"github.com/AnTengye/contractguard/pkg/retry"
)

// MinerU task states
const (
	MineruStateDone   = "done"
	MineruStateFailed = "failed"
)

type MineruService struct {
	config     *config.MineruConfig
	httpClient *http.Client
	retry      retry.Policy
}

// MineruTaskRequest represents the request to create an extraction task
type MineruTaskRequest struct {
	URL          string `json:"url"`
	ModelVersion string `json:"model_version"`
	IsOCR        bool   `json:"is_ocr,omitempty"`
	Language     string `json:"language,omitempty"`
	PageRanges   string `json:"page_ranges,omitempty"`
	DataID       string `json:"data_id,omitempty"`
}

// MineruTaskResponse represents the response from task creation
type MineruTaskResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	Data    struct {
		TaskID string `json:"task_id"`
	} `json:"data"`
}

// MineruTaskStatusResponse represents the task status query response
type MineruTaskStatusResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	TraceID string `json:"trace_id"`
	Data    struct {
		TaskID          string `json:"task_id"`
		DataID          string `json:"data_id"`
		State           string `json:"state"` // pending, running, done, failed, converting
		FullZipURL      string `json:"full_zip_url,omitempty"`
		ErrorMsg        string `json:"err_msg,omitempty"`
		ExtractProgress struct {
			ExtractedPages int `json:"extracted_pages"`
			TotalPages     int `json:"total_pages"`
		} `json:"extract_progress,omitempty"`
	} `json:"data"`
}

// ContentBlock is one entry of the content_list.json result
type ContentBlock struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	PageIdx int    `json:"page_idx"`
}

func NewMineruService(cfg *config.MineruConfig) *MineruService {
	return &MineruService{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		retry: retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, Deadline: 2 * time.Minute},
	}
}

// apiError marks a well-formed error reply; it is not retried
type apiError struct{ msg string }

func (e apiError) Error() string { return "MinerU API error: " + e.msg }

func (s *MineruService) call(ctx context.Context, method, url string, body any, out any) error {
	return retry.Do(ctx, s.retry, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return retry.Permanent(fmt.Errorf("failed to marshal request: %w", err))
			}
			reader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+s.config.APIToken)
		req.Header.Set("Accept", "*/*")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("MinerU returned %d", resp.StatusCode)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return retry.Permanent(fmt.Errorf("failed to parse response: %w, body: %s", err, string(data)))
		}
		return nil
	})
}

// CreateTask creates a new extraction task
func (s *MineruService) CreateTask(ctx context.Context, req MineruTaskRequest) (*MineruTaskResponse, error) {
	if req.ModelVersion == "" {
		req.ModelVersion = s.config.ModelVersion
	}
	var result MineruTaskResponse
	if err := s.call(ctx, http.MethodPost, s.config.APIURL+"/extract/task", req, &result); err != nil {
		return nil, err
	}
	if result.Code != 0 {
		return nil, apiError{msg: result.Message}
	}
	return &result, nil
}

// GetTaskStatus queries the status of a task
func (s *MineruService) GetTaskStatus(ctx context.Context, taskID string) (*MineruTaskStatusResponse, error) {
	var result MineruTaskStatusResponse
	if err := s.call(ctx, http.MethodGet, fmt.Sprintf("%s/extract/task/%s", s.config.APIURL, taskID), nil, &result); err != nil {
		return nil, err
	}
	slog.Debug("mineru task status", "task_id", taskID, "state", result.Data.State, "trace_id", result.TraceID)
	if result.Code != 0 {
		return nil, apiError{msg: result.Message}
	}
	return &result, nil
}

// WaitForTask polls until the task is done or failed, or ctx ends
func (s *MineruService) WaitForTask(ctx context.Context, taskID string) (*MineruTaskStatusResponse, error) {
	interval := time.Duration(s.config.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 3 * time.Second
	}
	for {
		status, err := s.GetTaskStatus(ctx, taskID)
		if err != nil {
			return nil, err
		}
		switch status.Data.State {
		case MineruStateDone:
			return status, nil
		case MineruStateFailed:
			return nil, fmt.Errorf("MinerU task %s failed: %s", taskID, status.Data.ErrorMsg)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// FetchContentList downloads the result ZIP and decodes its content_list.json
func (s *MineruService) FetchContentList(ctx context.Context, zipURL string) ([]ContentBlock, error) {
	var zipData []byte
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, zipURL, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to download ZIP: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("download ZIP: status %d", resp.StatusCode)
		}
		zipData, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("mineru result downloaded", "bytes", len(zipData))

	zipReader, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return nil, fmt.Errorf("failed to open ZIP: %w", err)
	}

	for _, file := range zipReader.File {
		if !strings.HasSuffix(file.Name, "content_list.json") {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", file.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file.Name, err)
		}
		var blocks []ContentBlock
		if err := json.Unmarshal(content, &blocks); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", file.Name, err)
		}
		return blocks, nil
	}
	return nil, errors.New("no content_list.json found in ZIP")
}

// PageTexts groups content blocks by 1-based page number
func PageTexts(blocks []ContentBlock) map[int]string {
	parts := make(map[int][]string)
	for _, b := range blocks {
		text := strings.TrimSpace(b.Text)
		if text == "" {
			continue
		}
		parts[b.PageIdx+1] = append(parts[b.PageIdx+1], text)
	}
	out := make(map[int]string, len(parts))
	for page, texts := range parts {
		out[page] = strings.Join(texts, "\n")
	}
	return out
}

// FilePublisher makes a local file reachable over HTTP
type FilePublisher interface {
	PublishFile(ctx context.Context, localPath string) (string, error)
}

// MineruOCR is an extraction OCR backend using the MinerU task API.
// Sources are published through MinIO so the service can fetch them.
type MineruOCR struct {
	api       *MineruService
	publisher FilePublisher
	timeout   time.Duration
}

// NewMineruOCR creates the backend. publisher may be nil, in which case
// recognition reports the backend as unavailable.
func NewMineruOCR(api *MineruService, publisher FilePublisher) *MineruOCR {
	return &MineruOCR{
		api:       api,
		publisher: publisher,
		timeout:   time.Duration(api.config.TimeoutSec) * time.Second,
	}
}

func (m *MineruOCR) Name() string { return "mineru" }

// Recognize returns page number → text for the requested pages
func (m *MineruOCR) Recognize(ctx context.Context, sourcePath string, pages []int, dpi int, language string) (map[int]string, error) {
	if m.publisher == nil || m.api.config.APIURL == "" {
		return nil, fmt.Errorf("%w: mineru requires api_url and object storage", extract.ErrOCRUnavailable)
	}
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	url, err := m.publisher.PublishFile(ctx, sourcePath)
	if err != nil {
		return nil, fmt.Errorf("publish source: %w", err)
	}
	task, err := m.api.CreateTask(ctx, MineruTaskRequest{
		URL:        url,
		IsOCR:      true,
		Language:   mineruLanguage(language),
		PageRanges: pageRanges(pages),
	})
	if err != nil {
		return nil, err
	}
	slog.Info("mineru ocr task created", "task_id", task.Data.TaskID, "pages", len(pages))

	status, err := m.api.WaitForTask(ctx, task.Data.TaskID)
	if err != nil {
		return nil, err
	}
	blocks, err := m.api.FetchContentList(ctx, status.Data.FullZipURL)
	if err != nil {
		return nil, err
	}

	all := PageTexts(blocks)
	out := make(map[int]string, len(pages))
	for _, p := range pages {
		if text, ok := all[p]; ok {
			out[p] = text
		}
	}
	return out, nil
}

// mineruLanguage maps tesseract language codes onto MinerU ones
func mineruLanguage(lang string) string {
	switch lang {
	case "", "eng":
		return "en"
	case "deu":
		return "german"
	case "fra":
		return "french"
	}
	return lang
}

// pageRanges renders pages as "1,3-5"
func pageRanges(pages []int) string {
	if len(pages) == 0 {
		return ""
	}
	sorted := append([]int(nil), pages...)
	sort.Ints(sorted)

	var parts []string
	start, prev := sorted[0], sorted[0]
	flush := func() {
		if start == prev {
			parts = append(parts, fmt.Sprint(start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, prev))
		}
	}
	for _, p := range sorted[1:] {
		if p == prev {
			continue
		}
		if p == prev+1 {
			prev = p
			continue
		}
		flush()
		start, prev = p, p
	}
	flush()
	return strings.Join(parts, ",")
}
