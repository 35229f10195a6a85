package service

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AnTengye/contractguard/config"
	"github.com/AnTengye/contractguard/extract"
	"github.com/AnTengye/contractguard/pkg/retry"
)

func testMineru(url string) *MineruService {
	svc := NewMineruService(&config.MineruConfig{
		APIURL:          url,
		APIToken:        "test-token",
		ModelVersion:    "vlm",
		PollIntervalSec: 1,
		TimeoutSec:      10,
	})
	svc.retry = retry.Policy{Attempts: 2, BaseDelay: time.Millisecond}
	return svc
}

func resultZip(t *testing.T, blocks []ContentBlock) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("result/doc_content_list.json")
	if err != nil {
		t.Fatal(err)
	}
	if err := json.NewEncoder(w).Encode(blocks); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestNewMineruService(t *testing.T) {
	cfg := &config.MineruConfig{APIURL: "https://api.mineru.test", APIToken: "test-token", ModelVersion: "vlm"}

	svc := NewMineruService(cfg)
	if svc == nil {
		t.Fatal("Expected non-nil service")
	}
	if svc.config != cfg {
		t.Error("Expected config to be set")
	}
	if svc.httpClient == nil {
		t.Error("Expected httpClient to be set")
	}
}

func TestMineruServiceCreateTask(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/extract/task" {
			t.Errorf("Expected /extract/task, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Error("Expected Authorization header")
		}
		var req MineruTaskRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ModelVersion != "vlm" || !req.IsOCR || req.PageRanges != "2-3" {
			t.Errorf("Unexpected request body: %+v", req)
		}

		response := MineruTaskResponse{Code: 0, Message: "success"}
		response.Data.TaskID = "task-123"
		json.NewEncoder(w).Encode(response)
	}))
	defer server.Close()

	resp, err := testMineru(server.URL).CreateTask(context.Background(), MineruTaskRequest{
		URL:        "http://example.com/test.pdf",
		IsOCR:      true,
		PageRanges: "2-3",
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resp.Data.TaskID != "task-123" {
		t.Errorf("Expected task ID 'task-123', got '%s'", resp.Data.TaskID)
	}
}

func TestMineruServiceCreateTaskAPIError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(MineruTaskResponse{Code: 1, Message: "API error"})
	}))
	defer server.Close()

	_, err := testMineru(server.URL).CreateTask(context.Background(), MineruTaskRequest{URL: "http://example.com/test.pdf"})
	if err == nil || !strings.Contains(err.Error(), "API error") {
		t.Fatalf("Expected API error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected API errors not to be retried, got %d calls", calls.Load())
	}
}

func TestMineruServiceRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		resp := MineruTaskStatusResponse{}
		resp.Data.State = "running"
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	status, err := testMineru(server.URL).GetTaskStatus(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if status.Data.State != "running" {
		t.Errorf("Expected running, got %s", status.Data.State)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected one retry, got %d calls", calls.Load())
	}
}

func TestMineruServiceWaitForTaskFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := MineruTaskStatusResponse{}
		resp.Data.State = MineruStateFailed
		resp.Data.ErrorMsg = "file too blurry"
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	_, err := testMineru(server.URL).WaitForTask(context.Background(), "task-1")
	if err == nil || !strings.Contains(err.Error(), "file too blurry") {
		t.Fatalf("Expected task failure, got %v", err)
	}
}

func TestMineruServiceFetchContentListMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		w2, _ := zw.Create("other.md")
		w2.Write([]byte("# nothing"))
		zw.Close()
		w.Write(buf.Bytes())
	}))
	defer server.Close()

	_, err := testMineru(server.URL).FetchContentList(context.Background(), server.URL+"/result.zip")
	if err == nil {
		t.Fatal("Expected error when content_list.json is absent")
	}
}

func TestPageTexts(t *testing.T) {
	got := PageTexts([]ContentBlock{
		{Type: "text", Text: "Heading", PageIdx: 0},
		{Type: "text", Text: "  body  ", PageIdx: 0},
		{Type: "image", PageIdx: 1},
		{Type: "text", Text: "Second page", PageIdx: 2},
	})
	if got[1] != "Heading\nbody" {
		t.Errorf("Unexpected page 1 text %q", got[1])
	}
	if _, ok := got[2]; ok {
		t.Error("Expected no entry for a page without text")
	}
	if got[3] != "Second page" {
		t.Errorf("Unexpected page 3 text %q", got[3])
	}
}

func TestPageRanges(t *testing.T) {
	tests := []struct {
		pages    []int
		expected string
	}{
		{nil, ""},
		{[]int{4}, "4"},
		{[]int{3, 1, 2}, "1-3"},
		{[]int{1, 3, 4, 5, 9, 9}, "1,3-5,9"},
	}
	for _, tt := range tests {
		if got := pageRanges(tt.pages); got != tt.expected {
			t.Errorf("pageRanges(%v) = %q, want %q", tt.pages, got, tt.expected)
		}
	}
}

type staticPublisher struct {
	url string
	err error
}

func (p staticPublisher) PublishFile(context.Context, string) (string, error) { return p.url, p.err }

func TestMineruOCRRecognize(t *testing.T) {
	var server *httptest.Server
	var polls atomic.Int32
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/extract/task":
			var req MineruTaskRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.URL != "https://files.test/source.pdf" || req.Language != "en" {
				t.Errorf("Unexpected task request %+v", req)
			}
			resp := MineruTaskResponse{}
			resp.Data.TaskID = "task-9"
			json.NewEncoder(w).Encode(resp)
		case r.URL.Path == "/extract/task/task-9":
			resp := MineruTaskStatusResponse{}
			resp.Data.State = "running"
			if polls.Add(1) > 1 {
				resp.Data.State = MineruStateDone
				resp.Data.FullZipURL = server.URL + "/result.zip"
			}
			json.NewEncoder(w).Encode(resp)
		case r.URL.Path == "/result.zip":
			w.Write(resultZip(t, []ContentBlock{
				{Type: "text", Text: "Scanned clause one.", PageIdx: 1},
				{Type: "text", Text: "Not requested.", PageIdx: 2},
			}))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	ocr := NewMineruOCR(testMineru(server.URL), staticPublisher{url: "https://files.test/source.pdf"})
	if ocr.Name() != "mineru" {
		t.Errorf("Unexpected name %s", ocr.Name())
	}

	out, err := ocr.Recognize(context.Background(), "/data/a/source.pdf", []int{2}, 300, "eng")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(out) != 1 || out[2] != "Scanned clause one." {
		t.Errorf("Unexpected OCR output %v", out)
	}
}

func TestMineruOCRUnavailableWithoutPublisher(t *testing.T) {
	ocr := NewMineruOCR(testMineru("https://api.mineru.test"), nil)
	_, err := ocr.Recognize(context.Background(), "/data/a/source.pdf", []int{1}, 300, "eng")
	if !errors.Is(err, extract.ErrOCRUnavailable) {
		t.Fatalf("Expected ErrOCRUnavailable, got %v", err)
	}
}
