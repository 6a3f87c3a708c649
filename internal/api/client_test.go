package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/kggtools/kgg-cli/internal/logging"
)

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(Options{
		BaseURL:   baseURL,
		ProxyMode: "no-proxy",
		Logger:    logging.NewLogger(io.Discard),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestGetConfig(t *testing.T) {
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.URL.Path != "/api/config" || r.Method != nethttp.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
            "missingTools": ["ffmpeg"],
            "limits": {"maxFileCount": 200, "maxFileSizeMB": 40},
            "supportedFormats": [".kgg", ".ncm"],
            "db": {"found": true, "path": "C:\\kg\\KGMusicV3.db", "source": "appdata"}
        }`))
	}))
	defer srv.Close()

	cfg, err := testClient(t, srv.URL).GetConfig(context.Background())
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if cfg.Limits.MaxFileCount != 200 || cfg.Limits.MaxFileSizeMB != 40 {
		t.Errorf("limits = %+v", cfg.Limits)
	}
	if len(cfg.MissingTools) != 1 || cfg.MissingTools[0] != "ffmpeg" {
		t.Errorf("missing tools = %v", cfg.MissingTools)
	}
	if !cfg.DB.Found || cfg.DB.Source != "appdata" {
		t.Errorf("db = %+v", cfg.DB)
	}
}

func TestValidateDBPathSendsBody(t *testing.T) {
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"dbPath":"/keys/KGMusicV3.db"}` {
			t.Errorf("body = %s", body)
		}
		_, _ = w.Write([]byte(`{"valid": true, "path": "/keys/KGMusicV3.db"}`))
	}))
	defer srv.Close()

	result, err := testClient(t, srv.URL).ValidateDBPath(context.Background(), "/keys/KGMusicV3.db")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !result.Valid {
		t.Error("expected valid result")
	}
}

func TestErrorDecodingFallbacks(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantMsg  string
		wantCode string
	}{
		{"structured", 400, `{"code":"ERR_LIMIT","userMessage":"too many files","suggestion":"split the batch"}`,
			"too many files", "ERR_LIMIT"},
		{"legacy error field", 400, `{"error":"bad request"}`, "bad request", ""},
		{"legacy message field", 404, `{"message":"not found"}`, "not found", ""},
		{"non-JSON body", 502, `<html>bad gateway</html>`, "backend returned HTTP 502", ""},
		{"empty body", 500, ``, "backend returned HTTP 500", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			apiErr := decodeError(tc.status, []byte(tc.body))
			if apiErr.UserMessage != tc.wantMsg {
				t.Errorf("message = %q, want %q", apiErr.UserMessage, tc.wantMsg)
			}
			if apiErr.Code != tc.wantCode {
				t.Errorf("code = %q, want %q", apiErr.Code, tc.wantCode)
			}
			if apiErr.HTTPStatus != tc.status {
				t.Errorf("status = %d, want %d", apiErr.HTTPStatus, tc.status)
			}
		})
	}
}

func TestDoJSONNonSuccessReturnsError(t *testing.T) {
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.WriteHeader(nethttp.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"ERR_PATH","userMessage":"path outside allowed roots"}`))
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).ScanFolders(context.Background(), ScanRequest{Paths: []string{"/x"}})
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if apiErr.Code != "ERR_PATH" || apiErr.HTTPStatus != 400 {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestConvertStreamMultipartBody(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "song.kgg")
	content := []byte("encrypted-bytes")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("outputDir"); got != "/out" {
			t.Errorf("outputDir = %q", got)
		}
		if got := r.FormValue("outputFormat"); got != "mp3" {
			t.Errorf("outputFormat = %q", got)
		}
		if got := r.FormValue("mp3Quality"); got != "320k" {
			t.Errorf("mp3Quality = %q", got)
		}
		if got := r.FormValue("concurrency"); got != "2" {
			t.Errorf("concurrency = %q", got)
		}
		if got := r.FormValue("dbPath"); got != "/keys/KGMusicV3.db" {
			t.Errorf("dbPath = %q", got)
		}
		if got := r.FormValue("inputPaths"); got != `["/music/other.ncm"]` {
			t.Errorf("inputPaths = %q", got)
		}

		files := r.MultipartForm.File["kggFiles"]
		if len(files) != 1 || files[0].Filename != "song.kgg" {
			t.Fatalf("kggFiles = %+v", files)
		}
		f, err := files[0].Open()
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		uploaded, _ := io.ReadAll(f)
		if !bytes.Equal(uploaded, content) {
			t.Errorf("uploaded %q, want %q", uploaded, content)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: complete\ndata: {\"total\":2,\"success\":2}\n\n"))
	}))
	defer srv.Close()

	var spool bytes.Buffer
	body, err := testClient(t, srv.URL).ConvertStream(context.Background(), StreamRequest{
		OutputDir:     "/out",
		OutputFormat:  "mp3",
		MP3Quality:    "320k",
		Concurrency:   2,
		DBPath:        "/keys/KGMusicV3.db",
		Uploads:       []Upload{{Name: "song.kgg", Size: int64(len(content)), Path: path}},
		InputPaths:    []string{"/music/other.ncm"},
		SpoolProgress: &spool,
	})
	if err != nil {
		t.Fatalf("convert stream: %v", err)
	}
	defer body.Close()

	streamed, _ := io.ReadAll(body)
	if !bytes.Contains(streamed, []byte("complete")) {
		t.Errorf("stream = %s", streamed)
	}
	if !bytes.Equal(spool.Bytes(), content) {
		t.Errorf("spool observed %q, want the uploaded bytes", spool.Bytes())
	}
}

func TestConvertStreamRejectsWrongContentType(t *testing.T) {
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"ERR_BUSY","userMessage":"another run is active"}`))
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).ConvertStream(context.Background(), StreamRequest{
		OutputDir: "/out", OutputFormat: "flac", Concurrency: 1,
		InputPaths: []string{"/music/a.ncm"},
	})
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if apiErr.Code != "ERR_BUSY" {
		t.Errorf("code = %q", apiErr.Code)
	}
}

func TestConvertStreamRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.WriteHeader(nethttp.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL).ConvertStream(context.Background(), StreamRequest{
		OutputDir: "/out", OutputFormat: "flac", Concurrency: 1,
	})
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if apiErr.HTTPStatus != nethttp.StatusTooManyRequests {
		t.Errorf("status = %d", apiErr.HTTPStatus)
	}
}
