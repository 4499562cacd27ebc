package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/LP75/authenticite-image/internal/config"
	"github.com/LP75/authenticite-image/internal/upload"
	"github.com/LP75/authenticite-image/internal/usecase"
)

var pngPayload = append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}, bytes.Repeat([]byte{3}, 128)...)

// helperConfig points both scripts at this test binary, which answers as
// TestHelperProcess.
func helperConfig(t *testing.T) config.Config {
	t.Helper()
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")

	cfg := config.Default()
	cfg.Interpreter = os.Args[0]
	cfg.LocalizeScript = "-test.run=TestHelperProcess"
	cfg.AuthenticityScript = "-test.run=TestHelperProcess"
	cfg.ReferenceData = "output_features_30K.pkl"
	cfg.UploadDir = t.TempDir()
	cfg.PublicDir = ""
	return cfg
}

func newHelperRouter(t *testing.T, cfg config.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	store, err := upload.NewStore(cfg.UploadDir, cfg.MaxUploadSize, upload.WithRequireImage(cfg.RequireImageMIME))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	uc := usecase.NewAnalysisUseCase(newScriptClient(cfg, newRunner(cfg, logger)), nil, logger, usecase.Options{Parallel: cfg.AnalyzeParallel})
	return newRouter(cfg, uc, store, logger)
}

func postPNG(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("image", "eiffel.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write(pngPayload)
	_ = writer.Close()

	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestLocalizeEndToEnd(t *testing.T) {
	cfg := helperConfig(t)
	resp := postPNG(t, newHelperRouter(t, cfg), "/localize")

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if resp.Body.String() != `{"lat":48.85,"lon":2.29}` {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
	assertEmptyDir(t, cfg.UploadDir)
}

func TestAnalyzeEndToEnd(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		t.Run(fmt.Sprintf("parallel=%t", parallel), func(t *testing.T) {
			cfg := helperConfig(t)
			cfg.AnalyzeParallel = parallel
			resp := postPNG(t, newHelperRouter(t, cfg), "/analyze")

			if resp.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
			}
			want := `{"localization":{"lat":48.85,"lon":2.29},"authenticity":{"score":0.87}}`
			if resp.Body.String() != want {
				t.Fatalf("unexpected body: %s", resp.Body.String())
			}
			assertEmptyDir(t, cfg.UploadDir)
		})
	}
}

func TestAnalyzeEndToEndFailure(t *testing.T) {
	cfg := helperConfig(t)
	t.Setenv("HELPER_AUTHENTICITY_FAIL", "1")
	resp := postPNG(t, newHelperRouter(t, cfg), "/analyze")

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", resp.Code, resp.Body.String())
	}
	if !strings.Contains(resp.Body.String(), "Traceback") {
		t.Fatalf("expected traceback in error body, got %s", resp.Body.String())
	}
	if strings.Contains(resp.Body.String(), "48.85") {
		t.Fatalf("unexpected partial result: %s", resp.Body.String())
	}
	assertEmptyDir(t, cfg.UploadDir)
}

func TestServerGracefulShutdown(t *testing.T) {
	logger := zap.NewNop()

	requestStarted := make(chan struct{})
	releaseRequest := make(chan struct{})
	var released bool
	defer func() {
		if !released {
			close(releaseRequest)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/analyze", func(w http.ResponseWriter, r *http.Request) {
		close(requestStarted)
		<-releaseRequest
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- serveHTTP(ctx, server, listener, 2*time.Second, logger)
	}()

	addr := listener.Addr().String()
	client := &http.Client{Timeout: 2 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := client.Get("http://" + addr + "/analyze")
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-requestStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("request did not start in time")
	}

	cancel()
	time.Sleep(50 * time.Millisecond)
	released = true
	close(releaseRequest)

	select {
	case resp := <-respCh:
		t.Cleanup(func() { resp.Body.Close() })
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(body))
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func TestInvokeCommandPrintsJSON(t *testing.T) {
	helperConfig(t)
	t.Setenv("PYTHON_BIN", os.Args[0])
	t.Setenv("AUTHENTICITY_SCRIPT", "-test.run=TestHelperProcess")
	t.Setenv("CONFIG_FILE", "")

	image := t.TempDir() + "/image.png"
	if err := os.WriteFile(image, pngPayload, 0o600); err != nil {
		t.Fatalf("write image: %v", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"invoke", "authenticity", image})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("invoke failed: %v (stderr %s)", err, stderr.String())
	}
	if !strings.Contains(stdout.String(), `"score": 0.87`) {
		t.Fatalf("unexpected output: %s", stdout.String())
	}
}

func TestInvokeCommandRejectsUnknownAnalysis(t *testing.T) {
	image := t.TempDir() + "/image.png"
	if err := os.WriteFile(image, pngPayload, 0o600); err != nil {
		t.Fatalf("write image: %v", err)
	}
	t.Setenv("CONFIG_FILE", "")

	var stderr bytes.Buffer
	cmd := newRootCommand()
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"invoke", "colorize", image})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for unknown analysis")
	}
	if !strings.Contains(stderr.String(), "unknown analysis") {
		t.Fatalf("expected error on stderr, got %q", stderr.String())
	}
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	var args []string
	for i, arg := range os.Args {
		if strings.HasPrefix(arg, "-test.run=") {
			args = os.Args[i+1:]
			break
		}
	}

	switch len(args) {
	case 2:
		if _, err := os.Stat(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Traceback (most recent call last):\nFileNotFoundError: %s\n", args[0])
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, "oneDNN custom operations are on. You may see slightly different numerical results.")
		fmt.Println(`{"lat": 48.85, "lon": 2.29}`)
		os.Exit(0)
	case 1:
		if os.Getenv("HELPER_AUTHENTICITY_FAIL") == "1" {
			fmt.Fprintln(os.Stderr, "Traceback (most recent call last):\nValueError: cannot score image")
			os.Exit(1)
		}
		fmt.Println(`{"score": 0.87}`)
		os.Exit(0)
	default:
		os.Exit(2)
	}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected %s to be empty, found %d entries", dir, len(entries))
	}
}
