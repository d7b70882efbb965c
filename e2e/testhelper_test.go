package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/beatgen/api/internal/handler"
	"github.com/beatgen/api/internal/jobstore"
	"github.com/beatgen/api/internal/logging"
	"github.com/beatgen/api/internal/queue"
	"github.com/beatgen/api/internal/server"
	"github.com/beatgen/api/internal/service"
	"github.com/beatgen/api/internal/storage"
	"github.com/beatgen/api/internal/worker"
)

// stubRenderer stands in for FluidSynth. It writes a tiny RIFF header, or
// fails when err is set.
type stubRenderer struct {
	err error
}

func (r *stubRenderer) Render(ctx context.Context, midiPath, wavPath string) error {
	if r.err != nil {
		return r.err
	}
	if _, err := os.Stat(midiPath); err != nil {
		return err
	}
	return os.WriteFile(wavPath, []byte("RIFF\x00\x00\x00\x00WAVE"), 0o644)
}

// testApp holds all components needed for testing
type testApp struct {
	app   *fiber.App
	files *storage.Files
}

// setupApp builds the same app the serve command does, backed by the memory
// queue, a temporary SQLite job store and an embedded worker pool.
func setupApp(t *testing.T, renderErr error) *testApp {
	t.Helper()
	dir := t.TempDir()
	logger := logging.Nop()

	files, err := storage.NewFiles(filepath.Join(dir, "exports"))
	if err != nil {
		t.Fatalf("NewFiles: %v", err)
	}
	presetStore, err := storage.NewPresetStore(filepath.Join(dir, "presets"))
	if err != nil {
		t.Fatalf("NewPresetStore: %v", err)
	}
	jobs, err := jobstore.OpenSQLite(filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	broker := queue.NewMemoryBroker(queue.Options{PollInterval: 20 * time.Millisecond})

	validate := service.NewValidator()
	exports := service.NewExportService(files, presetStore, broker, jobs, validate, logger)
	resolver := service.NewStatusResolver(jobs, broker, files, "/exports", logger)
	presets := service.NewPresetService(presetStore, validate)

	pool := worker.NewPool(worker.Options{
		Broker:     broker,
		Files:      files,
		Jobs:       jobs,
		Renderer:   &stubRenderer{err: renderErr},
		PublicPath: "/exports",
		Backoff:    10 * time.Millisecond,
		Logger:     logger,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		broker.Close()
		jobs.Close()
	})

	app := server.NewApp(server.AppOptions{
		Exports:    exports,
		Resolver:   resolver,
		Presets:    presets,
		Files:      files,
		PublicPath: "/exports",
		Health: map[string]handler.Pinger{
			"jobs": jobs,
		},
		Logger: logger,
	})

	return &testApp{app: app, files: files}
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// submit posts an export and returns the job id.
func submit(t *testing.T, ta *testApp, body string) string {
	t.Helper()
	resp, err := doRequest(ta.app, http.MethodPost, "/export", body, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	result := parseJSON(t, resp)
	id, _ := result["id"].(string)
	if id == "" {
		t.Fatalf("expected 'id' in response, got %v", result)
	}
	return id
}

var errPollTimeout = errors.New("job did not settle")

// waitForJob polls GET /jobs/:id until the job is completed or failed.
func waitForJob(t *testing.T, ta *testApp, id string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := doRequest(ta.app, http.MethodGet, "/jobs/"+id, "", nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		assertStatus(t, resp, http.StatusOK)
		result := parseJSON(t, resp)
		switch result["status"] {
		case "completed", "failed":
			return result
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("%v: %s", errPollTimeout, id)
	return nil
}
