package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dispatch/internal/app"
	"github.com/ternarybob/dispatch/internal/common"
	"github.com/ternarybob/dispatch/internal/interfaces"
	"github.com/ternarybob/dispatch/internal/models"
)

type echoGenerator struct{}

func (echoGenerator) Generate(ctx context.Context, req *interfaces.GenerateRequest) (*interfaces.GenerateResponse, error) {
	return &interfaces.GenerateResponse{Text: strings.ToUpper(req.Prompt), InputTokens: 5, OutputTokens: 7}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *app.App) {
	t.Helper()

	cfg := common.NewDefaultConfig()
	cfg.Storage.Badger.Path = filepath.Join(t.TempDir(), "db")
	cfg.Tasks.CleanupSchedule = ""
	cfg.Models = []models.ModelConfig{
		{ID: "flash", ProviderModelID: "gemini-2.5-flash", Priority: 1, RPM: 10, TPM: 100_000, RPD: 100, Enabled: true},
		{ID: "lite", ProviderModelID: "gemini-2.5-flash-lite", Priority: 2, RPM: 10, TPM: 100_000, RPD: 100, Enabled: true},
	}

	application, err := app.New(cfg, arbor.NewLogger(), echoGenerator{})
	require.NoError(t, err)

	ts := httptest.NewServer(New(application).Handler())
	t.Cleanup(func() {
		_ = application.Close()
		ts.Close()
	})
	return ts, application
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestRoutesBatchToCompletion(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := do(t, "POST", ts.URL+"/api/batches", `{"resource_id":"ep-1","items":[{"prompt":"a"},{"prompt":"b"}]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	taskID, _ := body["task_id"].(string)
	require.NotEmpty(t, taskID)

	require.Eventually(t, func() bool {
		_, task := do(t, "GET", ts.URL+"/api/tasks/"+taskID, "")
		return task["status"] == string(models.TaskStatusCompleted)
	}, 5*time.Second, 20*time.Millisecond)

	resp, body = do(t, "POST", ts.URL+"/api/tasks/"+taskID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "completed tasks cannot be cancelled")

	resp, body = do(t, "GET", ts.URL+"/api/tasks/active", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["count"])

	resp, body = do(t, "GET", ts.URL+"/api/tasks?resource_id=ep-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])

	resp, body = do(t, "GET", ts.URL+"/api/calls", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["total"])

	resp, body = do(t, "GET", ts.URL+"/api/calls/totals?by=model", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	totals, _ := body["totals"].([]interface{})
	require.Len(t, totals, 1)
	row := totals[0].(map[string]interface{})
	assert.Equal(t, "flash", row["key"])
	assert.EqualValues(t, 2, row["succeeded"])

	resp, body = do(t, "GET", ts.URL+"/api/usage/models", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rows, _ := body["models"].([]interface{})
	require.Len(t, rows, 2)
	flash := rows[0].(map[string]interface{})
	assert.Equal(t, "flash", flash["id"])
	assert.EqualValues(t, 2, flash["requests_today"])
	assert.EqualValues(t, 24, flash["tokens_this_minute"])

	resp, _ = do(t, "POST", ts.URL+"/api/usage/models/flash/reset", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, "DELETE", ts.URL+"/api/tasks/"+taskID, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRoutesMethodsAndUnknownPaths(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		method string
		path   string
		code   int
	}{
		{"GET", "/api/health", http.StatusOK},
		{"GET", "/api/version", http.StatusOK},
		{"GET", "/api/nothing-here", http.StatusNotFound},
		{"PUT", "/api/tasks/task_x", http.StatusMethodNotAllowed},
		{"GET", "/api/tasks/task_x/cancel", http.StatusMethodNotAllowed},
		{"GET", "/api/tasks/task_x/extra/deep", http.StatusNotFound},
		{"GET", "/api/tasks/task_missing", http.StatusNotFound},
		{"DELETE", "/api/tasks/terminal?older_than=1h", http.StatusOK},
		{"GET", "/api/batches", http.StatusMethodNotAllowed},
		{"GET", "/api/calls/call_missing", http.StatusNotFound},
		{"POST", "/api/usage/models/missing/reset", http.StatusNotFound},
		{"GET", "/api/usage/models/flash", http.StatusNotFound},
		{"GET", "/api/calls/call_x/extra", http.StatusNotFound},
		{"OPTIONS", "/api/tasks", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			resp, _ := do(t, tt.method, ts.URL+tt.path, "")
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}
}

func TestRoutesTaskWebSocket(t *testing.T) {
	ts, application := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/tasks", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame struct {
		Type string `json:"type"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "hello", frame.Type)

	_, err = application.TaskManager.Create(context.Background(), models.TaskTypeBatchGeneration, "")
	require.NoError(t, err)

	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "task", frame.Type)
}
