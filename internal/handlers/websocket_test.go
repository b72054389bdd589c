package handlers

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

	"github.com/ternarybob/dispatch/internal/common"
	"github.com/ternarybob/dispatch/internal/models"
	"github.com/ternarybob/dispatch/internal/storage/badger"
	"github.com/ternarybob/dispatch/internal/tasks"
)

type wsFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func newWSFixture(t *testing.T, throttle time.Duration) (*tasks.Manager, *WebSocketHandler, *websocket.Conn) {
	t.Helper()
	logger := arbor.NewLogger()

	storage, err := badger.NewManager(logger, &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	manager := tasks.NewManager(storage.TaskStorage(), logger)
	handler := NewWebSocketHandler(manager, throttle, logger)
	handler.Start()

	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(func() {
		handler.Stop()
		server.Close()
	})

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return manager, handler, conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame wsFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func readTask(t *testing.T, conn *websocket.Conn) *models.Task {
	t.Helper()
	frame := readFrame(t, conn)
	require.Equal(t, "task", frame.Type)
	var task models.Task
	require.NoError(t, json.Unmarshal(frame.Payload, &task))
	return &task
}

func TestWebSocketSendsHelloWithActiveTasks(t *testing.T) {
	_, handler, conn := newWSFixture(t, time.Hour)

	frame := readFrame(t, conn)
	assert.Equal(t, "hello", frame.Type)

	var hello HelloPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &hello))
	assert.Equal(t, handler.serverInstanceID, hello.ServerInstanceID)
	assert.Empty(t, hello.Active)
	assert.Equal(t, 1, handler.ClientCount())
}

func TestWebSocketThrottlesProgressButDeliversTerminal(t *testing.T) {
	manager, _, conn := newWSFixture(t, time.Hour)
	ctx := context.Background()

	require.Equal(t, "hello", readFrame(t, conn).Type)

	task, err := manager.Create(ctx, models.TaskTypeBatchGeneration, "")
	require.NoError(t, err)

	_, err = manager.Update(ctx, task.ID, tasks.Patch{Status: tasks.Ptr(models.TaskStatusRunning), Progress: tasks.Ptr(10)})
	require.NoError(t, err)
	for _, p := range []int{20, 30, 40} {
		_, err = manager.Update(ctx, task.ID, tasks.Patch{Progress: tasks.Ptr(p)})
		require.NoError(t, err)
	}
	_, err = manager.Update(ctx, task.ID, tasks.Patch{Status: tasks.Ptr(models.TaskStatusCompleted), Progress: tasks.Ptr(100)})
	require.NoError(t, err)

	pending := readTask(t, conn)
	assert.Equal(t, models.TaskStatusPending, pending.Status)

	running := readTask(t, conn)
	assert.Equal(t, models.TaskStatusRunning, running.Status)
	assert.Equal(t, 10, running.Progress)

	completed := readTask(t, conn)
	assert.Equal(t, models.TaskStatusCompleted, completed.Status, "progress updates inside the interval are dropped")
	assert.Equal(t, 100, completed.Progress)
}

func TestWebSocketSendsLatestThrottledProgressWhenIntervalEnds(t *testing.T) {
	manager, _, conn := newWSFixture(t, 200*time.Millisecond)
	ctx := context.Background()

	require.Equal(t, "hello", readFrame(t, conn).Type)

	task, err := manager.Create(ctx, models.TaskTypeBatchGeneration, "")
	require.NoError(t, err)
	_, err = manager.Update(ctx, task.ID, tasks.Patch{Status: tasks.Ptr(models.TaskStatusRunning), Progress: tasks.Ptr(10)})
	require.NoError(t, err)
	for _, p := range []int{20, 30} {
		_, err = manager.Update(ctx, task.ID, tasks.Patch{Progress: tasks.Ptr(p)})
		require.NoError(t, err)
	}

	assert.Equal(t, models.TaskStatusPending, readTask(t, conn).Status)
	assert.Equal(t, 10, readTask(t, conn).Progress)

	latest := readTask(t, conn)
	if latest.Progress == 20 {
		latest = readTask(t, conn)
	}
	assert.Equal(t, models.TaskStatusRunning, latest.Status)
	assert.Equal(t, 30, latest.Progress, "the last held-back update is delivered without a further change")
}

func TestWebSocketWithoutThrottleSendsEveryUpdate(t *testing.T) {
	manager, _, conn := newWSFixture(t, 0)
	ctx := context.Background()

	require.Equal(t, "hello", readFrame(t, conn).Type)

	task, err := manager.Create(ctx, models.TaskTypeBatchGeneration, "")
	require.NoError(t, err)
	_, err = manager.Update(ctx, task.ID, tasks.Patch{Status: tasks.Ptr(models.TaskStatusRunning)})
	require.NoError(t, err)
	_, err = manager.Update(ctx, task.ID, tasks.Patch{Progress: tasks.Ptr(50)})
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusPending, readTask(t, conn).Status)
	assert.Equal(t, models.TaskStatusRunning, readTask(t, conn).Status)
	assert.Equal(t, 50, readTask(t, conn).Progress)
}
