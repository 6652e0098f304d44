package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/agentflow/internal/domain"
	eventsmem "github.com/aescanero/agentflow/pkg/adapters/events/memory"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"
)

type instanceTable struct {
	mu        sync.Mutex
	instances map[string]*domain.ProcessInstance
}

func (t *instanceTable) GetInstance(ctx context.Context, id string) (*domain.ProcessInstance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inst, ok := t.instances[id]
	if !ok {
		return nil, domain.Errorf(domain.CodeInstanceNotFound, "instance not found: %s", id)
	}
	return inst.Clone(), nil
}

func newStreamServer(t *testing.T, instances ...*domain.ProcessInstance) (*httptest.Server, *eventsmem.InMemoryEventBus) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	bus := eventsmem.NewInMemoryEventBus(logger)
	table := &instanceTable{instances: map[string]*domain.ProcessInstance{}}
	for _, inst := range instances {
		table.instances[inst.ID] = inst
	}

	router := gin.New()
	router.GET("/instances/:id/ws", NewHandler(bus, table, logger).HandleInstanceStream)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		_ = bus.Close()
	})
	return srv, bus
}

func dial(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/instances/" + id + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestStreamSendsSnapshotThenInstanceEvents(t *testing.T) {
	inst := &domain.ProcessInstance{ID: "i1", Status: domain.InstanceStatusRunning, StartedAt: time.Now()}
	srv, bus := newStreamServer(t, inst)
	conn := dial(t, srv, "i1")

	snapshot := read(t, conn)
	assert.Equal(t, "snapshot", gjson.Get(snapshot, "type").String())
	assert.Equal(t, "i1", gjson.Get(snapshot, "instance.id").String())

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, domain.TopicTaskEvents, domain.Event{ID: "e0", Type: domain.EventTypeTaskCreated, InstanceID: "other"}))
	require.NoError(t, bus.Publish(ctx, domain.TopicTaskEvents, domain.Event{ID: "e1", Type: domain.EventTypeTaskCompleted, InstanceID: "i1", TaskID: "t1"}))

	msg := read(t, conn)
	assert.Equal(t, "e1", gjson.Get(msg, "id").String())
	assert.Equal(t, "t1", gjson.Get(msg, "task_id").String())

	require.NoError(t, bus.Publish(ctx, domain.TopicInstanceEvents, domain.Event{ID: "e2", Type: domain.EventTypeInstanceCompleted, InstanceID: "i1"}))
	msg = read(t, conn)
	assert.Equal(t, string(domain.EventTypeInstanceCompleted), gjson.Get(msg, "type").String())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected normal close, got %v", err)
}

func TestStreamClosesForFinishedInstance(t *testing.T) {
	ended := time.Now()
	inst := &domain.ProcessInstance{ID: "done", Status: domain.InstanceStatusCompleted, StartedAt: ended, EndedAt: &ended}
	srv, _ := newStreamServer(t, inst)
	conn := dial(t, srv, "done")

	snapshot := read(t, conn)
	assert.Equal(t, "completed", gjson.Get(snapshot, "instance.status").String())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected normal close, got %v", err)
}

func TestStreamUnknownInstance(t *testing.T) {
	srv, _ := newStreamServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/instances/missing/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
