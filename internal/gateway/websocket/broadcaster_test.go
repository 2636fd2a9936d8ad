package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zeeeepa/gobby-sub002/internal/common/config"
	"github.com/Zeeeepa/gobby-sub002/internal/common/logger"
	"github.com/Zeeeepa/gobby-sub002/internal/events/bus"
)

// startGateway spins up a hub, an upgrade endpoint and a broadcaster, and
// returns a connected client plus the broadcaster.
func startGateway(t *testing.T, cfg config.WebSocketConfig) (*gorilla.Conn, *EventBroadcaster) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Default()

	hub := NewHub(nil, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	router := gin.New()
	router.GET("/ws", NewHandler(hub, log).HandleConnection)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)
	b, err := NewEventBroadcaster(hub, memBus, cfg, log)
	require.NoError(t, err)
	t.Cleanup(b.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Let the hub register the client before broadcasting.
	time.Sleep(20 * time.Millisecond)
	return conn, b
}

func readFrame(t *testing.T, conn *gorilla.Conn) wireMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg wireMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestBroadcastReachesConnectedClient(t *testing.T) {
	conn, b := startGateway(t, config.WebSocketConfig{Enabled: true})

	b.BroadcastEvent("session_start", "sess-1", map[string]any{"source": "startup"})

	msg := readFrame(t, conn)
	assert.Equal(t, "event", msg.Type)
	assert.Equal(t, "session_start", msg.Event)
	assert.Equal(t, "sess-1", msg.SessionID)
	assert.Equal(t, "startup", msg.Data["source"])
}

func TestBroadcastEventsFilter(t *testing.T) {
	conn, b := startGateway(t, config.WebSocketConfig{
		Enabled:         true,
		BroadcastEvents: []string{"before_tool"},
	})

	b.BroadcastEvent("session_start", "sess-1", nil)
	b.BroadcastEvent("before_tool", "sess-1", map[string]any{"tool_name": "Bash"})

	// The filtered event never arrives; the first frame is before_tool.
	msg := readFrame(t, conn)
	assert.Equal(t, "before_tool", msg.Event)
	assert.Equal(t, "Bash", msg.Data["tool_name"])
}

type fakeClientObserver struct {
	mu   sync.Mutex
	last int
}

func (f *fakeClientObserver) SetWSClients(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = n
}

func (f *fakeClientObserver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func TestHubTracksClientCount(t *testing.T) {
	obs := &fakeClientObserver{}
	hub := NewHub(obs, logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := &Client{hub: hub, send: make(chan []byte, 1)}
	hub.register <- client
	require.Eventually(t, func() bool { return obs.count() == 1 },
		time.Second, 5*time.Millisecond)

	hub.unregister <- client
	require.Eventually(t, func() bool { return obs.count() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestBroadcastSurvivesNoClients(t *testing.T) {
	log := logger.Default()
	hub := NewHub(nil, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	memBus := bus.NewMemoryEventBus(log)
	defer memBus.Close()
	b, err := NewEventBroadcaster(hub, memBus, config.WebSocketConfig{}, log)
	require.NoError(t, err)
	defer b.Close()

	// No subscribers and no clients; must not panic or block.
	b.BroadcastEvent("after_tool", "", map[string]any{"n": 1})
}
