package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/fuselabs/crossfill/internal/domain"
)

// chanBus is an in-process SignalBus: every Publish fans out to the channel's
// subscribers.
type chanBus struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

func newChanBus() *chanBus {
	return &chanBus{subs: make(map[string][]chan []byte)}
}

func (b *chanBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		ch <- payload
	}
	return nil
}

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()
	return ch, nil
}

func decodeEnvelope(t *testing.T, frameType int, data []byte) map[string]any {
	t.Helper()
	require.Equal(t, websocket.BinaryMessage, frameType)
	var env structpb.Struct
	require.NoError(t, proto.Unmarshal(data, &env))
	return env.AsMap()
}

func TestHubBroadcastsBinaryEnvelopes(t *testing.T) {
	bus := newChanBus()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(bus, logger, Config{Mode: "engine", StartedAt: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The connect-time status envelope arrives first.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	frameType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env := decodeEnvelope(t, frameType, data)
	assert.Equal(t, "status", env["channel"])
	status, ok := env["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "engine", status["mode"])

	// Bus events are re-framed with their source channel.
	event, err := json.Marshal(map[string]any{"order_hash": "0x01", "taker": "0x02"})
	require.NoError(t, err)

	// Subscription is asynchronous; retry until the hub picks the event up.
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, bus.Publish(ctx, domain.ChannelFills, event))
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		frameType, data, err = conn.ReadMessage()
		if err == nil {
			break
		}
		require.True(t, time.Now().Before(deadline), "no broadcast before deadline: %v", err)
	}
	env = decodeEnvelope(t, frameType, data)
	assert.Equal(t, domain.ChannelFills, env["channel"])
	payload, ok := env["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "0x01", payload["order_hash"])
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	bus := newChanBus()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(bus, logger, Config{Mode: "engine"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Drain the status envelope.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(subscribeMsg{
		Action:   "unsubscribe",
		Channels: []string{domain.ChannelFills},
	}))

	// Give the control frame time to land, then verify silence.
	time.Sleep(100 * time.Millisecond)
	event, _ := json.Marshal(map[string]any{"order_hash": "0x01"})
	require.NoError(t, bus.Publish(ctx, domain.ChannelFills, event))

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
