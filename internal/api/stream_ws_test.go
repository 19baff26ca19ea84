package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitsinc/runhub/internal/eventlog"
	"github.com/flitsinc/runhub/internal/runs"
)

type fakeWSWriter struct {
	mu       sync.Mutex
	messages [][]byte
	pings    int
}

func (f *fakeWSWriter) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, data)
	return nil
}

func (f *fakeWSWriter) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func TestWSSinkWritesEvents(t *testing.T) {
	server := newTestServer(t, nil)
	run := completedRun(t, server)

	writer := &fakeWSWriter{}
	last, err := server.streamRun(context.Background(), run.RunID, 2, wsSink{w: writer})
	require.NoError(t, err)
	assert.Equal(t, int64(5), last)
	require.Len(t, writer.messages, 3)

	var evt eventlog.Event
	require.NoError(t, json.Unmarshal(writer.messages[0], &evt))
	assert.Equal(t, int64(3), evt.EventSeq)
	assert.Equal(t, "agent.message", evt.EventType)

	require.NoError(t, wsSink{w: writer}.Keepalive(context.Background()))
	assert.Equal(t, 1, writer.pings)
}

func TestWebSocketStreamClosesNormally(t *testing.T) {
	server := newTestServer(t, nil)
	run := completedRun(t, server)
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/runs/" + run.RunID + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var types []string
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
		var evt eventlog.Event
		require.NoError(t, json.Unmarshal(data, &evt))
		types = append(types, evt.EventType)
	}
	assert.Equal(t, []string{runs.EventCreated, runs.EventStarted, "agent.message", "agent.message", runs.EventCompleted}, types)
}
