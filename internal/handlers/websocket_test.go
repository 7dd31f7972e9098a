package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/supercomp/internal/common"
	"github.com/ternarybob/supercomp/internal/interfaces"
	"github.com/ternarybob/supercomp/internal/services/events"
)

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocketSendsHelloAndJobEvents(t *testing.T) {
	logger := arbor.NewLogger()
	eventService := events.NewService(logger)
	defer eventService.Close()

	handler := NewWebSocketHandler(eventService, logger, &common.WebSocketConfig{})
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	conn := dial(t, server)

	hello := readMessage(t, conn)
	assert.Equal(t, "hello", hello.Type)
	payload, ok := hello.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, handler.ServerInstanceID(), payload["serverInstanceId"])

	require.Eventually(t, func() bool { return handler.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	err := eventService.Publish(context.Background(), interfaces.Event{
		Type: interfaces.EventCaptchaWaiting,
		Payload: map[string]interface{}{
			"job_id":     "1790012345001-abcd1234",
			"identifier": "1790012345001",
			"state":      "WaitingCaptcha",
			"ready":      true,
		},
	})
	require.NoError(t, err)

	msg := readMessage(t, conn)
	assert.Equal(t, string(interfaces.EventCaptchaWaiting), msg.Type)
	body, ok := msg.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "1790012345001-abcd1234", body["job_id"])
	assert.Equal(t, true, body["ready"])
}

func TestWebSocketClosesClients(t *testing.T) {
	logger := arbor.NewLogger()
	eventService := events.NewService(logger)
	defer eventService.Close()

	handler := NewWebSocketHandler(eventService, logger, nil)
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	conn := dial(t, server)
	readMessage(t, conn)
	require.Eventually(t, func() bool { return handler.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, handler.Close())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestStateChangesAreThrottledPerJob(t *testing.T) {
	handler := NewWebSocketHandler(nil, arbor.NewLogger(), &common.WebSocketConfig{ThrottleInterval: "1h"})

	assert.True(t, handler.shouldBroadcastEvent(interfaces.EventJobStateChanged, "job-a"))
	assert.False(t, handler.shouldBroadcastEvent(interfaces.EventJobStateChanged, "job-a"))
	assert.True(t, handler.shouldBroadcastEvent(interfaces.EventJobStateChanged, "job-b"))

	// challenge and terminal events are never throttled
	assert.True(t, handler.shouldBroadcastEvent(interfaces.EventCaptchaWaiting, "job-a"))
	assert.True(t, handler.shouldBroadcastEvent(interfaces.EventCaptchaWaiting, "job-a"))
	assert.True(t, handler.shouldBroadcastEvent(interfaces.EventJobFailed, "job-a"))
}

func TestAllowedEventsWhitelist(t *testing.T) {
	handler := NewWebSocketHandler(nil, arbor.NewLogger(), &common.WebSocketConfig{
		AllowedEvents: []string{string(interfaces.EventCaptchaWaiting)},
	})

	assert.True(t, handler.shouldBroadcastEvent(interfaces.EventCaptchaWaiting, "job-a"))
	assert.False(t, handler.shouldBroadcastEvent(interfaces.EventJobCreated, "job-a"))
}
