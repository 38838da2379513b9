package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/secp/services/messenger/internal/models"
)

// fakeGateway upgrades the request and writes the given event frames,
// recording the bearer token it saw.
func fakeGateway(t *testing.T, events []models.MessageEvent, sawToken *string) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*sawToken = r.Header.Get("Authorization")
		conn, err := up.Upgrade(w, r, nil)
		require.NoError(t, err)
		for _, ev := range events {
			payload, err := json.Marshal(ev)
			require.NoError(t, err)
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
		}
		// Hold the connection open until the client closes it
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestSubscriber_DeliversAndDeduplicates(t *testing.T) {
	convID := uuid.New()
	first := models.MessageEvent{MessageID: uuid.New(), ConversationID: convID}
	second := models.MessageEvent{MessageID: uuid.New(), ConversationID: convID}

	var sawToken string
	// The first event is redelivered; at-least-once upstream
	server := fakeGateway(t, []models.MessageEvent{first, first, second}, &sawToken)
	defer server.Close()

	sub := NewSubscriber(wsURL(server.URL), "token-1")
	require.NoError(t, sub.Start(context.Background()))
	defer sub.Close()

	var got []models.MessageEvent
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-sub.Events():
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out with %d events", len(got))
		}
	}

	assert.Equal(t, "Bearer token-1", sawToken)
	assert.Equal(t, first.MessageID, got[0].MessageID)
	assert.Equal(t, second.MessageID, got[1].MessageID)
}

func TestSubscriber_CloseIsIdempotent(t *testing.T) {
	var sawToken string
	server := fakeGateway(t, nil, &sawToken)
	defer server.Close()

	sub := NewSubscriber(wsURL(server.URL), "t")
	require.NoError(t, sub.Start(context.Background()))

	require.NoError(t, sub.Close())
	assert.NoError(t, sub.Close())

	// The events channel drains and closes after teardown
	select {
	case _, open := <-sub.Events():
		assert.False(t, open)
	case <-time.After(5 * time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestSubscriber_StartFailsOnBadEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	sub := NewSubscriber(wsURL(server.URL), "t")
	err := sub.Start(context.Background())
	assert.Error(t, err)
}
