// Package realtime delivers message insert events to clients. The server
// side bridges Redis pub/sub onto websockets; the client side owns one
// conversation subscription at a time and deduplicates events by message id.
package realtime

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gitlab.com/secp/services/messenger/internal/messaging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins (configure appropriately for production)
	},
}

// Gateway relays a conversation's Redis message events to websocket clients
type Gateway struct {
	messaging *messaging.Service
}

// NewGateway creates a realtime gateway over the messaging service
func NewGateway(messagingService *messaging.Service) *Gateway {
	return &Gateway{messaging: messagingService}
}

// ServeConversation upgrades the request and streams the conversation's
// insert events until the client disconnects. Callers must have verified
// participant access before invoking.
func (g *Gateway) ServeConversation(w http.ResponseWriter, r *http.Request, conversationID uuid.UUID) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Realtime] Upgrade failed: %v", err)
		return
	}

	pubsub := g.messaging.SubscribeToConversation(r.Context(), conversationID)
	if pubsub == nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "realtime unavailable"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	done := make(chan struct{})

	// Read pump: consume control frames, detect disconnect
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Write pump: relay events, keep the connection alive with pings
	go func() {
		defer func() {
			pubsub.Close()
			conn.Close()
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		ch := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
}
