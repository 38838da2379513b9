package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gitlab.com/secp/services/messenger/internal/models"
)

// dialTimeout bounds subscription setup
const dialTimeout = 5 * time.Second

// Subscriber is the client side of the realtime channel. It owns at most
// one conversation subscription; callers switching conversations must Close
// the old subscriber before starting a new one. Delivery is at-least-once
// upstream, so events are deduplicated by message id before delivery.
type Subscriber struct {
	url   string
	token string

	conn   *websocket.Conn
	events chan models.MessageEvent

	mu   sync.Mutex
	seen map[uuid.UUID]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// NewSubscriber creates a subscriber for the given websocket URL
// (ws://host/api/conversations/{id}/events) and bearer token.
func NewSubscriber(url, token string) *Subscriber {
	return &Subscriber{
		url:    url,
		token:  token,
		events: make(chan models.MessageEvent, 16),
		seen:   make(map[uuid.UUID]struct{}),
		done:   make(chan struct{}),
	}
}

// Start dials the gateway and begins delivering events. It returns once the
// subscription is established; events flow on Events() until Close.
func (s *Subscriber) Start(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	header := http.Header{"Authorization": []string{"Bearer " + s.token}}

	conn, _, err := dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	s.conn = conn

	go s.readLoop()
	return nil
}

// Events returns the delivery channel. It is closed when the subscription
// ends, whether by Close or by connection loss.
func (s *Subscriber) Events() <-chan models.MessageEvent {
	return s.events
}

// Close tears down the subscription. Safe to call more than once; the
// teardown runs exactly once.
func (s *Subscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			err = s.conn.Close()
		}
	})
	return err
}

func (s *Subscriber) readLoop() {
	defer close(s.events)

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				log.Printf("[Realtime] Subscription closed: %v", err)
			}
			return
		}

		var event models.MessageEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			log.Printf("[WARN] Failed to parse realtime event: %v", err)
			continue
		}

		if s.isDuplicate(event.MessageID) {
			continue
		}

		select {
		case s.events <- event:
		case <-s.done:
			return
		}
	}
}

func (s *Subscriber) isDuplicate(messageID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[messageID]; ok {
		return true
	}
	s.seen[messageID] = struct{}{}
	return false
}
