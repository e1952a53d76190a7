package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/andrussal/ephemera-go/pkg/block"
	"github.com/andrussal/ephemera-go/pkg/logging"
)

// DefaultFanoutCapacity is the bounded broadcast channel size each WS
// subscriber gets.
const DefaultFanoutCapacity = 1000

// DefaultHandshakeTimeout bounds the WS upgrade handshake.
const DefaultHandshakeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	HandshakeTimeout: DefaultHandshakeTimeout,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

// blockFrame is the text JSON frame pushed to every WS subscriber for each
// delivered block.
type blockFrame struct {
	Block       interface{} `json:"block"`
	Certificate interface{} `json:"certificate"`
}

// Hub fans sealed blocks out to every connected WS subscriber. A slow
// subscriber whose buffered channel fills is disconnected with a Lagged
// signal rather than allowed to stall the fan-out.
type Hub struct {
	log logging.Logger

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	send   chan blockFrame
	lagged chan struct{}
}

// NewHub creates an empty fan-out hub.
func NewHub(log logging.Logger) *Hub {
	return &Hub{log: log, subscribers: make(map[*subscriber]struct{})}
}

// Publish pushes sealed to every current subscriber's buffered channel; a
// subscriber whose channel is full is sent a Lagged signal and dropped.
func (h *Hub) Publish(sealed block.Sealed) {
	frame := blockFrame{Block: sealed.Block, Certificate: sealed.Certificate}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		select {
		case sub.send <- frame:
		default:
			select {
			case sub.lagged <- struct{}{}:
			default:
			}
			delete(h.subscribers, sub)
			close(sub.send)
		}
	}
}

// Run feeds Publish from the block manager's WS fanout channel until the
// channel is closed.
func (h *Hub) Run(sealedCh <-chan block.Sealed) {
	for sealed := range sealedCh {
		h.Publish(sealed)
	}
}

// ServeWS upgrades the request to a WebSocket and streams delivered blocks
// as text JSON frames until the connection closes or the subscriber lags.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("api: ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := &subscriber{
		send:   make(chan blockFrame, DefaultFanoutCapacity),
		lagged: make(chan struct{}, 1),
	}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	for {
		select {
		case frame, ok := <-sub.send:
			if !ok {
				return
			}
			body, err := json.Marshal(frame)
			if err != nil {
				h.log.Errorf("api: ws marshal frame: %v", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				h.removeSubscriber(sub)
				return
			}
		case <-sub.lagged:
			h.log.Warnf("api: ws subscriber lagged, disconnecting")
			return
		}
	}
}

func (h *Hub) removeSubscriber(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		close(sub.send)
	}
}
