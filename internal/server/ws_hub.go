package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"PerpVAMM/internal/event"
	"PerpVAMM/internal/ingestion"
	"PerpVAMM/internal/observability"
	"PerpVAMM/internal/query"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 256
)

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	market string // empty subscribes to every market
}

// WSHub streams committed events to WebSocket clients. Only Run touches the
// client set; a client whose buffer is full is dropped rather than allowed
// to stall the stream.
type WSHub struct {
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	count      atomic.Int64
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

func NewWSHub(metrics *observability.Metrics) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		metrics:    metrics,
		logger:     observability.NewLogger("ws_hub"),
	}
}

// Run fans envelopes out to subscribed clients until ctx is cancelled or
// events is closed.
func (h *WSHub) Run(ctx context.Context, events <-chan *event.EventEnvelope) error {
	defer func() {
		for c := range h.clients {
			h.drop(c)
		}
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case c := <-h.register:
			h.clients[c] = true
			h.setCount()
			h.logger.Debug().Str("market", c.market).Int("total", len(h.clients)).Msg("ws client connected")

		case c := <-h.unregister:
			if h.clients[c] {
				h.drop(c)
			}

		case env, ok := <-events:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ingestion.NewPublishableEvent(env))
			if err != nil {
				h.logger.Warn().Err(err).Int64("sequence", env.Sequence).Msg("ws encode failed")
				continue
			}
			for c := range h.clients {
				if c.market != "" && c.market != env.MarketID {
					continue
				}
				select {
				case c.send <- data:
				default:
					h.logger.Warn().Str("market", c.market).Msg("dropping slow ws client")
					h.drop(c)
				}
			}
		}
	}
}

func (h *WSHub) drop(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
	h.setCount()
}

func (h *WSHub) setCount() {
	h.count.Store(int64(len(h.clients)))
	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(len(h.clients)))
	}
}

// Clients returns the number of connected clients
func (h *WSHub) Clients() int {
	return int(h.count.Load())
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS upgrades GET /api/v1/ws[?market=<id>] and streams events
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	c := &wsClient{
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		market: r.URL.Query().Get("market"),
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump keeps the connection alive and detects disconnects; clients
// never send anything meaningful.
func (h *WSHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		s.fail(w, r, query.ErrUnavailable)
		return
	}
	s.deps.Hub.HandleWS(w, r)
}
