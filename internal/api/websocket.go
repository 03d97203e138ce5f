package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"trading-control-core/internal/events"
	"trading-control-core/internal/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsQueueSize  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origins are checked by the CORS layer and the reverse proxy
	CheckOrigin: func(r *http.Request) bool { return true },
}

type streamClient struct {
	conn  *websocket.Conn
	out   chan []byte
	types map[events.EventType]bool // nil means every event
	once  sync.Once
}

func (c *streamClient) wants(t events.EventType) bool {
	return c.types == nil || c.types[t]
}

func (c *streamClient) closeConn() {
	c.once.Do(func() { c.conn.Close() })
}

// EventStream pushes bus events to dashboard WebSocket connections. A client
// whose queue is full is disconnected.
type EventStream struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	closed  bool
	logger  *logging.Logger
}

// NewEventStream subscribes a stream to every event on bus
func NewEventStream(bus *events.EventBus, logger *logging.Logger) *EventStream {
	s := &EventStream{
		clients: make(map[*streamClient]struct{}),
		logger:  logging.OrDefault(logger).WithComponent("websocket"),
	}
	bus.SubscribeAll(s.BroadcastEvent)
	return s
}

func (s *EventStream) add(c *streamClient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

// remove drops c and closes its queue, which makes its writer exit
func (s *EventStream) remove(c *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.out)
	}
}

// BroadcastEvent queues event for every client subscribed to its type
func (s *EventStream) BroadcastEvent(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("Failed to marshal event", "type", string(event.Type), "error", err)
		return
	}

	var slow []*streamClient
	s.mu.RLock()
	for c := range s.clients {
		if !c.wants(event.Type) {
			continue
		}
		select {
		case c.out <- data:
		default:
			slow = append(slow, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range slow {
		s.logger.Warn("Dropping slow WebSocket client", "type", string(event.Type))
		s.remove(c)
	}
}

// ClientCount returns the number of connected clients
func (s *EventStream) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close disconnects every client and refuses new ones
func (s *EventStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.clients {
		delete(s.clients, c)
		close(c.out)
	}
}

func (s *EventStream) writeLoop(c *streamClient) {
	ping := time.NewTicker(wsPingPeriod)
	defer func() {
		ping.Stop()
		c.closeConn()
	}()

	for {
		select {
		case msg, ok := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound frames; it only keeps the pong deadline fresh and
// notices disconnects.
func (s *EventStream) readLoop(c *streamClient) {
	defer func() {
		s.remove(c)
		c.closeConn()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("WebSocket read error", "error", err)
			}
			return
		}
	}
}

// parseTypes reads the ?types= filter. Names are case-insensitive.
func parseTypes(raw string) map[events.EventType]bool {
	var types map[events.EventType]bool
	for _, t := range strings.Split(raw, ",") {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if types == nil {
			types = make(map[events.EventType]bool)
		}
		types[events.EventType(t)] = true
	}
	return types
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection", "error", err)
		return
	}

	client := &streamClient{
		conn:  conn,
		out:   make(chan []byte, wsQueueSize),
		types: parseTypes(c.Query("types")),
	}
	hello, _ := json.Marshal(gin.H{"type": "CONNECTED", "timestamp": time.Now()})
	client.out <- hello

	if !s.stream.add(client) {
		conn.Close()
		return
	}
	go s.stream.writeLoop(client)
	go s.stream.readLoop(client)
}
