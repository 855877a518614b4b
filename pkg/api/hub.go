package api

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/op/go-logging"

	"github.com/a-liut/helmet-nav-go/pkg/helmet"
	"github.com/a-liut/helmet-nav-go/pkg/nav"
)

const (
	EventHelmetStatus    = "helmet/status"
	EventTripInstruction = "trip/instruction"
	EventTripEnded       = "trip/ended"

	writeTimeout = 100 * time.Millisecond
)

type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type InstructionPayload struct {
	TripID      string           `json:"trip_id"`
	Instruction *nav.Instruction `json:"instruction"`
}

// StatusSource is where the hub reads helmet status changes from.
type StatusSource interface {
	Status() helmet.Status
	Subscribe() (<-chan helmet.Status, func())
}

// Hub pushes events to every connected websocket client.
type Hub struct {
	source StatusSource
	log    *logging.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	// gorilla connections allow one writer at a time
	sendMu sync.Mutex
}

func NewHub(source StatusSource, log *logging.Logger) *Hub {
	if log == nil {
		log = logging.MustGetLogger("api")
	}
	return &Hub{
		source:  source,
		log:     log,
		clients: make(map[*websocket.Conn]bool),
	}
}

func (h *Hub) Name() string {
	return "hub"
}

// Start forwards helmet status changes until stopChan is closed, then drops all clients.
func (h *Hub) Start(stopChan chan struct{}) error {
	updates, unsubscribe := h.source.Subscribe()
	defer unsubscribe()

	for {
		select {
		case st, ok := <-updates:
			if !ok {
				h.closeAll()
				return nil
			}
			h.Broadcast(Event{Type: EventHelmetStatus, Payload: st})
		case <-stopChan:
			h.closeAll()
			return nil
		}
	}
}

// AddClient registers conn, sends it the current helmet status and watches it for closure.
func (h *Hub) AddClient(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debugf("hub: client %s connected, %d total", conn.RemoteAddr(), n)

	h.sendMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.WriteJSON(Event{Type: EventHelmetStatus, Payload: h.source.Status()})
	h.sendMu.Unlock()
	if err != nil {
		h.RemoveClient(conn)
		return
	}

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.RemoveClient(conn)
				return
			}
		}
	}()
}

func (h *Hub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *Hub) Broadcast(event Event) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	var failedClients []*websocket.Conn
	var failedMu sync.Mutex

	for _, conn := range clients {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()

			c.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.WriteJSON(event); err != nil {
				failedMu.Lock()
				failedClients = append(failedClients, c)
				failedMu.Unlock()
			}
		}(conn)
	}
	wg.Wait()

	for _, conn := range failedClients {
		h.RemoveClient(conn)
	}
}

// TripInstruction and TripEnded adapt the navigator callbacks to hub events.
func (h *Hub) TripInstruction(s *nav.Session, in *nav.Instruction) {
	h.Broadcast(Event{Type: EventTripInstruction, Payload: InstructionPayload{TripID: s.ID, Instruction: in}})
}

func (h *Hub) TripEnded(s *nav.Session) {
	h.Broadcast(Event{Type: EventTripEnded, Payload: s.Info()})
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		delete(h.clients, conn)
		conn.Close()
	}
}
