// Package realtime рассылает best-effort события о примененных
// изменениях подключенным websocket-клиентам (витрины, дашборды).
//
// Канал существует рядом с протоколом синхронизации, а не внутри него:
// hub вызывается после коммита авторитетного состояния, и его отказ
// никак не влияет на результат sync-операции.
package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Envelope оборачивает все websocket-сообщения
type Envelope struct {
	Type      string          `json:"type"`
	Entity    string          `json:"entity,omitempty"`
	EntityID  string          `json:"entityId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// client одно websocket-соединение
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub держит активные соединения и рассылает события.
// Реализует sync.Notifier.
type Hub struct {
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	clients    map[string]*client
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub создает hub и запускает его цикл рассылки
func NewHub(logger *slog.Logger) *Hub {
	h := &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients:    make(map[string]*client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

// run управляет подключениями и рассылкой
func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("Realtime client connected", "client", c.id, "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Debug("Realtime client disconnected", "client", c.id)

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				select {
				case c.send <- message:
				default:
					// Медленный клиент: отключаем, не блокируем рассылку
					close(c.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()

		case <-h.done:
			return
		}
	}
}

// Publish реализует sync.Notifier. Fire-and-forget: при переполненном
// канале рассылки событие отбрасывается с warning, вызывающий об этом
// не узнает.
func (h *Hub) Publish(eventType, entityKind, entityID string, data []byte) {
	envelope := Envelope{
		Type:      eventType,
		Entity:    entityKind,
		EntityID:  entityID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	message, err := json.Marshal(envelope)
	if err != nil {
		h.logger.Error("Failed to marshal realtime event", "error", err)
		return
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("Realtime broadcast buffer full, dropping event",
			"type", eventType, "entity_id", entityID)
	}
}

// HandleWS обрабатывает GET /sync/events: upgrade до websocket
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, 64),
	}

	h.register <- c

	go c.writePump()
	go c.readPump(h)
}

// Close останавливает hub и закрывает все соединения
func (h *Hub) Close() {
	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(h.clients, id)
	}
}

// writePump переливает сообщения из send-канала в соединение
func (c *client) writePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

// readPump вычитывает входящие сообщения, чтобы заметить закрытие
// соединения. Клиенты ничего осмысленного не присылают.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		_ = c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
