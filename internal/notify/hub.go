// README: WebSocket hub delivering offers to connected contractors and reading their answers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"homematch/internal/modules/dispatch"
	"homematch/internal/types"
)

var (
	ErrNotConnected = errors.New("contractor not connected")
	ErrSlowClient   = errors.New("contractor send buffer full")
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
	respondWait  = 5 * time.Second
	sendBuffer   = 16
)

// Message types exchanged over the socket.
const (
	TypeJobOffer      = "job_offer"
	TypeOfferResponse = "offer_response"
	TypeAck           = "ack"
	TypeError         = "error"
)

// Responder receives contractor answers read from the socket.
type Responder interface {
	Respond(ctx context.Context, offerID, contractorID types.ID, accept bool) error
}

type OfferMessage struct {
	Type                    string      `json:"type"`
	OfferID                 types.ID    `json:"offer_id"`
	DispatchID              types.ID    `json:"dispatch_id"`
	RequestID               types.ID    `json:"request_id"`
	Service                 string      `json:"service"`
	Urgency                 string      `json:"urgency"`
	Address                 string      `json:"address,omitempty"`
	Distance                float64     `json:"distance"`
	Unit                    string      `json:"unit"`
	EstimatedArrivalMinutes int         `json:"estimated_arrival_minutes"`
	QuotedPrice             types.Money `json:"quoted_price"`
	ExpiresAt               time.Time   `json:"expires_at"`
}

type ResponseMessage struct {
	Type    string   `json:"type"`
	OfferID types.ID `json:"offer_id"`
	Accept  bool     `json:"accept"`
}

type AckMessage struct {
	Type    string   `json:"type"`
	OfferID types.ID `json:"offer_id,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type client struct {
	id   types.ID
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

type Hub struct {
	mu        sync.RWMutex
	clients   map[types.ID]*client
	responder Responder
	upgrader  websocket.Upgrader
	log       *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients: map[types.ID]*client{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.Named("ws"),
	}
}

// SetResponder wires the handler for answers. It is set after construction
// because the dispatch service itself depends on the hub.
func (h *Hub) SetResponder(r Responder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responder = r
}

// Connected reports whether the contractor has a live socket.
func (h *Hub) Connected(id types.ID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[id]
	return ok
}

// Serve upgrades the request and blocks until the contractor disconnects.
// A newer connection for the same contractor replaces the older one.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, contractorID types.ID) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade: %w", err)
	}
	c := &client{id: contractorID, conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}

	h.mu.Lock()
	if old, ok := h.clients[contractorID]; ok {
		old.close()
	}
	h.clients[contractorID] = c
	h.mu.Unlock()
	h.log.Info("contractor connected", zap.String("contractor_id", string(contractorID)))

	go h.writePump(c)
	h.readPump(r.Context(), c)

	h.mu.Lock()
	if h.clients[contractorID] == c {
		delete(h.clients, contractorID)
	}
	h.mu.Unlock()
	c.close()
	h.log.Info("contractor disconnected", zap.String("contractor_id", string(contractorID)))
	return nil
}

func (h *Hub) readPump(ctx context.Context, c *client) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ResponseMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read", zap.String("contractor_id", string(c.id)), zap.Error(err))
			}
			return
		}
		if msg.Type != TypeOfferResponse {
			h.queue(c, AckMessage{Type: TypeError, Error: "unsupported message type " + msg.Type})
			continue
		}
		h.queue(c, h.respond(ctx, c.id, msg))
	}
}

func (h *Hub) respond(ctx context.Context, contractorID types.ID, msg ResponseMessage) AckMessage {
	h.mu.RLock()
	responder := h.responder
	h.mu.RUnlock()
	if responder == nil {
		return AckMessage{Type: TypeError, OfferID: msg.OfferID, Error: "responses not accepted"}
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), respondWait)
	defer cancel()
	if err := responder.Respond(rctx, msg.OfferID, contractorID, msg.Accept); err != nil {
		return AckMessage{Type: TypeError, OfferID: msg.OfferID, Error: err.Error()}
	}
	return AckMessage{Type: TypeAck, OfferID: msg.OfferID}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.log.Warn("websocket write", zap.String("contractor_id", string(c.id)), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) queue(c *client, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.log.Error("encoding websocket message", zap.Error(err))
		return
	}
	select {
	case c.send <- payload:
	default:
		h.log.Warn("dropping websocket message", zap.String("contractor_id", string(c.id)))
	}
}

// NotifyOffer pushes o to the contractor's socket.
func (h *Hub) NotifyOffer(_ context.Context, o dispatch.Offer) error {
	h.mu.RLock()
	c, ok := h.clients[o.Contractor.ID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("offer %s to %s: %w", o.ID, o.Contractor.ID, ErrNotConnected)
	}

	payload, err := json.Marshal(OfferMessage{
		Type:                    TypeJobOffer,
		OfferID:                 o.ID,
		DispatchID:              o.DispatchID,
		RequestID:               o.Request.ID,
		Service:                 o.Request.Service,
		Urgency:                 string(o.Request.Urgency),
		Address:                 o.Request.Address,
		Distance:                o.Match.Distance,
		Unit:                    string(o.Match.Unit),
		EstimatedArrivalMinutes: o.Match.EstimatedArrivalMinutes,
		QuotedPrice:             o.Match.QuotedPrice,
		ExpiresAt:               o.ExpiresAt,
	})
	if err != nil {
		return err
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return fmt.Errorf("offer %s to %s: %w", o.ID, o.Contractor.ID, ErrNotConnected)
	default:
		return fmt.Errorf("offer %s to %s: %w", o.ID, o.Contractor.ID, ErrSlowClient)
	}
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.close()
		delete(h.clients, id)
	}
}
