package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Authenticator resolves a handshake token to a user id.
type Authenticator func(token string) (uuid.UUID, error)

// JWTAuthenticator verifies an HMAC-signed JWT and reads the user id from
// its subject claim.
func JWTAuthenticator(secret []byte) Authenticator {
	return func(token string) (uuid.UUID, error) {
		parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil {
			return uuid.Nil, fmt.Errorf("parse token: %w", err)
		}
		sub, err := parsed.Claims.GetSubject()
		if err != nil {
			return uuid.Nil, fmt.Errorf("read subject: %w", err)
		}
		userID, err := uuid.Parse(sub)
		if err != nil {
			return uuid.Nil, fmt.Errorf("subject is not a user id: %w", err)
		}
		return userID, nil
	}
}

// Client bridges one gorilla/websocket connection to the hub. Its send
// channel decouples broadcast callers from the socket; a full buffer is a
// delivery error the broadcaster may retry, never a blocked caller.
type Client struct {
	conn   *websocket.Conn
	hub    *Hub
	logger *zap.Logger

	connID string
	userID uuid.UUID
	send   chan []byte
	done   chan struct{}
}

var errSendBufferFull = errors.New("client send buffer full")

// Send enqueues data for the write pump.
func (c *Client) Send(ctx context.Context, data []byte) error {
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errors.New("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errSendBufferFull
	}
}

// Gateway upgrades HTTP requests into hub-registered client connections.
type Gateway struct {
	hub      *Hub
	auth     Authenticator
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewGateway creates the websocket entry point.
func NewGateway(hub *Hub, auth Authenticator, logger *zap.Logger) *Gateway {
	return &Gateway{
		hub:    hub,
		auth:   auth,
		logger: logger.Named("ws-gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP authenticates the handshake, upgrades the connection and
// starts the client's pumps.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	userID, err := g.auth(token)
	if err != nil {
		g.logger.Warn("handshake rejected", zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:   conn,
		hub:    g.hub,
		logger: g.logger,
		connID: uuid.NewString(),
		userID: userID,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	g.hub.Register(userID, client.connID, client)

	go client.writePump()
	go client.readPump()
}

// clientFrame is what clients send: subscriptions and acknowledgments.
type clientFrame struct {
	Subscribe   []string `json:"subscribe,omitempty"`
	Unsubscribe []string `json:"unsubscribe,omitempty"`
	Ack         string   `json:"ack,omitempty"`
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c.userID, c.connID)
		close(c.done)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			c.logger.Debug("ignoring malformed client frame", zap.Error(err))
			continue
		}
		for _, topic := range frame.Subscribe {
			c.hub.Subscribe(c.connID, topic)
		}
		for _, topic := range frame.Unsubscribe {
			c.hub.Unsubscribe(c.connID, topic)
		}
		if frame.Ack != "" {
			if conn := c.hub.conn(c.connID); conn != nil {
				conn.Ack(frame.Ack)
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
