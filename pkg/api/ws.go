// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/joeysapp/axi-server-sub001/pkg/device"
	"github.com/joeysapp/axi-server-sub001/pkg/errors"
	"github.com/joeysapp/axi-server-sub001/pkg/log"
	"github.com/joeysapp/axi-server-sub001/pkg/spatial"
)

const (
	wsSendBuffer = 256
	wsReadLimit  = 64 * 1024
	wsPongWait   = 60 * time.Second
	wsPingEvery  = 30 * time.Second
	wsWriteWait  = 10 * time.Second
)

type frameMessage struct {
	Type string `json:"type"`
	spatial.Frame
}

type statusMessage struct {
	Type string `json:"type"`
	device.Status
}

type replyMessage struct {
	Type    string    `json:"type"`
	Request string    `json:"request"`
	ID      any       `json:"id,omitempty"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

// inbound is any message a client may send. Fields are read according to
// Type.
type inbound struct {
	Type      string         `json:"type"`
	ID        any            `json:"id,omitempty"`
	X         float64        `json:"x"`
	Y         float64        `json:"y"`
	Rotation  float64        `json:"rotation"`
	Action    string         `json:"action"`
	Direction string         `json:"direction"`
	Distance  float64        `json:"distance"`
	Config    map[string]any `json:"config"`
}

// wsClient is one websocket connection.
type wsClient struct {
	id     string
	conn   *websocket.Conn
	server *Server
	log    *log.Logger
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &wsClient{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		send:   make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	c.log = s.log.WithPrefix("ws")

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.Close()
		return
	}
	s.clients[c.id] = c
	n := len(s.clients)
	s.mu.Unlock()
	s.metrics.SetWSClients(n)
	c.log.WithField("client", c.id).Info("client connected")

	go c.writePump()
	c.sendJSON(statusMessage{Type: "status", Status: s.dev.Status()})
	c.readPump()
}

func (s *Server) removeClient(c *wsClient) {
	s.mu.Lock()
	delete(s.clients, c.id)
	n := len(s.clients)
	s.mu.Unlock()
	s.metrics.SetWSClients(n)
	c.log.WithField("client", c.id).Info("client disconnected")
}

// broadcast sends msg to every client. Slow clients miss messages rather
// than stall the sender.
func (s *Server) broadcast(msg any) {
	s.mu.RLock()
	if len(s.clients) == 0 {
		s.mu.RUnlock()
		return
	}
	clients := make([]*wsClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	data, err := json.Marshal(msg)
	if err != nil {
		s.log.WithError(err).Error("broadcast encode failed")
		return
	}
	for _, c := range clients {
		c.enqueue(data)
	}
}

func (c *wsClient) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.log.WithField("client", c.id).Debug("send buffer full, dropping message")
	}
}

func (c *wsClient) sendJSON(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.WithError(err).Error("encode failed")
		return
	}
	c.enqueue(data)
}

// Close closes the connection once.
func (c *wsClient) Close() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
		c.conn.Close()
	})
}

func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("read failed")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		c.handleMessage(data)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingEvery)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.WithError(err).Debug("write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleMessage routes one inbound message. Input samples are applied
// inline and never answered; everything that may touch the device runs on
// its own goroutine so the read loop keeps draining input.
func (c *wsClient) handleMessage(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply(msg, nil, errors.Wrap(err, errors.ErrValidation, "invalid message"))
		return
	}
	sp := c.server.spatial
	if sp == nil {
		c.reply(msg, nil, errors.New(errors.ErrNotFound, "spatial processor disabled"))
		return
	}

	switch msg.Type {
	case "input":
		sp.SetInput(spatial.Input{X: msg.X, Y: msg.Y, Rotation: msg.Rotation})
	case "action":
		go func() {
			res, err := sp.HandleAction(c.ctx, msg.Action)
			c.reply(msg, res, err)
		}()
	case "nudge":
		f, err := sp.Nudge(msg.Direction, msg.Distance)
		c.reply(msg, f, err)
	case "config":
		cfg, err := sp.UpdateConfig(msg.Config)
		c.reply(msg, cfg, err)
	case "sync":
		c.reply(msg, sp.SyncPosition(), nil)
	default:
		c.reply(msg, nil, errors.Validation("type", "unknown message type "+msg.Type))
	}
}

func (c *wsClient) reply(req inbound, data any, err error) {
	out := replyMessage{Type: "result", Request: req.Type, ID: req.ID, Data: data}
	if err != nil {
		out = replyMessage{Type: "error", Request: req.Type, ID: req.ID, Error: errorBody(err)}
	}
	c.sendJSON(out)
}
