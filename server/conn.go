package server

import (
	"net"
	"sync"
	"time"

	"dmrelay/presence"
	"dmrelay/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// conn is a presence.Conn that can also answer acknowledgement requests.
type conn interface {
	presence.Conn
	Ack(id int64, data any) error
}

// lineConn writes newline-delimited frames to a net.Conn.
type lineConn struct {
	id           string
	nc           net.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func newLineConn(nc net.Conn, writeTimeout time.Duration) *lineConn {
	return &lineConn{id: uuid.NewString(), nc: nc, writeTimeout: writeTimeout}
}

func (c *lineConn) ID() string         { return c.id }
func (c *lineConn) RemoteAddr() string { return c.nc.RemoteAddr().String() }
func (c *lineConn) Close() error       { return c.nc.Close() }

func (c *lineConn) Send(event string, data any) error {
	return c.write(event, data, 0)
}

func (c *lineConn) Ack(id int64, data any) error {
	return c.write(protocol.EventAck, data, id)
}

func (c *lineConn) write(event string, data any, ack int64) error {
	frame, err := protocol.Encode(event, data, ack)
	if err != nil {
		return err
	}
	frame = append(frame, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	_, err = c.nc.Write(frame)
	return err
}

// wsConn writes one frame per WebSocket text message.
type wsConn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{id: uuid.NewString(), ws: ws, writeTimeout: writeTimeout}
}

func (c *wsConn) ID() string         { return c.id }
func (c *wsConn) RemoteAddr() string { return c.ws.RemoteAddr().String() }
func (c *wsConn) Close() error       { return c.ws.Close() }

func (c *wsConn) Send(event string, data any) error {
	return c.write(event, data, 0)
}

func (c *wsConn) Ack(id int64, data any) error {
	return c.write(protocol.EventAck, data, id)
}

func (c *wsConn) write(event string, data any, ack int64) error {
	frame, err := protocol.Encode(event, data, ack)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}
