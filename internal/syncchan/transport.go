package syncchan

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("connection closed")

// Conn is one ordered, reliable, message-oriented connection. ReadMessage
// reports a dropped connection as an error, never as data.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Transport opens connections to the sync endpoint of a document.
type Transport interface {
	Dial(ctx context.Context, documentID string) (Conn, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, documentID string) (Conn, error)

func (f TransportFunc) Dial(ctx context.Context, documentID string) (Conn, error) {
	return f(ctx, documentID)
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 32 << 20
)

// WebsocketTransport dials {BaseURL}/collab/{documentID}, authenticating with
// a bearer token.
type WebsocketTransport struct {
	BaseURL string
	Token   string
	Dialer  *websocket.Dialer
}

func (t *WebsocketTransport) Dial(ctx context.Context, documentID string) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	target := strings.TrimRight(t.BaseURL, "/") + "/collab/" + url.PathEscape(documentID)
	header := http.Header{}
	if t.Token != "" {
		header.Set("Authorization", "Bearer "+t.Token)
	}
	ws, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", target, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return NewWebsocketConn(ws), nil
}

// WebsocketConn adapts a gorilla websocket to Conn. It keeps the connection
// alive with pings and serializes writers.
type WebsocketConn struct {
	ws   *websocket.Conn
	mu   sync.Mutex
	done chan struct{}
	once sync.Once
}

func NewWebsocketConn(ws *websocket.Conn) *WebsocketConn {
	c := &WebsocketConn{ws: ws, done: make(chan struct{})}
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.pingLoop()
	return c
}

func (c *WebsocketConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

func (c *WebsocketConn) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (c *WebsocketConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *WebsocketConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.mu.Unlock()
		err = c.ws.Close()
	})
	return err
}

const pipeBuffer = 1024

type pipeConn struct {
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	once   *sync.Once
}

// Pipe returns the two ends of an in-process connection. Closing either end
// closes both.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &pipeConn{in: ba, out: ab, closed: closed, once: once},
		&pipeConn{in: ab, out: ba, closed: closed, once: once}
}

func (p *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.closed:
		return nil, ErrClosed
	}
}

func (p *pipeConn) WriteMessage(data []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	msg := append([]byte(nil), data...)
	select {
	case p.out <- msg:
		return nil
	case <-p.closed:
		return ErrClosed
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
