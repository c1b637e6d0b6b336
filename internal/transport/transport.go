// Package transport is the mutually authenticated websocket connection frames arrive on.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hddls/pipesink/internal/common"
	log "github.com/sirupsen/logrus"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var ErrNotOpen = errors.New("connection is not open")
var errRepeatOpen = errors.New("connection has already been opened")

const closeGracePeriod = time.Second

// ConnectionError is a failure to establish the session: dialing, the TLS handshake
// including certificate verification on either side, or the websocket upgrade
type ConnectionError struct {
	Addr  string
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %v: %v", e.Addr, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

type Config struct {
	Host string
	Port string
	Path string

	// TLSConfig must carry the client certificate and the trusted CA pool.
	// ServerName defaults to Host when empty.
	TLSConfig *tls.Config

	HandshakeTimeout time.Duration

	// Dialer makes the underlying TCP connection. A net.Dialer is used if nil.
	Dialer common.Dialer
}

func (c Config) Addr() string { return net.JoinHostPort(c.Host, c.Port) }

func (c Config) URL() string {
	u := url.URL{Scheme: "wss", Host: c.Addr(), Path: c.Path}
	return u.String()
}

// Handlers are called from the goroutine running Serve. Any of them may be nil.
type Handlers struct {
	OnOpen    func()
	OnMessage func(common.Frame)
	OnClose   func()
	OnError   func(error)
}

type Conn struct {
	config Config
	state  int32

	ws *websocket.Conn
	// gorilla/websocket allows one concurrent writer
	writeM sync.Mutex
}

func NewConn(config Config) *Conn {
	if config.Dialer == nil {
		config.Dialer = &net.Dialer{}
	}
	return &Conn{config: config, state: int32(Disconnected)}
}

func (c *Conn) State() State { return State(atomic.LoadInt32(&c.state)) }

func (c *Conn) setState(s State) { atomic.StoreInt32(&c.state, int32(s)) }

// Open dials, completes the mutual TLS handshake and upgrades to websocket.
// On failure the connection goes back to Disconnected and may be opened again.
func (c *Conn) Open(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.state, int32(Disconnected), int32(Connecting)) {
		return errRepeatOpen
	}
	d := &websocket.Dialer{
		NetDialContext:   c.config.Dialer.DialContext,
		TLSClientConfig:  c.config.TLSConfig,
		HandshakeTimeout: c.config.HandshakeTimeout,
	}
	log.Debugf("connecting to %v", c.config.URL())
	ws, resp, err := d.DialContext(ctx, c.config.URL(), nil)
	if err != nil {
		c.setState(Disconnected)
		if resp != nil {
			err = fmt.Errorf("%w (http status %v)", err, resp.Status)
		}
		return &ConnectionError{Addr: c.config.Addr(), Cause: err}
	}
	c.ws = ws
	c.setState(Open)
	return nil
}

// Serve reads messages until the connection ends, classifying each one into a
// common.Frame. It returns nil if either side closed the connection normally.
func (c *Conn) Serve(h Handlers) error {
	if c.State() != Open {
		return ErrNotOpen
	}
	if h.OnOpen != nil {
		h.OnOpen()
	}
	defer func() {
		if h.OnClose != nil {
			h.OnClose()
		}
	}()
	for {
		t, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.State() == Closed || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.shutdown()
				return nil
			}
			c.shutdown()
			if h.OnError != nil {
				h.OnError(err)
			}
			return err
		}
		if t != websocket.TextMessage && t != websocket.BinaryMessage {
			continue
		}
		if h.OnMessage != nil {
			h.OnMessage(common.ClassifyMessage(t, data))
		}
	}
}

func (c *Conn) SendText(msg string) error {
	if c.State() != Open {
		return ErrNotOpen
	}
	c.writeM.Lock()
	defer c.writeM.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Close sends a close message and shuts the connection. Serve returns once it notices.
func (c *Conn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.state, int32(Open), int32(Closed)) {
		c.setState(Closed)
		return nil
	}
	c.writeM.Lock()
	defer c.writeM.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.Debugf("failed to send close message: %v", err)
	}
	return c.ws.Close()
}

func (c *Conn) shutdown() {
	if atomic.SwapInt32(&c.state, int32(Closed)) == int32(Closed) {
		return
	}
	c.writeM.Lock()
	c.ws.Close()
	c.writeM.Unlock()
}
