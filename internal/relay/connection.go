// Package relay maintains resilient WebSocket sessions to relay backends
// and routes UI commands to the cube each one fronts.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/codewiresh/codewire/internal/protocol"
)

// ConnState is a RelayConnection's position in its Stopped -> Connecting ->
// Connected -> Stopped lifecycle.
type ConnState int

const (
	Stopped ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "stopped"
	}
}

// MessageHandler receives a parsed inbound relay message.
type MessageHandler func(protocol.RelayInbound)

// StatusHandler receives a state transition and a short human tag.
type StatusHandler func(state ConnState, message string)

// ConnectionOptions configures one RelayConnection.
type ConnectionOptions struct {
	RelayID        string
	URI            string
	ReconnectDelay time.Duration
}

// Connection is one resilient WebSocket client to one relay. All state
// transitions and all access to its mutable fields are confined to a single
// goroutine (the "strand") reached only by posting closures through
// actions; this is the Go analogue of an asio::strand and is what makes the
// rest of the type lock-free. The blocking dial, read and write calls run
// on helper goroutines that post their results back to the strand.
type Connection struct {
	opts            ConnectionOptions
	onMessage       MessageHandler
	onStatus        StatusHandler
	parsedHost      string
	parsedPort      string
	parsedTarget    string

	actions chan func()
	done    chan struct{}

	// strand-owned fields — touched only inside the run() loop or closures
	// posted to actions.
	state     ConnState
	stopping  bool
	conn      *websocket.Conn
	connCtx   context.Context
	connStop  context.CancelFunc
	outbound  [][]byte
	writing   bool
	generation uint64 // invalidates stray completions from a prior connection
}

// NewConnection creates a RelayConnection for the given relay. It does not
// connect until Start is called.
func NewConnection(opts ConnectionOptions) (*Connection, error) {
	host, port, target, err := parseRelayURI(opts.URI)
	if err != nil {
		return nil, err
	}
	return &Connection{
		opts:         opts,
		parsedHost:   host,
		parsedPort:   port,
		parsedTarget: target,
		actions:      make(chan func(), 64),
		done:         make(chan struct{}),
		state:        Stopped,
	}, nil
}

// SetMessageHandler installs the callback invoked for each inbound relay
// message. Must be called before Start.
func (c *Connection) SetMessageHandler(h MessageHandler) { c.onMessage = h }

// SetStatusHandler installs the callback invoked on every state transition.
// Must be called before Start.
func (c *Connection) SetStatusHandler(h StatusHandler) { c.onStatus = h }

// RelayID returns the id this connection was configured with.
func (c *Connection) RelayID() string { return c.opts.RelayID }

// Start begins the strand goroutine and kicks off the first connection
// attempt. ctx bounds the connection's entire lifetime; cancelling it is
// equivalent to calling Stop.
func (c *Connection) Start(ctx context.Context) {
	go c.run(ctx)
	c.post(func() {
		if c.state == Connecting || c.state == Connected {
			return
		}
		c.doConnect(ctx)
	})
}

// Stop cancels any in-flight I/O, discards the outbound queue, and halts
// reconnection attempts.
func (c *Connection) Stop() {
	done := make(chan struct{})
	c.post(func() {
		c.stopping = true
		if c.connStop != nil {
			c.connStop()
		}
		if c.conn != nil {
			c.conn.Close(websocket.StatusNormalClosure, "")
			c.conn = nil
		}
		c.state = Stopped
		c.outbound = nil
		close(done)
	})
	select {
	case <-done:
	case <-c.done:
	}
}

// Send enqueues a message for delivery. While not Connected the message is
// dropped silently — the relay will be re-bootstrapped on reconnect.
func (c *Connection) Send(msg protocol.RelayOutbound) {
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("relay connection: failed to marshal outbound message", "relay_id", c.opts.RelayID, "err", err)
		return
	}
	c.post(func() {
		if c.state != Connected {
			return
		}
		c.outbound = append(c.outbound, payload)
		if !c.writing {
			c.writing = true
			c.doSend()
		}
	})
}

// post queues a closure onto the strand. It never blocks the caller for
// long: the channel is buffered, and a full channel indicates the strand is
// stuck, which is a bug worth surfacing via the blocking send rather than
// silently dropping state-machine transitions.
func (c *Connection) post(fn func()) {
	select {
	case c.actions <- fn:
	case <-c.done:
	}
}

func (c *Connection) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case fn := <-c.actions:
			fn()
			if c.stopping {
				return
			}
		case <-ctx.Done():
			c.stopping = true
			if c.connStop != nil {
				c.connStop()
			}
			return
		}
	}
}

func (c *Connection) notifyStatus(state ConnState, message string) {
	c.state = state
	if c.onStatus != nil {
		c.onStatus(state, message)
	}
}

func (c *Connection) doConnect(parentCtx context.Context) {
	c.generation++
	gen := c.generation
	connCtx, cancel := context.WithCancel(parentCtx)
	c.connCtx = connCtx
	c.connStop = cancel

	c.notifyStatus(Connecting, "resolving")

	target := fmt.Sprintf("ws://%s:%s%s", c.parsedHost, c.parsedPort, c.parsedTarget)
	go func() {
		conn, _, err := websocket.Dial(connCtx, target, nil)
		c.post(func() {
			if gen != c.generation || c.stopping {
				if err == nil && conn != nil {
					conn.Close(websocket.StatusNormalClosure, "")
				}
				return
			}
			if err != nil {
				c.fail("connect", err)
				return
			}
			c.conn = conn
			c.notifyStatus(Connected, "connected")
			c.startReadLoop(gen)
			if len(c.outbound) > 0 && !c.writing {
				c.writing = true
				c.doSend()
			}
		})
	}()
}

func (c *Connection) startReadLoop(gen uint64) {
	conn := c.conn
	ctx := c.connCtx
	go func() {
		for {
			msgType, data, err := conn.Read(ctx)
			if err != nil {
				c.post(func() {
					if gen != c.generation || c.stopping {
						return
					}
					if isNormalClose(err) {
						c.notifyStatus(Stopped, "closed by remote")
						c.scheduleReconnectLocked(ctx)
						return
					}
					c.fail("read", err)
				})
				return
			}
			if msgType != websocket.MessageText {
				continue
			}
			var inbound protocol.RelayInbound
			if err := json.Unmarshal(data, &inbound); err != nil {
				slog.Warn("relay connection: failed to parse relay JSON", "relay_id", c.opts.RelayID, "err", err)
				continue
			}
			if c.onMessage != nil {
				c.onMessage(inbound)
			}
		}
	}()
}

func (c *Connection) doSend() {
	if len(c.outbound) == 0 {
		c.writing = false
		return
	}
	payload := c.outbound[0]
	conn := c.conn
	ctx := c.connCtx
	gen := c.generation
	go func() {
		err := conn.Write(ctx, websocket.MessageText, payload)
		c.post(func() {
			if gen != c.generation || c.stopping {
				return
			}
			if err != nil {
				c.fail("write", err)
				return
			}
			c.outbound = c.outbound[1:]
			c.doSend()
		})
	}()
}

func (c *Connection) fail(where string, err error) {
	slog.Warn("relay connection error", "relay_id", c.opts.RelayID, "where", where, "err", err)
	if c.conn != nil {
		c.conn.Close(websocket.StatusAbnormalClosure, where+" error")
		c.conn = nil
	}
	// Invalidate pending completions of the failed connection and let the
	// next connection restart the write loop for whatever is still queued.
	c.generation++
	c.writing = false
	c.notifyStatus(Stopped, where+" error")
	if !c.stopping {
		c.scheduleReconnectLocked(c.connCtx)
	}
}

func (c *Connection) scheduleReconnectLocked(parentCtx context.Context) {
	delay := c.opts.ReconnectDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	gen := c.generation
	time.AfterFunc(delay, func() {
		c.post(func() {
			if gen != c.generation || c.stopping {
				return
			}
			c.doConnect(context.Background())
		})
	})
}

func isNormalClose(err error) bool {
	return websocket.CloseStatus(err) == websocket.StatusNormalClosure
}

// parseRelayURI parses "ws://host[:port][/target]" into its parts, defaulting
// the port to 80 and the target to "/". wss:// is explicitly unsupported.
func parseRelayURI(raw string) (host, port, target string, err error) {
	if strings.HasPrefix(raw, "wss://") {
		return "", "", "", fmt.Errorf("relay %q: wss:// relays are not supported", raw)
	}
	if !strings.HasPrefix(raw, "ws://") {
		return "", "", "", fmt.Errorf("relay URI must start with ws://, got %q", raw)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid relay URI %q: %w", raw, err)
	}

	host = u.Hostname()
	port = u.Port()
	if port == "" {
		port = "80"
	} else if _, convErr := strconv.Atoi(port); convErr != nil {
		return "", "", "", fmt.Errorf("invalid port in relay URI %q", raw)
	}

	target = u.EscapedPath()
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}
	return host, port, target, nil
}
