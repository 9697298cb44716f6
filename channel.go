package voicesession

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bt-bridge/voice-session/shared"
)

// MessageHandler receives every decoded inbound event, in arrival order.
type MessageHandler func(msg *ControlMessage)

type ChannelState int

const (
	ChannelIdle ChannelState = iota
	ChannelConnecting
	ChannelOpen
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelIdle:
		return "idle"
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const channelWriteTimeout = 5 * time.Second

// Channel owns one bidirectional WebSocket connection to the agent endpoint.
// It multiplexes inbound JSON control events and binary audio frames into a
// single handler and carries outbound audio and control frames. A Channel is
// single-use: once closed it is never redialed, reconnection means a new
// instance.
type Channel struct {
	logger   shared.LoggerAdapter
	endpoint string
	dialer   *websocket.Dialer
	id       string

	mu      sync.Mutex
	writeMu sync.Mutex // serializes WebSocket writes
	conn    *websocket.Conn
	state   ChannelState
	handler MessageHandler

	connected chan struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewChannel(ctx context.Context, logger shared.LoggerAdapter, endpoint string, handshakeTimeout time.Duration) (*Channel, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("endpoint scheme must be ws or wss, got %q", u.Scheme)
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout

	ctx, cancel := context.WithCancelCause(ctx)
	id := uuid.NewString()
	return &Channel{
		logger:    logger.With(zap.String("channel_id", id)),
		endpoint:  endpoint,
		dialer:    &dialer,
		id:        id,
		state:     ChannelIdle,
		connected: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func (c *Channel) ID() string {
	return c.id
}

func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected is closed once the transport reports ready.
func (c *Channel) Connected() <-chan struct{} {
	return c.connected
}

// Done is closed when the channel shuts down, whether by Disconnect or by a
// transport failure.
func (c *Channel) Done() <-chan struct{} {
	return c.ctx.Done()
}

// RegisterMessageHandler registers the single handler that receives every
// decoded inbound event. It must be called before Connect and exactly once.
func (c *Channel) RegisterMessageHandler(handler MessageHandler) error {
	if handler == nil {
		return shared.ErrNoHandler
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler != nil {
		return shared.ErrHandlerAlreadySet
	}
	if c.state != ChannelIdle {
		return shared.ErrAlreadyConnected
	}
	c.handler = handler
	return nil
}

// Connect opens the transport. Calling Connect while another attempt is in
// flight, or while the channel is already open or spent, is rejected without
// side effects.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case ChannelConnecting:
		c.mu.Unlock()
		return shared.ErrAlreadyConnecting
	case ChannelOpen:
		c.mu.Unlock()
		return shared.ErrAlreadyConnected
	case ChannelClosed:
		c.mu.Unlock()
		return shared.ErrChannelClosed
	}
	if c.handler == nil {
		c.mu.Unlock()
		return shared.ErrNoHandler
	}
	c.state = ChannelConnecting
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.mu.Lock()
		c.state = ChannelClosed
		c.mu.Unlock()
		c.cancel(fmt.Errorf("dial: %w", err))
		return fmt.Errorf("%w: %v", shared.ErrConnect, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = ChannelOpen
	c.mu.Unlock()
	close(c.connected)
	c.logger.Info("channel open", zap.String("endpoint", c.endpoint))

	go c.readLoop(conn)
	return nil
}

// readLoop delivers inbound frames to the handler in arrival order. It owns
// the read side of the connection and exits when the transport fails or the
// channel is disconnected.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			wasOpen := c.state == ChannelOpen
			c.state = ChannelClosed
			c.mu.Unlock()
			if wasOpen {
				c.logger.Warn("channel read failed", zap.Error(err))
			}
			c.cancel(fmt.Errorf("read: %w", err))
			return
		}

		var msg *ControlMessage
		switch messageType {
		case websocket.TextMessage:
			msg, err = DecodeControlMessage(data)
			if err != nil {
				// Malformed frame: skip it, keep the channel.
				c.logger.Warn("dropping undecodable frame",
					zap.Error(err),
					zap.ByteString("data", data),
				)
				continue
			}
		case websocket.BinaryMessage:
			msg = NewAudioBlobMessage(data)
		default:
			continue
		}

		if !msg.Known() {
			c.logger.Warn("inbound event with unknown tag", zap.String("type", string(msg.Type)))
		} else {
			c.logger.Trace("inbound event", zap.String("type", string(msg.Type)))
		}
		c.handler(msg)
	}
}

// Send transmits one outbound audio chunk. Audio arrives on a timer
// independent of connection state, so Send never fails: when the channel is
// not open the chunk is dropped with a logged warning.
func (c *Channel) Send(chunk []byte) {
	c.mu.Lock()
	conn := c.conn
	open := c.state == ChannelOpen
	c.mu.Unlock()
	if !open || conn == nil {
		c.logger.Warn("dropping outbound audio, channel not open",
			zap.Int("bytes", len(chunk)),
		)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(channelWriteTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		c.logger.Warn("writing audio frame failed", zap.Error(err))
	}
}

// SendInterrupt transmits the control frame signaling the agent to stop
// speaking.
func (c *Channel) SendInterrupt() error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == ChannelOpen
	c.mu.Unlock()
	if !open || conn == nil {
		c.logger.Warn("interrupt not sent, channel not open")
		return nil
	}

	frame, err := EncodeInterruptFrame()
	if err != nil {
		return fmt.Errorf("encoding interrupt frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(channelWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("writing interrupt frame: %w", err)
	}
	return nil
}

// Disconnect closes the transport. It is idempotent and safe to call from
// any state.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if c.state == ChannelClosed {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.conn = nil
	c.state = ChannelClosed
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(channelWriteTimeout),
		)
		c.writeMu.Unlock()
		if err := conn.Close(); err != nil {
			c.logger.Warn("closing connection failed", zap.Error(err))
		}
	}
	c.cancel(errors.New("channel disconnected"))
	c.logger.Info("channel closed")
	return nil
}
