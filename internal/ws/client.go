package ws

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Limits bounds what a single client may send.
type Limits struct {
	MaxMessageSize int64
	RateBurst      int
	RateInterval   time.Duration
}

// Client is one websocket connection. Outbound frames go through an unbounded
// queue drained by writePump, so emitting never blocks the caller.
type Client struct {
	id      string
	conn    *websocket.Conn
	info    ConnInfo
	limits  Limits
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	mu        sync.Mutex
	queue     [][]byte
	closed    bool
	closeCode int
	closeText string
	notify    chan struct{}
	done      chan struct{}
}

func newClient(conn *websocket.Conn, info ConnInfo, limits Limits, logger *zap.SugaredLogger) *Client {
	if conn != nil && limits.MaxMessageSize > 0 {
		conn.SetReadLimit(limits.MaxMessageSize)
	}
	var limiter *rate.Limiter
	if limits.RateBurst > 0 && limits.RateInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(limits.RateInterval/time.Duration(limits.RateBurst)), limits.RateBurst)
	}
	return &Client{
		id:        info.ConnID,
		conn:      conn,
		info:      info,
		limits:    limits,
		limiter:   limiter,
		logger:    logger.With("socket_id", info.ConnID),
		closeCode: websocket.CloseNormalClosure,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// ID returns the socket id.
func (c *Client) ID() string {
	return c.id
}

// Info returns the connection metadata.
func (c *Client) Info() ConnInfo {
	return c.info
}

// enqueue appends frame to the outbound queue. It reports false once the
// client is closed.
func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.queue = append(c.queue, frame)
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

func (c *Client) drain() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := c.queue
	c.queue = nil
	return frames
}

// Close stops accepting frames; writePump flushes what is queued, sends a
// normal close frame and closes the connection.
func (c *Client) Close() {
	c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith is Close with an explicit close code and reason.
func (c *Client) CloseWith(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeText = text
	close(c.done)
}

// readPump reads frames until the connection fails and hands each accepted
// frame to handle. It returns the reason the loop ended.
func (c *Client) readPump(handle func(raw []byte)) string {
	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return c.readErrorReason(err)
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.logger.Warnw("rate limit exceeded, discarding frame", "burst", c.limits.RateBurst, "interval", c.limits.RateInterval)
			continue
		}
		handle(raw)
	}
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debugw("error setting read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (c *Client) readErrorReason(err error) string {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warnw("frame exceeded maximum size", "max_bytes", c.limits.MaxMessageSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.logger.Debugw("client disconnected", "reason", err)
	case errors.Is(err, io.EOF):
		c.logger.Debugw("connection closed", "reason", err)
	default:
		c.logger.Infow("websocket read error", "error", err)
	}
	return err.Error()
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.notify:
			if !c.writeQueued() {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debugw("error writing ping", "error", err)
				return
			}
		case <-c.done:
			if c.writeQueued() {
				c.mu.Lock()
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
				c.mu.Unlock()
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			}
			return
		}
	}
}

func (c *Client) writeQueued() bool {
	for _, frame := range c.drain() {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			c.logger.Debugw("error setting write deadline", "error", err)
			return false
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.logger.Debugw("error writing frame", "error", err)
			return false
		}
	}
	return true
}
