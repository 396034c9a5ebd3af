package transport

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
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/realtime"
)

const (
	defaultWriteTimeout  = 10 * time.Second
	defaultSendQueueSize = 64
	defaultMaxFrameBytes = 1 << 20
	closeGracePeriod     = time.Second
)

var (
	// ErrMissingURL indicates the websocket endpoint was not configured.
	ErrMissingURL = errors.New("transport: websocket url required")
	// ErrUnsupportedScheme indicates the endpoint is not ws, wss, http or https.
	ErrUnsupportedScheme = errors.New("transport: unsupported url scheme")
	// ErrConnectionClosed is returned by writes after Close.
	ErrConnectionClosed = errors.New("transport: connection closed")
	// ErrSendQueueFull indicates the writer could not keep up.
	ErrSendQueueFull = errors.New("transport: send queue full")
)

// Config configures the websocket transport.
type Config struct {
	URL           string
	Logger        *zap.Logger
	WriteTimeout  time.Duration
	SendQueueSize int
	MaxFrameBytes int64
	Dialer        *websocket.Dialer
}

// WebSocket dials the realtime endpoint with a bearer token.
type WebSocket struct {
	endpoint      string
	logger        *zap.Logger
	writeTimeout  time.Duration
	sendQueueSize int
	maxFrameBytes int64
	dialer        *websocket.Dialer
}

// New validates the configuration.
func New(cfg Config) (*WebSocket, error) {
	endpoint, err := normalizeEndpoint(cfg.URL)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	queueSize := cfg.SendQueueSize
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	maxFrameBytes := cfg.MaxFrameBytes
	if maxFrameBytes <= 0 {
		maxFrameBytes = defaultMaxFrameBytes
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &WebSocket{
		endpoint:      endpoint,
		logger:        logger,
		writeTimeout:  writeTimeout,
		sendQueueSize: queueSize,
		maxFrameBytes: maxFrameBytes,
		dialer:        dialer,
	}, nil
}

func normalizeEndpoint(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrMissingURL
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("transport: parse url: %w", err)
	}
	switch parsed.Scheme {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, parsed.Scheme)
	}
	return parsed.String(), nil
}

// Dial performs the authenticated handshake. A 401 or 403 response is
// reported as *realtime.AuthError so the client does not retry it.
func (w *WebSocket) Dial(ctx context.Context, token string) (realtime.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, response, err := w.dialer.DialContext(ctx, w.endpoint, header)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		if response != nil && (response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden) {
			return nil, &realtime.AuthError{StatusCode: response.StatusCode, Err: err}
		}
		return nil, err
	}
	ws.SetReadLimit(w.maxFrameBytes)

	conn := &connection{
		ws:           ws,
		send:         make(chan []byte, w.sendQueueSize),
		done:         make(chan struct{}),
		writeTimeout: w.writeTimeout,
		logger:       w.logger,
	}
	go conn.writePump()
	return conn, nil
}

// connection owns the socket's single writer goroutine.
type connection struct {
	ws           *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	logger       *zap.Logger
}

func (c *connection) Read() ([]byte, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *connection) Write(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendQueueFull
	}
}

func (c *connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeGracePeriod))
		err = c.ws.Close()
	})
	return err
}

func (c *connection) writePump() {
	for {
		select {
		case frame := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.abort(err)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.abort(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connection) abort(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	c.logger.Info("websocket write failed", zap.Error(err))
	_ = c.Close()
}
