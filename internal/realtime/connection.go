package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/protocol"
)

// State is the connection lifecycle position.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Status is the observable connection snapshot.
type Status struct {
	State     State
	Attempt   int
	LastError error
}

// Credentials authenticate the connection. UserID may be left empty when the
// client is configured with an IdentityResolver that can read it from the token.
type Credentials struct {
	Token       string
	UserID      string
	DisplayName string
}

// Identity is the authenticated user behind the connection.
type Identity struct {
	UserID      string
	DisplayName string
}

var timerReconnectKey = timerKey{kind: timerReconnect}
var timerHeartbeatKey = timerKey{kind: timerHeartbeat}
var timerPongKey = timerKey{kind: timerPong}

// Connect starts connecting. It returns once the intent is recorded; progress
// is reported through OnStateChange. Calling Connect while already connecting
// or connected only refreshes the credentials used by the next dial.
func (c *Client) Connect(credentials Credentials) error {
	credentials.Token = strings.TrimSpace(credentials.Token)
	if credentials.Token == "" {
		return ErrMissingToken
	}
	identity, err := c.resolveIdentity(credentials)
	if err != nil {
		return err
	}
	return c.call(func() {
		c.credentials = credentials
		switch c.status.State {
		case StateConnecting, StateConnected, StateReconnecting:
			return
		}
		c.adoptIdentity(identity)
		c.retryingSince = time.Time{}
		c.setStatus(Status{State: StateConnecting})
		c.dial()
	})
}

func (c *Client) resolveIdentity(credentials Credentials) (Identity, error) {
	identity := Identity{
		UserID:      strings.TrimSpace(credentials.UserID),
		DisplayName: strings.TrimSpace(credentials.DisplayName),
	}
	if identity.UserID != "" {
		return identity, nil
	}
	if c.cfg.IdentityResolver == nil {
		return Identity{}, ErrMissingIdentity
	}
	resolved, err := c.cfg.IdentityResolver(credentials.Token)
	if err != nil {
		return Identity{}, &AuthError{Err: err}
	}
	if strings.TrimSpace(resolved.UserID) == "" {
		return Identity{}, ErrMissingIdentity
	}
	if identity.DisplayName != "" {
		resolved.DisplayName = identity.DisplayName
	}
	return resolved, nil
}

// Disconnect stops the connection and reconnection. Pending sends fail with
// ErrDisconnected; subscriptions are kept and rejoined by the next Connect.
func (c *Client) Disconnect() error {
	return c.call(func() {
		c.teardown(ErrDisconnected)
		c.setStatus(Status{State: StateDisconnected})
	})
}

// Status returns the current connection snapshot.
func (c *Client) Status() Status {
	var status Status
	if err := c.call(func() { status = c.status }); err != nil {
		return Status{State: StateDisconnected, LastError: err}
	}
	return status
}

// OnStateChange registers a listener for connection status transitions.
func (c *Client) OnStateChange(listener func(Status)) (unsubscribe func()) {
	return c.listeners.state.add(listener)
}

// Send transmits an arbitrary outbound frame, buffering it while offline.
func (c *Client) Send(envelope protocol.Envelope) error {
	if !envelope.Type.IsOutbound() {
		return fmt.Errorf("%w: %s", protocol.ErrUnknownFrameType, envelope.Type)
	}
	var err error
	if callErr := c.call(func() {
		err = c.transmit(outboundFrame{envelope: envelope})
	}); callErr != nil {
		return callErr
	}
	if errors.Is(err, errFrameDropped) {
		return nil
	}
	return err
}

func (c *Client) setStatus(status Status) {
	if status.State == c.status.State && status.Attempt == c.status.Attempt && status.LastError == c.status.LastError {
		return
	}
	previous := c.status.State
	c.status = status
	c.logger.Debug("connection state changed",
		zap.String("from", string(previous)),
		zap.String("to", string(status.State)),
		zap.Int("attempt", status.Attempt),
	)
	notify(c.dispatch, &c.listeners.state, status)
}

func (c *Client) adoptIdentity(identity Identity) {
	if c.identity.UserID != "" && c.identity.UserID != identity.UserID {
		delete(c.channels, AccountChannel(c.identity.UserID))
	}
	c.identity = identity
	account := AccountChannel(identity.UserID)
	if _, ok := c.channels[account]; !ok {
		c.channels[account] = &channelState{id: account, refCount: 1, pinned: true}
	}
}

func (c *Client) dial() {
	c.generation++
	generation := c.generation
	token := c.credentials.Token
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	c.cancelDial = cancel
	go func() {
		defer cancel()
		conn, err := c.cfg.Transport.Dial(ctx, token)
		if !c.post(func() { c.handleDialed(generation, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (c *Client) handleDialed(generation uint64, conn Conn, err error) {
	if generation != c.generation || (c.status.State != StateConnecting && c.status.State != StateReconnecting) {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	c.cancelDial = nil
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			c.logger.Warn("connection rejected", zap.Error(err))
			c.fail(err)
			return
		}
		c.connectionLost(&TransportError{Op: "dial", Err: err})
		return
	}
	c.conn = conn
	c.retryingSince = time.Time{}
	c.logger.Info("connected", zap.String("user_id", c.identity.UserID))
	c.setStatus(Status{State: StateConnected})
	go c.readLoop(generation, conn)
	c.resync()
	c.flushOutbox()
	c.timers.schedule(timerHeartbeatKey, c.cfg.HeartbeatInterval, c.heartbeat)
}

func (c *Client) readLoop(generation uint64, conn Conn) {
	for {
		data, err := conn.Read()
		if err != nil {
			c.post(func() { c.handleTransportClosed(generation, err) })
			return
		}
		if !c.post(func() { c.handleFrame(generation, data) }) {
			return
		}
	}
}

func (c *Client) handleTransportClosed(generation uint64, err error) {
	if generation != c.generation || c.conn == nil {
		return
	}
	c.connectionLost(&TransportError{Op: "read", Err: err})
}

// connectionLost moves to Reconnecting, or to Failed once the retry window is spent.
func (c *Client) connectionLost(cause error) {
	c.logger.Info("connection lost", zap.Error(cause), zap.Int("attempt", c.status.Attempt))
	c.dropConnection()
	c.requeueInflight()

	now := c.clock.Now()
	if c.retryingSince.IsZero() {
		c.retryingSince = now
	}
	if c.cfg.MaxRetryWindow > 0 && now.Sub(c.retryingSince) >= c.cfg.MaxRetryWindow {
		c.fail(fmt.Errorf("%w: %w", ErrConnectionFailed, cause))
		c.failAllSends(ErrConnectionFailed)
		return
	}
	attempt := 0
	if c.status.State == StateReconnecting {
		attempt = c.status.Attempt
	}
	delay := c.backoff(attempt)
	c.setStatus(Status{State: StateReconnecting, Attempt: attempt + 1, LastError: cause})
	c.timers.schedule(timerReconnectKey, delay, c.dial)
}

func (c *Client) backoff(attempt int) time.Duration {
	return backoffDelay(attempt, c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay) + c.cfg.Jitter(c.cfg.ReconnectJitter)
}

// backoffDelay is min(ceiling, base*2^attempt).
func backoffDelay(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 62 {
		return ceiling
	}
	delay := base << uint(attempt)
	if delay <= 0 || delay > ceiling || delay>>uint(attempt) != base {
		return ceiling
	}
	return delay
}

// fail enters the terminal Failed state. Buffered frames and subscriptions are
// kept so a later Connect can resume.
func (c *Client) fail(cause error) {
	c.dropConnection()
	c.requeueInflight()
	c.timers.cancel(timerReconnectKey)
	c.logger.Warn("connection failed", zap.Error(cause))
	c.setStatus(Status{State: StateFailed, Attempt: c.status.Attempt, LastError: cause})
}

// dropConnection releases the transport and everything that only exists while connected.
func (c *Client) dropConnection() {
	c.generation++
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("closing connection", zap.Error(err))
		}
		c.conn = nil
	}
	c.timers.cancel(timerHeartbeatKey)
	c.timers.cancel(timerPongKey)
	c.timers.cancelKind(timerJoinRetry)
	c.markChannelsUnjoined()
	c.resetPresence()
}

// teardown is the explicit stop shared by Disconnect and Close.
func (c *Client) teardown(cause error) {
	c.dropConnection()
	c.timers.cancel(timerReconnectKey)
	c.failAllSends(cause)
	c.outbox.clear()
	if c.identity.UserID != "" {
		delete(c.channels, AccountChannel(c.identity.UserID))
	}
	c.retryingSince = time.Time{}
}

// resync rejoins the desired membership after a (re)connect.
func (c *Client) resync() {
	ids := make([]ChannelID, 0, len(c.channels))
	for id, channel := range c.channels {
		if channel.refCount > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		left, right := c.channels[ids[i]], c.channels[ids[j]]
		if left.pinned != right.pinned {
			return left.pinned
		}
		return ids[i] < ids[j]
	})
	for _, id := range ids {
		c.joinChannel(c.channels[id])
	}
	sessionIDs := make([]string, 0, len(c.sessions))
	for sessionID := range c.sessions {
		sessionIDs = append(sessionIDs, sessionID)
	}
	sort.Strings(sessionIDs)
	for _, sessionID := range sessionIDs {
		c.sendSessionJoin(sessionID, c.sessions[sessionID].courseID)
	}
}

func (c *Client) flushOutbox() {
	for _, frame := range c.outbox.drain() {
		if frame.tempID != "" {
			send, ok := c.pending[frame.tempID]
			if !ok {
				continue
			}
			if err := c.transmitSend(send); err != nil {
				c.failSend(send, err)
			}
			continue
		}
		if err := c.transmit(frame); err != nil && !errors.Is(err, errFrameDropped) {
			c.logger.Warn("dropping buffered frame", zap.String("type", frame.envelope.Type.String()), zap.Error(err))
		}
	}
}

// transmit writes the frame when connected and buffers it otherwise.
func (c *Client) transmit(frame outboundFrame) error {
	if c.status.State == StateConnected && c.conn != nil {
		err := c.write(frame.envelope)
		if err == nil {
			return nil
		}
		c.logger.Debug("write failed, buffering frame", zap.String("type", frame.envelope.Type.String()), zap.Error(err))
	}
	return c.outbox.push(frame)
}

// writeNow writes only when connected; nothing is buffered.
func (c *Client) writeNow(envelope protocol.Envelope) bool {
	if c.status.State != StateConnected || c.conn == nil {
		return false
	}
	if err := c.write(envelope); err != nil {
		c.logger.Debug("write failed", zap.String("type", envelope.Type.String()), zap.Error(err))
		return false
	}
	return true
}

func (c *Client) write(envelope protocol.Envelope) error {
	data, err := protocol.Encode(envelope)
	if err != nil {
		return err
	}
	return c.conn.Write(data)
}

func (c *Client) heartbeat() {
	if c.status.State != StateConnected {
		return
	}
	c.pingCounter++
	envelope, err := protocol.NewEnvelope(protocol.TypePing, protocol.Ping{Nonce: strconv.FormatUint(c.pingCounter, 10)})
	if err == nil && c.writeNow(envelope) && !c.timers.pending(timerPongKey) {
		c.timers.schedule(timerPongKey, c.cfg.PongTimeout, c.handlePongTimeout)
	}
	c.timers.schedule(timerHeartbeatKey, c.cfg.HeartbeatInterval, c.heartbeat)
}

func (c *Client) handlePong() {
	c.timers.cancel(timerPongKey)
}

func (c *Client) handlePongTimeout() {
	if c.status.State != StateConnected {
		return
	}
	c.logger.Warn("heartbeat timed out", zap.Duration("pong_timeout", c.cfg.PongTimeout))
	c.connectionLost(&TransportError{Op: "heartbeat", Err: ErrHeartbeatTimeout})
}
