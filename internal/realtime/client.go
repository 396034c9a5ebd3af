package realtime

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/protocol"
)

const (
	defaultReconnectBaseDelay = 500 * time.Millisecond
	defaultReconnectMaxDelay  = 30 * time.Second
	defaultReconnectJitter    = 250 * time.Millisecond
	defaultHandshakeTimeout   = 10 * time.Second
	defaultHeartbeatInterval  = 25 * time.Second
	defaultPongTimeout        = 10 * time.Second
	defaultAckTimeout         = 10 * time.Second
	defaultMaxSendAttempts    = 3
	defaultOutboxCapacity     = 256
	defaultLeaveGrace         = 300 * time.Millisecond
	defaultTypingIdle         = 2 * time.Second
	defaultTypingLiveness     = 6 * time.Second
	defaultTypingSweep        = time.Second
	defaultMessageRetention   = 500

	eventQueueSize = 256
)

// Transport opens authenticated connections to the realtime endpoint.
type Transport interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Conn is one open connection. Read blocks until a frame arrives or the
// connection ends. Write must not block: implementations queue the frame and
// return an error when they cannot.
type Conn interface {
	Read() ([]byte, error)
	Write(frame []byte) error
	Close() error
}

// Config wires collaborators and tunables. Zero durations and counts fall back
// to defaults, except MaxRetryWindow: zero keeps reconnecting until Disconnect.
type Config struct {
	Transport        Transport
	Logger           *zap.Logger
	Clock            Clock
	Store            NotificationStore
	IdentityResolver func(token string) (Identity, error)
	NewTempID        func() (string, error)
	Jitter           func(limit time.Duration) time.Duration

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	ReconnectJitter    time.Duration
	MaxRetryWindow     time.Duration
	HandshakeTimeout   time.Duration
	HeartbeatInterval  time.Duration
	PongTimeout        time.Duration
	AckTimeout         time.Duration
	MaxSendAttempts    int
	OutboxCapacity     int
	LeaveGrace         time.Duration
	TypingIdle         time.Duration
	TypingLiveness     time.Duration
	TypingSweep        time.Duration
	MessageRetention   int
}

func (cfg Config) withDefaults() Config {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Store == nil {
		cfg.Store = nopNotificationStore{}
	}
	if cfg.NewTempID == nil {
		cfg.NewTempID = newTempID
	}
	if cfg.Jitter == nil {
		cfg.Jitter = randomJitter
	}
	durations := []struct {
		value    *time.Duration
		fallback time.Duration
	}{
		{&cfg.ReconnectBaseDelay, defaultReconnectBaseDelay},
		{&cfg.ReconnectMaxDelay, defaultReconnectMaxDelay},
		{&cfg.HandshakeTimeout, defaultHandshakeTimeout},
		{&cfg.HeartbeatInterval, defaultHeartbeatInterval},
		{&cfg.PongTimeout, defaultPongTimeout},
		{&cfg.AckTimeout, defaultAckTimeout},
		{&cfg.LeaveGrace, defaultLeaveGrace},
		{&cfg.TypingIdle, defaultTypingIdle},
		{&cfg.TypingLiveness, defaultTypingLiveness},
		{&cfg.TypingSweep, defaultTypingSweep},
	}
	for _, entry := range durations {
		if *entry.value <= 0 {
			*entry.value = entry.fallback
		}
	}
	if cfg.MaxRetryWindow < 0 {
		cfg.MaxRetryWindow = 0
	}
	if cfg.ReconnectJitter < 0 {
		cfg.ReconnectJitter = 0
	} else if cfg.ReconnectJitter == 0 {
		cfg.ReconnectJitter = defaultReconnectJitter
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectBaseDelay {
		cfg.ReconnectMaxDelay = cfg.ReconnectBaseDelay
	}
	if cfg.MaxSendAttempts <= 0 {
		cfg.MaxSendAttempts = defaultMaxSendAttempts
	}
	if cfg.OutboxCapacity <= 0 {
		cfg.OutboxCapacity = defaultOutboxCapacity
	}
	if cfg.MessageRetention <= 0 {
		cfg.MessageRetention = defaultMessageRetention
	}
	return cfg
}

func newTempID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit) + 1))
}

type listeners struct {
	state        listenerSet[Status]
	frame        listenerSet[protocol.Envelope]
	typing       listenerSet[TypingEvent]
	participants listenerSet[ParticipantEvent]
	messages     listenerSet[MessagesEvent]
	sendFailed   listenerSet[*SendError]
	notification listenerSet[NotificationEvent]
	unread       listenerSet[int]
	interaction  listenerSet[Interaction]
}

// Client multiplexes channels over one realtime connection. All state is owned
// by a single event-loop goroutine; exported methods hand work to that loop and
// wait for it to be applied, never for the network.
type Client struct {
	cfg    Config
	logger *zap.Logger
	clock  Clock

	events    chan func()
	closed    chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	dispatch  *dispatcher
	timers    *scheduler
	listeners listeners

	// connection
	status        Status
	credentials   Credentials
	identity      Identity
	conn          Conn
	generation    uint64
	cancelDial    context.CancelFunc
	retryingSince time.Time
	pingCounter   uint64
	outbox        *outbox
	pending       map[string]*pendingSend
	pendingOrder  []string

	// registry
	channels         map[ChannelID]*channelState
	subscriptions    map[uint64]*Subscription
	nextSubscription uint64

	// presence
	typing       map[ChannelID]map[string]TypingUser
	localTyping  map[ChannelID]bool
	participants map[string]int

	// stream
	streams    map[ChannelID]*messageLog
	arrivalSeq uint64

	unread   int
	sessions map[string]*sessionState
}

// NewClient starts the event loop. Call Close to stop it.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, ErrMissingTransport
	}
	cfg = cfg.withDefaults()
	client := &Client{
		cfg:           cfg,
		logger:        cfg.Logger,
		clock:         cfg.Clock,
		events:        make(chan func(), eventQueueSize),
		closed:        make(chan struct{}),
		stopped:       make(chan struct{}),
		dispatch:      newDispatcher(cfg.Logger),
		status:        Status{State: StateDisconnected},
		outbox:        newOutbox(cfg.OutboxCapacity),
		pending:       make(map[string]*pendingSend),
		channels:      make(map[ChannelID]*channelState),
		subscriptions: make(map[uint64]*Subscription),
		typing:        make(map[ChannelID]map[string]TypingUser),
		localTyping:   make(map[ChannelID]bool),
		participants:  make(map[string]int),
		streams:       make(map[ChannelID]*messageLog),
		sessions:      make(map[string]*sessionState),
	}
	client.timers = newScheduler(cfg.Clock, client.post)
	go client.dispatch.run()
	go client.run()
	return client, nil
}

// Close disconnects, stops the loop and waits for queued listener callbacks.
// It must not be called from inside a listener.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		_ = c.call(func() {
			c.teardown(ErrClientClosed)
			c.timers.cancelAll()
		})
		close(c.closed)
		<-c.stopped
		c.dispatch.close()
	})
	return nil
}

func (c *Client) run() {
	defer close(c.stopped)
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.closed:
			return
		}
	}
}

func (c *Client) post(fn func()) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.events <- fn:
		return true
	case <-c.closed:
		return false
	}
}

// call runs fn on the loop and waits until it has been applied.
func (c *Client) call(fn func()) error {
	done := make(chan struct{})
	if !c.post(func() {
		defer close(done)
		fn()
	}) {
		return ErrClientClosed
	}
	select {
	case <-done:
		return nil
	case <-c.stopped:
		return ErrClientClosed
	}
}

func (c *Client) handleFrame(generation uint64, data []byte) {
	if generation != c.generation || c.conn == nil {
		return
	}
	envelope, err := protocol.Decode(data, protocol.Type.IsInbound)
	if err != nil {
		c.logger.Warn("dropping inbound frame", zap.Error(&ProtocolError{Frame: envelope.Type, Err: err}))
		return
	}
	notify(c.dispatch, &c.listeners.frame, envelope)

	switch envelope.Type {
	case protocol.TypeMessageNew:
		err = c.handleMessageNew(envelope)
	case protocol.TypeMessageAck:
		err = c.handleMessageAck(envelope)
	case protocol.TypeTypingUpdate:
		err = c.handleTypingUpdate(envelope)
	case protocol.TypePresenceCount:
		err = c.handlePresenceCount(envelope)
	case protocol.TypeNotificationPush:
		err = c.handleNotificationPush(envelope)
	case protocol.TypeSessionInteraction:
		err = c.handleSessionInteraction(envelope)
	case protocol.TypePong:
		c.handlePong()
	}
	if err != nil {
		c.logger.Warn("dropping inbound frame", zap.Error(&ProtocolError{Frame: envelope.Type, Err: err}))
	}
}

// OnFrame registers a listener for every well-formed inbound frame, before it
// is routed to its component.
func (c *Client) OnFrame(listener func(protocol.Envelope)) (unsubscribe func()) {
	return c.listeners.frame.add(listener)
}
