package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

const (
	defaultConnectTimeout    = 5 * time.Second
	defaultRequestTimeout    = 5 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultReconnectInterval = 2 * time.Second
	maxReconnectInterval     = 2 * time.Minute

	// maxFrameSize bounds a single JSON line from the engine.
	maxFrameSize = 64 * 1024

	// eventQueueSize bounds events waiting for the callback. A single
	// worker drains the queue so events reach the callback in the order
	// the engine sent them.
	eventQueueSize = 100
)

// ClientConfig holds engine IPC settings.
type ClientConfig struct {
	// Address is "host:port" for TCP or "unix:///path" for a Unix socket.
	Address string

	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	ReconnectInterval time.Duration
}

// ClientStats holds operational statistics.
type ClientStats struct {
	RequestsTx      uint64
	ResponsesRx     uint64
	EventsRx        uint64
	EventsDropped   uint64 // dropped because the event queue was full
	ErrorsTotal     uint64
	ReconnectsTotal uint64
	LastActivity    time.Time
	Connected       bool
}

// Logger is the logging interface used by this package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Requester is the request/event surface of the engine used by WemoAdapter.
type Requester interface {
	Call(ctx context.Context, op string, args, result any) error
	SetOnEvent(callback func(Event))
}

var _ Requester = (*Client)(nil)

type response struct {
	frame frame
	err   error
}

// Client is a newline-delimited JSON connection to the device engine.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Event callbacks run one at a time, in arrival order, on a single
//     worker behind a bounded queue; when the queue is full new events are
//     dropped and counted.
//
// Connection Management:
//   - Start launches a background loop that dials, reads, and on failure
//     redials with 1.5x backoff up to maxReconnectInterval.
//   - Requests made while disconnected fail fast with ErrNotConnected.
type Client struct {
	cfg     ClientConfig
	network string
	address string

	connMu    sync.RWMutex
	conn      net.Conn
	connected bool
	writeMu   sync.Mutex

	nextID    atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan response

	onEvent    func(Event)
	callbackMu sync.RWMutex
	eventQueue chan Event

	started atomic.Bool
	done    *closeOnce
	wg      sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	requestsTx      atomic.Uint64
	responsesRx     atomic.Uint64
	eventsRx        atomic.Uint64
	eventsDropped   atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64
}

// NewClient creates a client. No connection is made until Start.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}

	network, address, err := parseAddress(cfg.Address)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:        cfg,
		network:    network,
		address:    address,
		pending:    make(map[uint64]chan response),
		eventQueue: make(chan Event, eventQueueSize),
		done:       newCloseOnce(),
	}, nil
}

// parseAddress accepts "host:port", "tcp://host:port" or "unix:///path".
func parseAddress(addr string) (network, address string, err error) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		path := strings.TrimPrefix(addr, "unix://")
		if path == "" {
			return "", "", fmt.Errorf("engine address %q: empty socket path", addr)
		}
		return "unix", path, nil
	case strings.HasPrefix(addr, "tcp://"):
		addr = strings.TrimPrefix(addr, "tcp://")
	}

	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", "", fmt.Errorf("engine address %q: %w", addr, err)
	}
	return "tcp", addr, nil
}

// Start launches the connection loop and the event worker. It returns
// immediately; use WaitConnected to block until the first connection.
func (c *Client) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}

	c.wg.Add(1)
	go c.eventWorker()

	c.wg.Add(1)
	go c.connectLoop()
}

// WaitConnected blocks until the client is connected or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for !c.IsConnected() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrNotConnected, ctx.Err())
		case <-c.done.Done():
			return ErrClosed
		case <-ticker.C:
		}
	}
	return nil
}

// connectLoop dials, serves the connection until it fails, then redials.
func (c *Client) connectLoop() {
	defer c.wg.Done()

	backoff := c.cfg.ReconnectInterval
	everConnected := false

	for !c.isClosed() {
		conn, err := c.dial()
		if err != nil {
			c.errorsTotal.Add(1)
			c.logWarn("engine dial failed", "address", c.cfg.Address, "error", err, "retry_in", backoff.String())

			select {
			case <-c.done.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(time.Duration(float64(backoff)*1.5), maxReconnectInterval)
			continue
		}

		backoff = c.cfg.ReconnectInterval
		if everConnected {
			c.reconnectsTotal.Add(1)
		}
		everConnected = true

		c.setConn(conn)
		c.logInfo("engine connected", "address", c.cfg.Address)

		err = c.readLoop(conn)

		c.dropConn(conn)
		if c.isClosed() {
			return
		}
		c.errorsTotal.Add(1)
		c.logWarn("engine connection lost", "error", err)
	}
}

func (c *Client) dial() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", c.network, c.address, err)
	}
	return conn, nil
}

func (c *Client) setConn(conn net.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connected = true
	c.connMu.Unlock()
	c.lastActivity.Store(time.Now().Unix())
}

// dropConn closes conn and fails every in-flight request.
func (c *Client) dropConn(conn net.Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected = false
	}
	c.connMu.Unlock()
	conn.Close() //nolint:errcheck // Best effort, connection is already failing

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		ch <- response{err: ErrNotConnected}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// readLoop reads frames until the connection fails.
func (c *Client) readLoop(conn net.Conn) error {
	r := bufio.NewReaderSize(conn, 4096)

	for {
		line, err := readFrame(r)
		if err != nil {
			return err
		}
		c.lastActivity.Store(time.Now().Unix())

		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			c.errorsTotal.Add(1)
			c.logWarn("engine sent malformed frame", "error", err)
			continue
		}

		if f.Event != nil {
			c.handleEvent(f.Event.toEvent())
			continue
		}
		c.handleResponse(f)
	}
}

// readFrame reads one newline-terminated line of at most maxFrameSize bytes.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxFrameSize {
			return nil, ErrProtocolDesync
		}
		if err == nil {
			return line, nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
	}
}

func (c *Client) handleResponse(f frame) {
	c.responsesRx.Add(1)

	c.pendingMu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.pendingMu.Unlock()

	if !ok {
		c.logDebug("engine response without waiter", "id", f.ID)
		return
	}
	ch <- response{frame: f}
}

func (c *Client) handleEvent(ev Event) {
	c.eventsRx.Add(1)

	c.callbackMu.RLock()
	hasCallback := c.onEvent != nil
	c.callbackMu.RUnlock()
	if !hasCallback {
		return
	}

	select {
	case c.eventQueue <- ev:
	default:
		c.eventsDropped.Add(1)
		c.errorsTotal.Add(1)
		c.logWarn("event queue full, dropping engine event", "engine_id", ev.EngineID)
	}
}

func (c *Client) eventWorker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done.Done():
			return
		case ev := <-c.eventQueue:
			c.callbackMu.RLock()
			callback := c.onEvent
			c.callbackMu.RUnlock()

			if callback == nil {
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.logError("event callback panic", "panic", fmt.Sprint(r))
					}
				}()
				callback(ev)
			}()
		}
	}
}

// Call sends op with args and waits for the engine's answer. If result is
// non-nil the response's result object is decoded into it.
//
// A context without a deadline gets the configured RequestTimeout.
func (c *Client) Call(ctx context.Context, op string, args, result any) error {
	if c.isClosed() {
		return ErrClosed
	}

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	payload, err := json.Marshal(request{ID: id, Op: op, Args: args})
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", op, err)
	}
	payload = append(payload, '\n')

	ch := make(chan response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(ctx, conn, payload); err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("sending %s: %w", op, err)
	}
	c.requestsTx.Add(1)

	select {
	case resp := <-ch:
		if resp.err != nil {
			return fmt.Errorf("%s: %w", op, resp.err)
		}
		if !resp.frame.OK {
			return fmt.Errorf("%w: %s: %s", ErrRequestRejected, op, resp.frame.Error)
		}
		if result != nil && len(resp.frame.Result) > 0 {
			if err := json.Unmarshal(resp.frame.Result, result); err != nil {
				return fmt.Errorf("decoding %s result: %w", op, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, ctx.Err())
	case <-c.done.Done():
		return ErrClosed
	}
}

func (c *Client) write(ctx context.Context, conn net.Conn, payload []byte) error {
	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Ping verifies the engine answers requests.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, "ping", nil, nil)
}

// SetOnEvent sets the single event callback, replacing any previous one.
// Panics in the callback are recovered and logged.
func (c *Client) SetOnEvent(callback func(Event)) {
	c.callbackMu.Lock()
	c.onEvent = callback
	c.callbackMu.Unlock()
}

// SetLogger sets the logger for this client.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// IsConnected returns true if the engine socket is up.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Stats returns current operational statistics.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		RequestsTx:      c.requestsTx.Load(),
		ResponsesRx:     c.responsesRx.Load(),
		EventsRx:        c.eventsRx.Load(),
		EventsDropped:   c.eventsDropped.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
		ReconnectsTotal: c.reconnectsTotal.Load(),
		LastActivity:    time.Unix(c.lastActivity.Load(), 0),
		Connected:       c.IsConnected(),
	}
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// Close stops the connection loop and the event worker. Safe to call more than once.
func (c *Client) Close() error {
	c.done.Close()

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		conn.Close() //nolint:errcheck // Unblocks the read loop
	}

	c.wg.Wait()
	c.logInfo("engine client closed")
	return nil
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) logDebug(msg string, kv ...any) {
	if l := c.getLogger(); l != nil {
		l.Debug(msg, kv...)
	}
}

func (c *Client) logInfo(msg string, kv ...any) {
	if l := c.getLogger(); l != nil {
		l.Info(msg, kv...)
	}
}

func (c *Client) logWarn(msg string, kv ...any) {
	if l := c.getLogger(); l != nil {
		l.Warn(msg, kv...)
	}
}

func (c *Client) logError(msg string, kv ...any) {
	if l := c.getLogger(); l != nil {
		l.Error(msg, kv...)
	}
}
