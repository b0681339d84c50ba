package n2k

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.bug.st/serial"
)

// Default timeouts and intervals for gateway communication.
const (
	// defaultConnectTimeout is the maximum time to wait for a dial.
	defaultConnectTimeout = 10 * time.Second

	// defaultWriteTimeout bounds a single line write.
	defaultWriteTimeout = 2 * time.Second

	// defaultReconnectInitial is the first delay between reconnection attempts.
	defaultReconnectInitial = time.Second

	// defaultReconnectMax caps the delay between reconnection attempts.
	defaultReconnectMax = 2 * time.Minute

	// defaultSerialBaud matches common NGT-1 style USB gateways.
	defaultSerialBaud = 115200

	// defaultTCPAddress is the n2kd plain-format port.
	defaultTCPAddress = "localhost:2598"

	// maxLineLength bounds one gateway line (timestamp + header + 223 hex bytes).
	maxLineLength = 4096
)

// GatewayConfig holds gateway connection configuration.
type GatewayConfig struct {
	// URL selects the transport:
	//   - "tcp://localhost:2598" (n2kd plain text)
	//   - "unix:///run/n2kd.sock"
	//   - "serial:///dev/ttyUSB0"
	URL string

	// SerialBaud is the line speed for serial:// gateways.
	SerialBaud int

	ConnectTimeout   time.Duration
	WriteTimeout     time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// GatewayStats holds operational statistics.
type GatewayStats struct {
	MessagesTx      uint64
	MessagesRx      uint64
	ParseErrors     uint64
	ErrorsTotal     uint64
	ReconnectsTotal uint64
	LastActivity    time.Time
	Connected       bool
	Reconnecting    bool
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Connector is the gateway side of the bridge.
// This allows mocking the gateway client in tests.
type Connector interface {
	Send(ctx context.Context, msg Message) error
	SetOnMessage(callback func(Message))
	IsConnected() bool
	Stats() GatewayStats
	Close() error
}

// Ensure GatewayClient implements Connector.
var _ Connector = (*GatewayClient)(nil)

// deadlineWriter is implemented by net.Conn; serial ports do not support it.
type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// GatewayClient exchanges canboat plain text lines with an NMEA 2000 gateway.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - The message callback runs on the receive goroutine and must not block.
//
// Auto-Reconnection:
//   - When the connection is lost, or the first dial fails, the client retries
//     with exponential backoff from ReconnectInitial up to ReconnectMax.
//   - Reconnection stops only when Close() is called.
type GatewayClient struct {
	cfg     GatewayConfig
	scheme  string
	address string

	connMu    sync.RWMutex
	conn      io.ReadWriteCloser
	connected bool
	writeMu   sync.Mutex

	reconnecting atomic.Bool

	onMessage  func(Message)
	callbackMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	start  sync.Once
	closed atomic.Bool

	logger   Logger
	loggerMu sync.RWMutex

	messagesTx      atomic.Uint64
	messagesRx      atomic.Uint64
	parseErrors     atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64
}

// NewGatewayClient validates cfg and returns an unconnected client.
// Call Start to connect and begin receiving.
func NewGatewayClient(cfg GatewayConfig) (*GatewayClient, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReconnectInitial == 0 {
		cfg.ReconnectInitial = defaultReconnectInitial
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	if cfg.SerialBaud == 0 {
		cfg.SerialBaud = defaultSerialBaud
	}

	scheme, address, err := parseGatewayURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &GatewayClient{
		cfg:     cfg,
		scheme:  scheme,
		address: address,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// parseGatewayURL splits a gateway URL into scheme and address.
func parseGatewayURL(raw string) (scheme, address string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: invalid URL: %w", ErrConnectionFailed, err)
	}

	switch u.Scheme {
	case "tcp":
		host := u.Host
		if host == "" {
			host = defaultTCPAddress
		}
		return "tcp", host, nil
	case "unix", "serial":
		if u.Path == "" {
			return "", "", fmt.Errorf("%w: %s URL needs a path", ErrConnectionFailed, u.Scheme)
		}
		return u.Scheme, u.Path, nil
	default:
		return "", "", fmt.Errorf("%w: %q (use tcp, unix or serial)", ErrUnsupportedScheme, u.Scheme)
	}
}

// Start dials the gateway and launches the receive loop. A failed first
// dial is logged and retried in the background.
func (c *GatewayClient) Start() {
	c.start.Do(func() {
		if conn, err := c.dial(c.ctx); err != nil {
			c.logWarn("gateway unavailable, retrying in background", "url", c.cfg.URL, "error", err)
		} else {
			c.setConn(conn)
			c.logInfo("gateway connected", "url", c.cfg.URL)
		}

		c.wg.Add(1)
		go c.receiveLoop()
	})
}

// dial opens the transport named by the URL scheme.
func (c *GatewayClient) dial(ctx context.Context) (io.ReadWriteCloser, error) {
	switch c.scheme {
	case "serial":
		port, err := serial.Open(c.address, &serial.Mode{
			BaudRate: c.cfg.SerialBaud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %w", ErrConnectionFailed, c.address, err)
		}
		return port, nil
	default:
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()

		var dialer net.Dialer
		conn, err := dialer.DialContext(dialCtx, c.scheme, c.address)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s://%s: %w", ErrConnectionFailed, c.scheme, c.address, err)
		}
		return conn, nil
	}
}

func (c *GatewayClient) setConn(conn io.ReadWriteCloser) {
	c.connMu.Lock()
	if c.closed.Load() {
		c.connMu.Unlock()
		conn.Close() //nolint:errcheck // Shutting down
		return
	}
	c.conn = conn
	c.connected = true
	c.connMu.Unlock()
	c.lastActivity.Store(time.Now().Unix())
}

// receiveLoop reads lines until Close, reconnecting on loss.
func (c *GatewayClient) receiveLoop() {
	defer c.wg.Done()

	for {
		if c.closed.Load() {
			return
		}

		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()

		if conn != nil {
			err := c.readLines(conn)
			if c.closed.Load() {
				return
			}
			c.logError("gateway read failed", err)
			c.errorsTotal.Add(1)
			c.handleDisconnect()
		}

		if !c.reconnect() {
			return
		}
	}
}

// readLines parses lines from r until it fails.
func (c *GatewayClient) readLines(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 512), maxLineLength)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		msg, err := ParseLine(line)
		if err != nil {
			c.parseErrors.Add(1)
			c.logDebug("skipping unparsable gateway line", "error", err)
			continue
		}

		c.messagesRx.Add(1)
		c.lastActivity.Store(time.Now().Unix())
		c.dispatch(msg)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

// dispatch hands msg to the callback, recovering from panics.
func (c *GatewayClient) dispatch(msg Message) {
	c.callbackMu.RLock()
	callback := c.onMessage
	c.callbackMu.RUnlock()

	if callback == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logError("message callback panic", fmt.Errorf("%v", r))
		}
	}()
	callback(msg)
}

// handleDisconnect closes the current transport and marks the client down.
func (c *GatewayClient) handleDisconnect() {
	c.connMu.Lock()
	wasConnected := c.connected
	if c.conn != nil {
		c.conn.Close() //nolint:errcheck // Connection already failed
		c.conn = nil
	}
	c.connected = false
	c.connMu.Unlock()

	if wasConnected {
		c.logInfo("gateway connection lost, will attempt reconnection")
	}
}

// reconnect retries dialling with exponential backoff.
// Returns true once connected, false if the client was closed.
func (c *GatewayClient) reconnect() bool {
	c.reconnecting.Store(true)
	defer c.reconnecting.Store(false)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectInitial
	b.MaxInterval = c.cfg.ReconnectMax
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		conn, err := c.dial(c.ctx)
		if err != nil {
			c.errorsTotal.Add(1)
			return err
		}
		c.setConn(conn)
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.logWarn("gateway reconnect failed", "attempt", attempt, "retry_in", next.String(), "error", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, c.ctx), notify); err != nil {
		return false
	}

	c.reconnectsTotal.Add(1)
	c.logInfo("gateway reconnected", "attempts", attempt, "total_reconnects", c.reconnectsTotal.Load())
	return true
}

// Send writes msg as one line.
//
// Parameters:
//   - ctx: Context for cancellation; its deadline bounds the write
//   - msg: Message to transmit
//
// Returns:
//   - error: ErrNotConnected, or ErrSendFailed wrapping the cause
func (c *GatewayClient) Send(ctx context.Context, msg Message) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrSendFailed, ctx.Err())
	default:
	}

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	line := FormatLine(msg) + "\n"

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if dw, ok := conn.(deadlineWriter); ok {
		deadline := time.Now().Add(c.cfg.WriteTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := dw.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("%w: set deadline: %w", ErrSendFailed, err)
		}
	}

	if _, err := io.WriteString(conn, line); err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("%w: write: %w", ErrSendFailed, err)
	}

	c.messagesTx.Add(1)
	c.lastActivity.Store(time.Now().Unix())
	return nil
}

// SetOnMessage sets the callback for received messages.
func (c *GatewayClient) SetOnMessage(callback func(Message)) {
	c.callbackMu.Lock()
	c.onMessage = callback
	c.callbackMu.Unlock()
}

// SetLogger sets the logger for this client.
func (c *GatewayClient) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// IsConnected returns true if the gateway transport is open.
func (c *GatewayClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// URL returns the configured gateway URL.
func (c *GatewayClient) URL() string {
	return c.cfg.URL
}

// Stats returns current operational statistics.
func (c *GatewayClient) Stats() GatewayStats {
	return GatewayStats{
		MessagesTx:      c.messagesTx.Load(),
		MessagesRx:      c.messagesRx.Load(),
		ParseErrors:     c.parseErrors.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
		ReconnectsTotal: c.reconnectsTotal.Load(),
		LastActivity:    time.Unix(c.lastActivity.Load(), 0),
		Connected:       c.IsConnected(),
		Reconnecting:    c.reconnecting.Load(),
	}
}

// Close stops the receive loop and closes the transport.
// Safe to call multiple times.
func (c *GatewayClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()

	c.connMu.Lock()
	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.connMu.Unlock()

	c.wg.Wait()
	c.logInfo("gateway connection closed")

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("closing gateway: %w", err)
	}
	return nil
}

func (c *GatewayClient) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *GatewayClient) logDebug(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (c *GatewayClient) logInfo(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (c *GatewayClient) logWarn(msg string, keysAndValues ...any) {
	if l := c.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (c *GatewayClient) logError(msg string, err error) {
	if l := c.getLogger(); l != nil {
		l.Error(msg, "error", err)
	}
}
