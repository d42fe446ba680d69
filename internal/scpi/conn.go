package scpi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rjboer/GoVNA/internal/logging"
)

// DefaultPort is the raw SCPI socket port used by LXI instruments.
const DefaultPort = 5025

var (
	ErrNotConnected = errors.New("scpi: not connected")
	ErrTimeout      = errors.New("scpi: response timeout")
	ErrEmptyReply   = errors.New("scpi: empty reply")
)

// Options controls dialing and per-command deadlines.
type Options struct {
	DialTimeout time.Duration
	// ReadTimeout bounds every query response except sweep completion.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// SweepTimeout bounds the INIT reply; 0 waits until the sweep completes.
	SweepTimeout time.Duration
	// DialRetries is the number of extra connect attempts.
	DialRetries uint64
	Logger      logging.Logger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	return o
}

// Conn is a newline-terminated SCPI text channel. Commands are serialised;
// every command, query or setting, is answered by exactly one line.
type Conn struct {
	mu      sync.Mutex
	conn    net.Conn
	r       *bufio.Reader
	opts    Options
	logger  logging.Logger
	closers []io.Closer
}

// NewConn wraps an established connection (tests, tunnels).
func NewConn(c net.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	return &Conn{
		conn:   c,
		r:      bufio.NewReaderSize(c, 64*1024),
		opts:   opts,
		logger: opts.Logger.With(logging.F("remote", remoteAddr(c))),
	}
}

// Dial connects to addr, retrying with exponential backoff while ctx allows.
// Retries only apply to establishing the connection.
func Dial(ctx context.Context, addr string, opts Options) (*Conn, error) {
	opts = opts.withDefaults()
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxInterval = 2 * time.Second
	var b backoff.BackOff = backoff.WithMaxRetries(eb, opts.DialRetries)

	var c net.Conn
	attempt := 0
	op := func() error {
		attempt++
		d := net.Dialer{Timeout: opts.DialTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			opts.Logger.Debug("dial failed",
				logging.F("addr", addr),
				logging.F("attempt", attempt),
				logging.F("error", err),
			)
			return err
		}
		c = conn
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	opts.Logger.Info("connected", logging.F("addr", addr), logging.F("attempts", attempt))
	return NewConn(c, opts), nil
}

// Close closes the connection and any tunnel beneath it.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	for i := len(c.closers) - 1; i >= 0; i-- {
		if cerr := c.closers[i].Close(); err == nil {
			err = cerr
		}
	}
	c.closers = nil
	return err
}

// Exec sends a command and consumes the line the server answers it with.
// Settings are acknowledged like queries; an unread acknowledgement would be
// taken as the reply to the next query.
func (c *Conn) Exec(ctx context.Context, cmd string) error {
	_, err := c.Query(ctx, cmd)
	return err
}

// Query sends cmd and returns the reply line without its terminator.
func (c *Conn) Query(ctx context.Context, cmd string) (string, error) {
	return c.QueryTimeout(ctx, cmd, c.opts.ReadTimeout)
}

// QueryTimeout is Query with an explicit reply deadline; 0 disables it.
func (c *Conn) QueryTimeout(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var reply string
	err := c.do(ctx, cmd, func() error {
		if err := c.writeLine(ctx, cmd); err != nil {
			return err
		}
		line, err := c.readLine(ctx, timeout)
		reply = line
		return err
	})
	if err != nil {
		return "", err
	}
	c.logger.Debug("scpi reply", logging.F("cmd", cmd), logging.F("bytes", len(reply)))
	return reply, nil
}

// QueryFloats sends cmd and parses a comma separated list of numbers.
func (c *Conn) QueryFloats(ctx context.Context, cmd string) ([]float64, error) {
	reply, err := c.Query(ctx, cmd)
	if err != nil {
		return nil, err
	}
	vals, err := ParseFloats(reply)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	return vals, nil
}

// QueryFloat sends cmd and parses a single number.
func (c *Conn) QueryFloat(ctx context.Context, cmd string) (float64, error) {
	vals, err := c.QueryFloats(ctx, cmd)
	if err != nil {
		return 0, err
	}
	if len(vals) != 1 {
		return 0, fmt.Errorf("%s: expected 1 value, got %d", cmd, len(vals))
	}
	return vals[0], nil
}

// ParseFloats splits a SCPI number list. Commas and whitespace both separate.
func ParseFloats(s string) ([]float64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\r' || r == '\n'
	})
	if len(fields) == 0 {
		return nil, ErrEmptyReply
	}
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("parse value %d %q: %w", i, f, err)
		}
		out[i] = v
	}
	return out, nil
}

// do runs fn with the socket deadline tied to ctx cancellation.
func (c *Conn) do(ctx context.Context, cmd string, fn func() error) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	conn := c.conn
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	err := fn()
	if !stop() && ctx.Err() != nil {
		// the connection may have a half-read reply; it is no longer usable
		c.logger.Warn("command aborted", logging.F("cmd", cmd), logging.F("error", ctx.Err()))
		_ = c.conn.Close()
		c.conn = nil
		return fmt.Errorf("%s: %w", cmd, ctx.Err())
	}
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return fmt.Errorf("%s: %w", cmd, ErrTimeout)
		}
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return nil
}

// writeLine writes the full command, handling short writes.
func (c *Conn) writeLine(ctx context.Context, cmd string) error {
	if !strings.HasSuffix(cmd, "\n") {
		cmd += "\n"
	}
	b := []byte(cmd)
	for len(b) > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := c.conn.Write(b)
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		b = b[n:]
	}
	return nil
}

// readLine arms the read deadline before checking ctx so a concurrent
// cancellation cannot be overwritten.
func (c *Conn) readLine(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func remoteAddr(c net.Conn) string {
	if c == nil || c.RemoteAddr() == nil {
		return ""
	}
	return c.RemoteAddr().String()
}
