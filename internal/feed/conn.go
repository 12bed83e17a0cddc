// Package feed is the quote gateway client: a websocket push connection plus REST pulls.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rewired-gh/quotesentinel/internal/logger"
	"github.com/rewired-gh/quotesentinel/internal/models"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("feed connection closed")

// QuoteFunc receives normalized push quotes. It runs on the read goroutine and must not block.
type QuoteFunc func(symbol string, q models.QuoteSnapshot)

// Options configures a gateway connection.
type Options struct {
	WSURL        string
	RESTURL      string
	AppKey       string
	AccessToken  string
	Timeout      time.Duration
	PingInterval time.Duration
}

type controlMessage struct {
	Action   string           `json:"action"`
	Symbols  []string         `json:"symbols"`
	SubTypes []models.SubType `json:"sub_types"`
}

type pushEnvelope struct {
	Event   string          `json:"event"`
	Symbol  string          `json:"symbol"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// Conn is one live gateway session. A Conn is not reused after it fails; dial a new one.
type Conn struct {
	opts       Options
	ws         *websocket.Conn
	writeMu    sync.Mutex
	httpClient *http.Client
	callback   atomic.Pointer[QuoteFunc]

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func authHeader(opts Options) http.Header {
	h := http.Header{}
	if opts.AppKey != "" {
		h.Set("X-Api-Key", opts.AppKey)
	}
	if opts.AccessToken != "" {
		h.Set("Authorization", opts.AccessToken)
	}
	return h
}

// Dial opens the push connection and starts its read and keepalive loops.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: opts.Timeout}

	ws, resp, err := dialer.DialContext(ctx, opts.WSURL, authHeader(opts))
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	c := &Conn{
		opts:       opts,
		ws:         ws,
		httpClient: &http.Client{Timeout: opts.Timeout},
		done:       make(chan struct{}),
	}

	if opts.PingInterval > 0 {
		c.extendReadDeadline()
		ws.SetPongHandler(func(string) error {
			c.extendReadDeadline()
			return nil
		})
		go c.pingLoop(opts.PingInterval)
	}
	go c.readLoop()

	logger.Info("Connected to quote gateway %s", opts.WSURL)
	return c, nil
}

// SetQuoteCallback registers the push handler. Quotes that arrive before a handler
// is set are dropped.
func (c *Conn) SetQuoteCallback(fn QuoteFunc) {
	c.callback.Store(&fn)
}

func (c *Conn) Subscribe(ctx context.Context, symbols []string, subTypes []models.SubType) error {
	return c.control(ctx, "subscribe", symbols, subTypes)
}

func (c *Conn) Unsubscribe(ctx context.Context, symbols []string, subTypes []models.SubType) error {
	return c.control(ctx, "unsubscribe", symbols, subTypes)
}

func (c *Conn) control(ctx context.Context, action string, symbols []string, subTypes []models.SubType) error {
	if len(symbols) == 0 {
		return nil
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	msg := controlMessage{Action: action, Symbols: symbols, SubTypes: subTypes}
	if err := c.write(deadline, func() error { return c.ws.WriteJSON(msg) }); err != nil {
		return fmt.Errorf("%s failed: %w", action, err)
	}
	logger.Debug("Sent %s for %d symbols", action, len(symbols))
	return nil
}

func (c *Conn) write(deadline time.Time, fn func() error) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(deadline) //nolint:errcheck
	return fn()
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("read error: %w", err))
			return
		}
		if c.opts.PingInterval > 0 {
			c.extendReadDeadline()
		}
		c.handleMessage(data)
	}
}

// extendReadDeadline allows pongWait of silence plus one ping interval before the
// connection is considered dead.
func (c *Conn) extendReadDeadline() {
	c.ws.SetReadDeadline(time.Now().Add(pongWait + c.opts.PingInterval)) //nolint:errcheck
}

func (c *Conn) handleMessage(data []byte) {
	var env pushEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Debug("Ignoring malformed push message: %v", err)
		return
	}

	switch env.Event {
	case "quote", "depth":
		var raw RawQuote
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			logger.WithSymbol(env.Symbol).Warnf("Undecodable quote payload: %v", err)
			return
		}
		q, err := Normalize(raw, env.Symbol, time.Now())
		if err != nil {
			logger.WithSymbol(env.Symbol).Warnf("Rejected quote: %v", err)
			return
		}
		if fn := c.callback.Load(); fn != nil {
			(*fn)(q.Symbol, q)
		}
	case "error":
		logger.Warn("Gateway error: %s", env.Message)
	default:
		logger.Debug("Ignoring push event %q", env.Event)
	}
}

func (c *Conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			err := c.write(time.Now().Add(writeTimeout), func() error {
				return c.ws.WriteMessage(websocket.PingMessage, nil)
			})
			if err != nil {
				c.fail(fmt.Errorf("ping failed: %w", err))
				return
			}
		}
	}
}

func (c *Conn) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
	c.shutdown()
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// Wait blocks until the connection fails or ctx is cancelled.
func (c *Conn) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		c.errMu.Lock()
		defer c.errMu.Unlock()
		if c.err != nil {
			return c.err
		}
		return ErrClosed
	}
}

// Close sends a close frame and tears the connection down.
func (c *Conn) Close() error {
	c.write(time.Now().Add(time.Second), func() error { //nolint:errcheck
		return c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
	})
	c.errMu.Lock()
	if c.err == nil {
		c.err = ErrClosed
	}
	c.errMu.Unlock()
	c.shutdown()
	return nil
}

// PullQuotes fetches current snapshots over REST.
func (c *Conn) PullQuotes(ctx context.Context, symbols []string) ([]models.QuoteSnapshot, error) {
	return pullQuotes(ctx, c.httpClient, c.opts, symbols)
}

// Puller fetches snapshots over REST without a push connection.
type Puller struct {
	opts       Options
	httpClient *http.Client
}

func NewPuller(opts Options) *Puller {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Puller{opts: opts, httpClient: &http.Client{Timeout: opts.Timeout}}
}

func (p *Puller) PullQuotes(ctx context.Context, symbols []string) ([]models.QuoteSnapshot, error) {
	return pullQuotes(ctx, p.httpClient, p.opts, symbols)
}

// pullQuotes skips and logs quotes that fail normalization.
func pullQuotes(ctx context.Context, client *http.Client, opts Options, symbols []string) ([]models.QuoteSnapshot, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	u, err := url.Parse(strings.TrimRight(opts.RESTURL, "/") + "/v1/quote")
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	q := u.Query()
	q.Set("symbol", strings.Join(symbols, ","))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header = authHeader(opts)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quote pull failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote pull returned status %d", resp.StatusCode)
	}

	var body struct {
		Quotes []RawQuote `json:"quotes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode quotes: %w", err)
	}

	now := time.Now()
	out := make([]models.QuoteSnapshot, 0, len(body.Quotes))
	for _, raw := range body.Quotes {
		snap, err := Normalize(raw, "", now)
		if err != nil {
			logger.Warn("Skipping pulled quote: %v", err)
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}
