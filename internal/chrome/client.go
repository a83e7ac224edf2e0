package chrome

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"go.uber.org/zap"

	"github.com/tomyan/serpcap/internal/ratelimit"
)

// Default option values.
const (
	DefaultHost             = "localhost"
	DefaultPort             = 9222
	DefaultDiscoveryTimeout = 10 * time.Second
	DefaultCommandTimeout   = 30 * time.Second
	DefaultPollInterval     = 250 * time.Millisecond
)

// Options configures a Client. The zero value connects to localhost:9222.
type Options struct {
	Host string
	Port int

	// WebSocketURL skips target discovery when set.
	WebSocketURL string

	DiscoveryTimeout time.Duration

	// CommandTimeout bounds each command whose context has no deadline.
	CommandTimeout time.Duration

	// MinCommandInterval is the minimum gap between outbound commands.
	MinCommandInterval time.Duration

	// PollInterval is used by WaitForSelector.
	PollInterval time.Duration

	Logger     *zap.Logger
	HTTPClient *http.Client
}

func (o *Options) setDefaults() {
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 2 * time.Second}
	}
}

// Client is a Chrome DevTools Protocol client bound to a single page target.
type Client struct {
	conn    *websocket.Conn
	wsURL   string
	opts    Options
	log     *zap.Logger
	limiter *ratelimit.Limiter

	mu        sync.Mutex // serializes rate limiting and writes
	messageID atomic.Int64

	pending   map[int64]chan *cdproto.Message
	pendingMu sync.Mutex

	eventHandlers   map[cdproto.MethodType][]chan easyjson.RawMessage
	eventHandlersMu sync.Mutex

	// generation identifies the current page snapshot; handles from an
	// older generation are rejected.
	generation atomic.Uint64
	root       Handle
	rootMu     sync.Mutex

	// loads counts Page.loadEventFired; loadMark is its value at the last
	// Open or main-frame navigation.
	loads    atomic.Uint64
	loadMark atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
	closeCh   chan struct{}
	readDone  chan struct{}
}

// Connect discovers a debuggable page target and opens a WebSocket session to it.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	opts.setDefaults()

	wsURL := opts.WebSocketURL
	if wsURL == "" {
		target, err := discoverTarget(ctx, opts)
		if err != nil {
			return nil, err
		}
		wsURL = target.WebSocketDebuggerURL
	}

	dialer := websocket.Dialer{HandshakeTimeout: opts.DiscoveryTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, &ConnectionError{Endpoint: wsURL, Err: err}
	}

	client := &Client{
		conn:          conn,
		wsURL:         wsURL,
		opts:          opts,
		log:           opts.Logger.Named("cdp"),
		limiter:       ratelimit.New(opts.MinCommandInterval),
		pending:       make(map[int64]chan *cdproto.Message),
		eventHandlers: make(map[cdproto.MethodType][]chan easyjson.RawMessage),
		closeCh:       make(chan struct{}),
		readDone:      make(chan struct{}),
	}
	client.generation.Store(1)

	// Start message reader
	go client.readMessages()

	if err := client.enableDomains(ctx); err != nil {
		client.Disconnect()
		return nil, &ConnectionError{Endpoint: wsURL, Err: err}
	}

	client.log.Debug("connected", zap.String("ws_url", wsURL))
	return client, nil
}

func (c *Client) enableDomains(ctx context.Context) error {
	ctx = cdp.WithExecutor(ctx, c)
	if err := page.Enable().Do(ctx); err != nil {
		return fmt.Errorf("enabling Page domain: %w", err)
	}
	if err := dom.Enable().Do(ctx); err != nil {
		return fmt.Errorf("enabling DOM domain: %w", err)
	}
	if err := runtime.Enable().Do(ctx); err != nil {
		return fmt.Errorf("enabling Runtime domain: %w", err)
	}
	return nil
}

// WebSocketURL returns the WebSocket URL used for this connection.
func (c *Client) WebSocketURL() string {
	return c.wsURL
}

// Disconnect closes the connection. Commands still waiting for a response
// fail with ErrConnectionLost. It is safe to call more than once.
func (c *Client) Disconnect() error {
	err := c.shutdown(nil)
	<-c.readDone
	return err
}

func (c *Client) shutdown(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)

		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
		c.mu.Unlock()

		// Wake up all pending callers
		c.pendingMu.Lock()
		n := len(c.pending)
		for _, ch := range c.pending {
			close(ch)
		}
		c.pending = make(map[int64]chan *cdproto.Message)
		c.pendingMu.Unlock()

		if cause != nil {
			c.log.Warn("connection lost", zap.Error(cause), zap.Int("pending", n))
		} else {
			c.log.Debug("disconnected", zap.Int("pending", n))
		}
	})
	return err
}

// Execute implements cdp.Executor. It sends one command and waits for the
// response carrying the same id.
func (c *Client) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if c.closed.Load() {
		return ErrConnectionLost
	}

	budget := c.opts.CommandTimeout
	if deadline, ok := ctx.Deadline(); ok {
		budget = time.Until(deadline)
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshaling params: %w", err)
		}
	}

	id := c.messageID.Add(1)
	msg := &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
		Params: buf,
	}

	// Create response channel
	respChan := make(chan *cdproto.Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = respChan
	c.pendingMu.Unlock()

	// Removing the entry is what makes a late response get dropped.
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.send(ctx, msg); err != nil {
		return err
	}

	// Wait for response
	select {
	case resp, ok := <-respChan:
		if !ok {
			return ErrConnectionLost
		}
		if resp.Error != nil {
			return &ProtocolError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if res != nil && len(resp.Result) > 0 {
			if err := easyjson.Unmarshal(resp.Result, res); err != nil {
				return fmt.Errorf("parsing %s response: %w", method, err)
			}
		}
		return nil
	case <-c.closeCh:
		return ErrConnectionLost
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return &TimeoutError{Op: method, After: budget.Round(time.Millisecond)}
		}
		return ctx.Err()
	}
}

func (c *Client) send(ctx context.Context, msg *cdproto.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiting %s: %w", msg.Method, err)
	}
	if c.closed.Load() {
		return ErrConnectionLost
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("sending %s: %w: %v", msg.Method, ErrConnectionLost, err)
	}
	return nil
}

func (c *Client) readMessages() {
	defer close(c.readDone)

	for {
		var msg cdproto.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if c.closed.Load() {
				return
			}
			c.shutdown(err)
			return
		}

		// Route response to waiting caller
		if msg.ID > 0 {
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				ch <- &msg
			}
			c.pendingMu.Unlock()
			if !ok {
				c.log.Debug("dropping response with no waiter",
					zap.Int64("id", msg.ID), zap.Bool("error", msg.Error != nil))
			}
			continue
		}

		// Route events to handlers
		if msg.Method != "" {
			c.observeEvent(&msg)

			c.eventHandlersMu.Lock()
			for _, h := range c.eventHandlers[msg.Method] {
				select {
				case h <- msg.Params:
				default:
					// Drop if channel is full
				}
			}
			c.eventHandlersMu.Unlock()
		}
	}
}

// observeEvent tracks page lifecycle events that invalidate handles or
// complete a load.
func (c *Client) observeEvent(msg *cdproto.Message) {
	switch msg.Method {
	case cdproto.EventPageLoadEventFired:
		c.loads.Add(1)
	case cdproto.EventDOMDocumentUpdated:
		c.invalidate("document updated")
	case cdproto.EventPageFrameNavigated:
		var ev page.EventFrameNavigated
		if err := easyjson.Unmarshal(msg.Params, &ev); err != nil {
			c.log.Debug("parsing frameNavigated", zap.Error(err))
			return
		}
		if ev.Frame != nil && ev.Frame.ParentID == "" {
			c.invalidate("main frame navigated")
			// A new document is committing; its load is still to come.
			c.loadMark.Store(c.loads.Load())
		}
	}
}

// invalidate starts a new page snapshot generation.
func (c *Client) invalidate(reason string) {
	gen := c.generation.Add(1)
	c.rootMu.Lock()
	c.root = Handle{}
	c.rootMu.Unlock()
	c.log.Debug("handles invalidated", zap.String("reason", reason), zap.Uint64("generation", gen))
}

// subscribeEvent registers a handler for protocol events.
func (c *Client) subscribeEvent(method cdproto.MethodType) chan easyjson.RawMessage {
	ch := make(chan easyjson.RawMessage, 100)

	c.eventHandlersMu.Lock()
	c.eventHandlers[method] = append(c.eventHandlers[method], ch)
	c.eventHandlersMu.Unlock()

	return ch
}

// unsubscribeEvent removes an event handler.
func (c *Client) unsubscribeEvent(method cdproto.MethodType, ch chan easyjson.RawMessage) {
	c.eventHandlersMu.Lock()
	defer c.eventHandlersMu.Unlock()

	handlers := c.eventHandlers[method]
	for i, h := range handlers {
		if h == ch {
			c.eventHandlers[method] = append(handlers[:i], handlers[i+1:]...)
			close(ch)
			return
		}
	}
}

// executor returns ctx carrying c as the cdp.Executor for cdproto commands.
func (c *Client) executor(ctx context.Context) context.Context {
	return cdp.WithExecutor(ctx, c)
}

// Compile-time check
var _ cdp.Executor = (*Client)(nil)
