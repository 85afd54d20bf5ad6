package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tiroq/obsoutput/internal/diaglog"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("client closed")
)

// RequestError is a request the server answered with a failure status.
type RequestError struct {
	RequestType string
	Code        int
	Comment     string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s failed (code %d): %s", e.RequestType, e.Code, e.Comment)
}

// Client speaks the control protocol to a Server.
type Client struct {
	url      string
	password string
	logger   zerolog.Logger
	diag     *diaglog.Logger

	conn       *websocket.Conn
	mu         sync.RWMutex
	writeMu    sync.Mutex
	connected  bool
	identified bool

	requestID   int
	requestIDMu sync.Mutex
	responses   map[int]chan *Response
	responseMu  sync.RWMutex

	handlerMu      sync.RWMutex
	onStateChanged func(OutputStateChanged)
	onDisconnected func()

	timeout          time.Duration
	reconnectEnabled bool
	reconnectDelay   time.Duration
	stopChan         chan struct{}
	stopOnce         sync.Once
	wg               sync.WaitGroup

	helloChan      chan *HelloData
	identifiedChan chan struct{}
}

// NewClient creates a client for the websocket URL, e.g. ws://127.0.0.1:4466/ws.
func NewClient(url, password string) *Client {
	return &Client{
		url:            url,
		password:       password,
		logger:         zerolog.Nop(),
		diag:           diaglog.NewNoOp(),
		responses:      make(map[int]chan *Response),
		timeout:        10 * time.Second,
		reconnectDelay: 5 * time.Second,
		stopChan:       make(chan struct{}),
	}
}

// SetLogger sets the operational logger.
func (c *Client) SetLogger(l zerolog.Logger) { c.logger = l }

// SetDiag sets the diagnostic trace.
func (c *Client) SetDiag(d *diaglog.Logger) { c.diag = d }

// SetTimeout bounds the handshake and every request.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// SetReconnect enables reconnection after the connection drops, starting at
// delay and backing off exponentially.
func (c *Client) SetReconnect(enabled bool, delay time.Duration) {
	c.mu.Lock()
	c.reconnectEnabled = enabled
	if delay > 0 {
		c.reconnectDelay = delay
	}
	c.mu.Unlock()
}

// OnOutputStateChanged registers the handler for lifecycle events.
func (c *Client) OnOutputStateChanged(fn func(OutputStateChanged)) {
	c.handlerMu.Lock()
	c.onStateChanged = fn
	c.handlerMu.Unlock()
}

// OnDisconnected registers the handler for connection loss.
func (c *Client) OnDisconnected(fn func()) {
	c.handlerMu.Lock()
	c.onDisconnected = fn
	c.handlerMu.Unlock()
}

// Connect dials the server and completes the handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	hello := make(chan *HelloData, 1)
	identified := make(chan struct{}, 1)
	lost := make(chan struct{})
	c.mu.Lock()
	select {
	case <-c.stopChan:
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	default:
	}
	c.conn = conn
	c.connected = true
	c.helloChan = hello
	c.identifiedChan = identified
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readMessages(conn, lost)

	select {
	case h := <-hello:
		return c.identify(dialCtx, h, identified, lost)
	case <-lost:
		return errors.New("connection closed before Hello")
	case <-dialCtx.Done():
		c.disconnect()
		return fmt.Errorf("timeout waiting for Hello: %w", dialCtx.Err())
	}
}

func (c *Client) identify(ctx context.Context, hello *HelloData, identified, lost <-chan struct{}) error {
	data := IdentifyData{RPCVersion: RPCVersion, EventSubscriptions: EventSubscriptionOutputs}
	if hello.Authentication != nil {
		data.Authentication = AuthResponse(c.password, *hello.Authentication)
	}
	msg, err := encode(OpIdentify, data)
	if err != nil {
		c.disconnect()
		return err
	}
	if err := c.write(msg); err != nil {
		c.disconnect()
		return err
	}

	select {
	case <-identified:
		c.mu.Lock()
		c.identified = true
		c.mu.Unlock()
		c.logger.Info().Str("event", "control.client_connected").Str("url", c.url).Str("server_version", hello.ServerVersion).Msg("connected to control server")
		c.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentControl,
			Event:     diaglog.EventControlConnect,
			Payload:   map[string]interface{}{"server_version": hello.ServerVersion},
		})
		return nil
	case <-lost:
		return errors.New("connection closed during handshake")
	case <-ctx.Done():
		c.disconnect()
		return fmt.Errorf("timeout waiting for Identified: %w", ctx.Err())
	}
}

func (c *Client) readMessages(conn *websocket.Conn, lost chan struct{}) {
	defer c.wg.Done()
	defer close(lost)
	defer func() {
		wasIdentified := c.IsConnected()
		c.disconnect()
		c.mu.RLock()
		reconnect := c.reconnectEnabled && wasIdentified
		c.mu.RUnlock()
		if reconnect {
			c.wg.Add(1)
			go c.reconnect()
		}
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == CloseAuthenticationFailed {
				c.logger.Warn().Str("event", "control.auth_failed").Msg("server rejected authentication")
			}
			c.handlerMu.RLock()
			fn := c.onDisconnected
			c.handlerMu.RUnlock()
			if fn != nil {
				fn()
			}
			return
		}

		switch msg.Op {
		case OpHello:
			var hello HelloData
			if err := json.Unmarshal(msg.D, &hello); err != nil {
				return
			}
			c.mu.RLock()
			ch := c.helloChan
			c.mu.RUnlock()
			select {
			case ch <- &hello:
			default:
			}

		case OpIdentified:
			c.mu.RLock()
			ch := c.identifiedChan
			c.mu.RUnlock()
			select {
			case ch <- struct{}{}:
			default:
			}

		case OpEvent:
			var ev Event
			if err := json.Unmarshal(msg.D, &ev); err == nil {
				c.handleEvent(&ev)
			}

		case OpRequestResponse:
			var resp Response
			if err := json.Unmarshal(msg.D, &resp); err == nil {
				c.handleResponse(&resp)
			}
		}
	}
}

func (c *Client) handleEvent(ev *Event) {
	if ev.EventType != EventOutputStateChanged {
		return
	}
	var data OutputStateChanged
	if err := json.Unmarshal(ev.EventData, &data); err != nil {
		return
	}
	c.handlerMu.RLock()
	fn := c.onStateChanged
	c.handlerMu.RUnlock()
	if fn != nil {
		fn(data)
	}
}

func (c *Client) handleResponse(resp *Response) {
	id, err := strconv.Atoi(resp.RequestID)
	if err != nil {
		c.logger.Warn().Err(err).Str("request_id", resp.RequestID).Msg("unparseable request id")
		return
	}
	c.responseMu.RLock()
	defer c.responseMu.RUnlock()
	if ch, ok := c.responses[id]; ok {
		ch <- resp
	}
}

// Call sends a request and waits for its response. out, when non-nil,
// receives the decoded responseData.
func (c *Client) Call(ctx context.Context, requestType string, data, out interface{}) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.requestIDMu.Lock()
	c.requestID++
	id := c.requestID
	c.requestIDMu.Unlock()

	req := Request{RequestType: requestType, RequestID: strconv.Itoa(id)}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		req.RequestData = raw
	}
	msg, err := encode(OpRequest, req)
	if err != nil {
		return err
	}

	respChan := make(chan *Response, 1)
	c.responseMu.Lock()
	c.responses[id] = respChan
	c.responseMu.Unlock()
	defer func() {
		c.responseMu.Lock()
		delete(c.responses, id)
		c.responseMu.Unlock()
	}()

	if err := c.write(msg); err != nil {
		return err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp := <-respChan:
		if !resp.RequestStatus.Result {
			return &RequestError{RequestType: requestType, Code: resp.RequestStatus.Code, Comment: resp.RequestStatus.Comment}
		}
		if out != nil && len(resp.ResponseData) > 0 {
			return json.Unmarshal(resp.ResponseData, out)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("request timeout after %s (request: %s)", c.timeout, requestType)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) write(msg Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("close connection")
		}
		c.conn = nil
		c.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentControl,
			Event:     diaglog.EventControlDisconnect,
			Payload:   map[string]interface{}{"url": c.url},
		})
	}
	c.connected = false
	c.identified = false
}

// reconnect retries with exponential backoff and jitter until it succeeds or
// Disconnect is called.
func (c *Client) reconnect() {
	defer c.wg.Done()
	c.mu.RLock()
	delay := c.reconnectDelay
	c.mu.RUnlock()

	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-c.stopChan:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-c.stopChan:
				cancel()
			case <-ctx.Done():
			}
		}()
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			c.logger.Info().Str("event", "control.reconnected").Int("attempt", attempt).Msg("reconnected to control server")
			return
		}
		c.logger.Warn().Err(err).Str("event", "control.reconnect_failed").Int("attempt", attempt).Msg("reconnect attempt failed")

		delay *= 2
		if delay > 60*time.Second {
			delay = 60 * time.Second
		}
		jitter := time.Duration(float64(delay) * 0.2 * (rand.Float64() - 0.5))
		delay += jitter
		if delay < 10*time.Millisecond {
			delay = 10 * time.Millisecond
		}
	}
}

// Disconnect closes the connection, stops reconnection and waits for the
// client's goroutines to exit.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.disconnect()
	c.wg.Wait()
}

// IsConnected reports whether the handshake has completed on a live connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.identified
}
