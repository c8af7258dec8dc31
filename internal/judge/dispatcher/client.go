package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ojworker/internal/judge/sandbox"
	"ojworker/pkg/errors"
	"ojworker/pkg/utils/logger"

	"go.uber.org/zap"
)

// Handlers are the server-pushed verbs the worker loop reacts to.
type Handlers struct {
	OnTask   func(threadIndex int, task Task, ackID string)
	OnCancel func(taskID string)
}

// Config configures one dispatcher connection.
type Config struct {
	ServerURL       string
	Name            string
	Secret          string
	HandshakeTimeout time.Duration
	RequestTimeout  time.Duration
}

// Client is one worker process's connection to the dispatcher.
type Client struct {
	cfg      Config
	handlers Handlers

	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Frame

	authorized chan authorizedPayload
	authFailed chan string

	done     chan struct{}
	closeOnce sync.Once

	Limits ServerSideLimits
	Name   string
}

// New creates a client bound to cfg and handlers. Connect must be called
// before any verb is sent.
func New(cfg Config, handlers Handlers) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		handlers:   handlers,
		pending:    make(map[string]chan Frame),
		authorized: make(chan authorizedPayload, 1),
		authFailed: make(chan string, 1),
		done:       make(chan struct{}),
	}
}

// Connect dials the dispatcher, completes the nonce handshake and starts
// the read loop. It blocks until authorized, authFailed or ctx/handshake
// timeout.
func (c *Client) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.ServerURL, nil)
	if err != nil {
		return errors.Wrap(err, errors.DispatcherLost)
	}
	c.conn = conn

	go c.readLoop()

	select {
	case payload := <-c.authorized:
		c.Limits = payload.ServerSideLimits
		c.Name = payload.Name
		return nil
	case reason := <-c.authFailed:
		c.Close()
		return errors.New(errors.Unauthorized).WithMessage(reason)
	case <-dialCtx.Done():
		c.Close()
		return errors.Wrap(dialCtx.Err(), errors.DispatcherLost)
	}
}

// SetHandlers installs the server-pushed verb handlers. Must be called
// before Connect; the worker loop builds its handlers from the loop
// itself, which in turn is built from this client, so the two are wired
// together after both exist.
func (c *Client) SetHandlers(h Handlers) {
	c.handlers = h
}

// Done is closed when the connection is lost or Close is called.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close tears down the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			logger.Warn(context.Background(), "dispatcher connection lost", zap.Error(err))
			return
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame Frame) {
	if frame.ID != "" {
		c.pendingMu.Lock()
		ch, ok := c.pending[frame.ID]
		if ok {
			delete(c.pending, frame.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- frame
			return
		}
	}

	switch frame.Type {
	case typeChallenge:
		c.respondChallenge(frame)
	case typeAuthorized:
		var p authorizedPayload
		_ = json.Unmarshal(frame.Payload, &p)
		c.authorized <- p
	case typeAuthFailed:
		var p authFailedPayload
		_ = json.Unmarshal(frame.Payload, &p)
		c.authFailed <- p.Reason
	case typeTask:
		var p taskPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			logger.Warn(context.Background(), "decode task frame failed", zap.Error(err))
			return
		}
		if c.handlers.OnTask != nil {
			c.handlers.OnTask(p.ThreadIndex, p.Task, p.AckID)
		}
	case typeCancel:
		var p cancelPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return
		}
		if c.handlers.OnCancel != nil {
			c.handlers.OnCancel(p.TaskID)
		}
	}
}

func (c *Client) respondChallenge(frame Frame) {
	var p challengePayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		logger.Warn(context.Background(), "decode challenge frame failed", zap.Error(err))
		return
	}
	token, err := buildAuthToken(c.cfg.Secret, c.cfg.Name, p.Nonce)
	if err != nil {
		logger.Warn(context.Background(), "build auth token failed", zap.Error(err))
		return
	}
	c.send(Frame{Type: typeAuth, Payload: mustMarshal(authPayload{Name: c.cfg.Name, Token: token})})
}

func (c *Client) send(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(frame)
}

// request sends a frame with a fresh correlation id and awaits the
// matching response frame, grounded on the ack-correlation pattern §6
// describes for task delivery, generalized to any request/response verb.
func (c *Client) request(ctx context.Context, frameType string, payload any) (Frame, error) {
	id := uuid.New().String()
	ch := make(chan Frame, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.send(Frame{Type: frameType, ID: id, Payload: mustMarshal(payload)}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return Frame{}, errors.Wrap(err, errors.DispatcherLost)
	}

	timeout := c.cfg.RequestTimeout
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case frame := <-ch:
		return frame, nil
	case <-reqCtx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return Frame{}, errors.Wrap(reqCtx.Err(), errors.DispatcherLost)
	case <-c.done:
		return Frame{}, errors.New(errors.DispatcherLost)
	}
}

// SendReady announces the worker process is ready to consume tasks.
func (c *Client) SendReady() error {
	return c.send(Frame{Type: typeReady})
}

// SendConsume announces consumer thread threadIndex is awaiting a task.
func (c *Client) SendConsume(threadIndex int) error {
	return c.send(Frame{Type: typeConsume, Payload: mustMarshal(consumePayload{ThreadIndex: threadIndex})})
}

// SendAck acknowledges completion of taskID. A failure to deliver is the
// caller's to log and drop per §4.H: the dispatcher redelivers.
func (c *Client) SendAck(taskID string) error {
	return c.send(Frame{Type: typeAck, Payload: mustMarshal(ackPayload{TaskID: taskID})})
}

// SendProgress reports a debounced progress snapshot for submissionID.
func (c *Client) SendProgress(submissionID string, snapshot sandbox.ProgressSnapshot) error {
	return c.send(Frame{Type: typeProgress, Payload: mustMarshal(progressPayload{SubmissionID: submissionID, Snapshot: snapshot})})
}

// SendSystemInfo reports this worker's static capacity once after auth.
func (c *Client) SendSystemInfo(info SystemInfo) error {
	return c.send(Frame{Type: typeSystemInfo, Payload: mustMarshal(systemInfoPayload{Info: info})})
}

// RequestFiles resolves content ids to download URLs via the dispatcher.
func (c *Client) RequestFiles(ctx context.Context, contentIDs []string) (map[string]string, error) {
	if len(contentIDs) == 0 {
		return map[string]string{}, nil
	}
	frame, err := c.request(ctx, typeRequestURLs, requestFilesPayload{ContentIDs: contentIDs})
	if err != nil {
		return nil, err
	}
	var p fileURLsPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		return nil, errors.Wrap(err, errors.JudgeSystemError)
	}
	return p.URLs, nil
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
