// ABOUTME: Request/response correlation for the companion signing app.
// ABOUTME: Delivers requests through a Transport and routes callbacks by request ID.

package companion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/signet/internal/dedupe"
)

// ErrTimeout is returned when the companion app did not respond within the
// caller's deadline. The round-trip has no inherent bound; callers must
// always supply one.
var ErrTimeout = errors.New("companion request timed out")

// dedupeTTL bounds how long settled request IDs are remembered so replayed
// callback deliveries can be recognized and dropped.
const dedupeTTL = 10 * time.Minute

// Transport delivers a request to the companion app. Delivery is fire and
// forget: the response arrives later through HandleResponse. Implementations
// must return promptly; user approval time is not delivery time.
type Transport interface {
	Deliver(ctx context.Context, req *Request) error
}

// TokenIssuer mints the bearer token the companion must present on its
// callback for a given request.
type TokenIssuer interface {
	Issue(requestID string) (string, error)
}

// Connection correlates outbound requests with inbound callbacks. There is at
// most one companion app, so a single Connection is owned by the auth service
// for the life of the process.
type Connection struct {
	transport Transport
	tokens    TokenIssuer
	pending   map[string]chan *Response
	seen      *dedupe.Cache
	mu        sync.RWMutex
	logger    *slog.Logger
}

// NewConnection creates a Connection over the given transport. tokens may be
// nil when callback authentication is handled elsewhere (tests).
func NewConnection(transport Transport, tokens TokenIssuer, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		transport: transport,
		tokens:    tokens,
		pending:   make(map[string]chan *Response),
		seen:      dedupe.New(dedupeTTL, 1024),
		logger:    logger.With("component", "companion"),
	}
}

// RoundTrip delivers a request and waits for its callback. The wait is
// unbounded by design; ctx carries the caller's timeout. On deadline the
// operation is abandoned and ErrTimeout returned; a callback that arrives
// afterwards is treated as unknown and discarded.
func (c *Connection) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if c.tokens != nil && req.CallbackToken == "" {
		token, err := c.tokens.Issue(req.ID)
		if err != nil {
			return nil, fmt.Errorf("issuing callback token: %w", err)
		}
		req.CallbackToken = token
	}

	ch := c.createRequest(req.ID)
	defer c.closeRequest(req.ID)

	if err := c.transport.Deliver(ctx, req); err != nil {
		return nil, fmt.Errorf("delivering companion request: %w", err)
	}

	c.logger.Debug("companion request delivered", "request_id", req.ID, "type", req.Type)

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, req.Type)
		}
		return nil, ctx.Err()
	case resp := <-ch:
		return resp, nil
	}
}

// HandleResponse routes a callback to its pending request. Duplicate
// deliveries and callbacks for unknown (settled, timed out, or cancelled)
// requests are logged and discarded.
func (c *Connection) HandleResponse(resp *Response) {
	if c.seen.CheckAndMark(resp.RequestID) {
		c.logger.Warn("dropping duplicate companion response", "request_id", resp.RequestID)
		return
	}

	c.mu.RLock()
	ch, ok := c.pending[resp.RequestID]
	c.mu.RUnlock()

	if !ok {
		c.logger.Warn("received response for unknown request", "request_id", resp.RequestID)
		return
	}

	// Non-blocking send; the channel is buffered and the waiter may have
	// just given up on its deadline.
	select {
	case ch <- resp:
	default:
		c.logger.Warn("response channel full, dropping", "request_id", resp.RequestID)
	}
}

// Close releases the dedupe cache resources.
func (c *Connection) Close() {
	c.seen.Close()
}

// createRequest registers a pending request and returns its response channel.
func (c *Connection) createRequest(requestID string) <-chan *Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan *Response, 1)
	c.pending[requestID] = ch
	return ch
}

// closeRequest removes the response channel for a request.
func (c *Connection) closeRequest(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, requestID)
}
