// Package websocket exposes the notification fan-out over WebSocket
// connections. Each accepted connection becomes one notify.Channel
// registered under the caller's identity.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"chenu/internal/notify"
	id "chenu/pkg/domain"
	dErrors "chenu/pkg/domain-errors"
	"chenu/pkg/platform/httputil"
	"chenu/pkg/requestcontext"
)

const (
	defaultBufferSize   = 64
	defaultWriteTimeout = 5 * time.Second
)

var (
	ErrClosed     = errors.New("channel closed")
	ErrBufferFull = errors.New("channel outbound buffer full")
)

// Channel queues events for one socket. Send never blocks: when the buffer
// is full the event is dropped and the fan-out counts a failure.
type Channel struct {
	id        id.ChannelID
	outbound  chan notify.Event
	closed    chan struct{}
	closeOnce sync.Once
}

func newChannel(bufferSize int) *Channel {
	return &Channel{
		id:       id.ChannelID("ws-" + uuid.NewString()),
		outbound: make(chan notify.Event, bufferSize),
		closed:   make(chan struct{}),
	}
}

func (c *Channel) ID() id.ChannelID { return c.id }

func (c *Channel) Send(_ context.Context, event notify.Event) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.outbound <- event:
		return nil
	case <-c.closed:
		return ErrClosed
	default:
		return ErrBufferFull
	}
}

func (c *Channel) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Registry is the subscription side of the fan-out.
type Registry interface {
	Subscribe(identity id.IdentityID, ch notify.Channel) error
	Unsubscribe(channelID id.ChannelID)
}

// Handler upgrades authenticated requests and pumps events to the socket
// until either side goes away.
type Handler struct {
	registry       Registry
	logger         *slog.Logger
	originPatterns []string
	bufferSize     int
	writeTimeout   time.Duration
}

type Option func(*Handler)

// WithOriginPatterns allows cross-origin upgrades from the given host
// patterns. Same-origin requests are always allowed.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) {
		h.originPatterns = patterns
	}
}

func WithBufferSize(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

func NewHandler(registry Registry, opts ...Option) *Handler {
	h := &Handler{
		registry:     registry,
		logger:       slog.Default(),
		bufferSize:   defaultBufferSize,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// readyMessage is the first frame on every connection.
type readyMessage struct {
	Type      string       `json:"type"`
	ChannelID id.ChannelID `json:"channel_id"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := requestcontext.Identity(r.Context())
	if identity.IsNil() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authentication required"))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	ch := newChannel(h.bufferSize)
	defer ch.close()
	if err := h.registry.Subscribe(identity, ch); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer h.registry.Unsubscribe(ch.ID())

	h.logger.InfoContext(r.Context(), "notification channel opened",
		"identity_id", identity.String(),
		"channel_id", ch.ID().String(),
	)

	// Clients never send frames; CloseRead cancels ctx when the peer closes.
	ctx := conn.CloseRead(r.Context())
	status, reason := h.pump(ctx, conn, ch)
	_ = conn.Close(status, reason)

	h.logger.InfoContext(r.Context(), "notification channel closed",
		"identity_id", identity.String(),
		"channel_id", ch.ID().String(),
		"reason", reason,
	)
}

func (h *Handler) pump(ctx context.Context, conn *websocket.Conn, ch *Channel) (websocket.StatusCode, string) {
	if err := h.write(ctx, conn, readyMessage{Type: "ready", ChannelID: ch.ID()}); err != nil {
		return websocket.StatusInternalError, "write_failed"
	}
	for {
		select {
		case <-ctx.Done():
			return websocket.StatusNormalClosure, "closed"
		case event := <-ch.outbound:
			if err := h.write(ctx, conn, event); err != nil {
				return websocket.StatusInternalError, "write_failed"
			}
		}
	}
}

func (h *Handler) write(ctx context.Context, conn *websocket.Conn, v any) error {
	writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, v)
}
