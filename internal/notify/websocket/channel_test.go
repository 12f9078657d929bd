package websocket

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chenu/internal/notify"
	id "chenu/pkg/domain"
	"chenu/pkg/requestcontext"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func withIdentity(identity id.IdentityID, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if identity != "" {
			r = r.WithContext(requestcontext.WithIdentity(r.Context(), identity))
		}
		next.ServeHTTP(w, r)
	})
}

func newServer(t *testing.T, fanout *notify.Fanout, identity id.IdentityID) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(withIdentity(identity, NewHandler(fanout, WithLogger(logger))))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, ctx context.Context, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)

	var ready readyMessage
	require.NoError(t, wsjson.Read(ctx, conn, &ready))
	require.Equal(t, "ready", ready.Type)
	return conn
}

func TestEventsReachTheOwnersSocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fanout := notify.New(notify.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	srv := newServer(t, fanout, "user-a")
	conn := dial(t, ctx, srv)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return fanout.ChannelCount("user-a") == 1 }, time.Second, 5*time.Millisecond)

	checkpointID := id.NewCheckpointID()
	delivered := fanout.Notify(ctx, "user-a", notify.Event{
		Type:         notify.EventCheckpointRequested,
		CheckpointID: checkpointID,
		Status:       "pending",
	})
	assert.Equal(t, 1, delivered)
	assert.Zero(t, fanout.Notify(ctx, "user-b", notify.Event{Type: notify.EventCheckpointRequested}))

	var got notify.Event
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, notify.EventCheckpointRequested, got.Type)
	assert.Equal(t, checkpointID, got.CheckpointID)
}

func TestClosingTheSocketUnsubscribes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fanout := notify.New(notify.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	srv := newServer(t, fanout, "user-a")
	conn := dial(t, ctx, srv)

	require.Eventually(t, func() bool { return fanout.ChannelCount("user-a") == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return fanout.ChannelCount("user-a") == 0 }, time.Second, 5*time.Millisecond)
}

func TestUnauthenticatedUpgradeIsRejected(t *testing.T) {
	fanout := notify.New()
	srv := newServer(t, fanout, "")

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	t.Cleanup(http.DefaultClient.CloseIdleConnections)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSendNeverBlocks(t *testing.T) {
	ch := newChannel(1)
	require.NoError(t, ch.Send(context.Background(), notify.Event{}))
	assert.ErrorIs(t, ch.Send(context.Background(), notify.Event{}), ErrBufferFull)

	ch.close()
	ch.close()
	assert.ErrorIs(t, ch.Send(context.Background(), notify.Event{}), ErrClosed)
}
