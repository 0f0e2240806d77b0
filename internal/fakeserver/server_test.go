package fakeserver_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/g960059/window/internal/api"
	"github.com/g960059/window/internal/appclient"
	"github.com/g960059/window/internal/config"
	"github.com/g960059/window/internal/credstore"
	"github.com/g960059/window/internal/fakeserver"
	"github.com/g960059/window/internal/model"
	"github.com/g960059/window/internal/protocol"
	"github.com/g960059/window/internal/session"
	"github.com/g960059/window/internal/stateengine"
	"github.com/g960059/window/internal/transport"
)

const waitFor = 3 * time.Second

func startServer(t *testing.T, opts ...fakeserver.Option) (*fakeserver.Server, *httptest.Server) {
	t.Helper()
	fake := fakeserver.New("secret", opts...)
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(func() {
		fake.DropConnections()
		srv.Close()
	})
	return fake, srv
}

func TestRESTEndpoints(t *testing.T) {
	fake, srv := startServer(t)
	fake.SetMessages([]api.MessageItem{
		{ID: "m1", Role: "user", Content: "one", Timestamp: "2026-02-13T10:00:00Z"},
		{ID: "m2", Role: "agent", Content: "two", Timestamp: "2026-02-13T10:01:00Z"},
		{ID: "m3", Role: "user", Content: "three", Timestamp: "2026-02-13T10:02:00Z"},
	})
	client := appclient.New(srv.URL, "secret", appclient.WithHTTPClient(srv.Client()))

	status, err := client.FetchStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fake-agent", status.Agent)
	assert.Equal(t, model.AgentIdle, status.State)
	assert.Equal(t, 1200, status.TokensUsed)

	msgs, err := client.FetchMessages(context.Background(), 2, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)

	before := time.Date(2026, 2, 13, 10, 1, 0, 0, time.UTC)
	msgs, err = client.FetchMessages(context.Background(), 10, &before)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, 1, fake.StatusRequests())
}

func TestRESTRejectsWrongKey(t *testing.T) {
	_, srv := startServer(t)
	_, err := appclient.New(srv.URL, "wrong", appclient.WithHTTPClient(srv.Client())).FetchStatus(context.Background())
	var reqErr *appclient.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusUnauthorized, reqErr.StatusCode)
	assert.Equal(t, "E_AUTH", reqErr.Code)
}

func TestFailureInjection(t *testing.T) {
	fake, srv := startServer(t)
	client := appclient.New(srv.URL, "secret", appclient.WithHTTPClient(srv.Client()))

	fake.FailStatus(http.StatusServiceUnavailable)
	_, err := client.FetchStatus(context.Background())
	require.Error(t, err)

	fake.FailStatus(http.StatusOK)
	_, err = client.FetchStatus(context.Background())
	require.NoError(t, err)

	fake.FailMessages(http.StatusInternalServerError)
	_, err = client.FetchMessages(context.Background(), 5, nil)
	require.Error(t, err)
}

func TestWebSocketGreetsAndRecordsSends(t *testing.T) {
	fake, srv := startServer(t, fakeserver.WithReplier(fakeserver.EchoReplier))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	conn, err := transport.WebSocketDialer{}.Dial(ctx, transport.URLFor(srv.URL, "secret"))
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck

	hello, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeConnected, gjson.GetBytes(hello, "type").String())
	assert.Equal(t, "fake-agent", gjson.GetBytes(hello, "agent").String())

	frame, err := protocol.EncodeSend("msg_1", "ping pong")
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, frame))

	select {
	case got := <-fake.Received():
		assert.Equal(t, "msg_1", got.ID)
		assert.Equal(t, "ping pong", got.Content)
	case <-ctx.Done():
		t.Fatal("server never received the message")
	}

	var types []string
	for i := 0; i < 3; i++ {
		data, err := conn.Read(ctx)
		require.NoError(t, err)
		ev, err := protocol.Decode(data)
		require.NoError(t, err)
		types = append(types, ev.Type())
	}
	assert.Equal(t, []string{protocol.TypeMessageStream, protocol.TypeMessageStream, protocol.TypeMessageComplete}, types)
}

func TestWebSocketRejectsWrongToken(t *testing.T) {
	_, srv := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := transport.WebSocketDialer{}.Dial(ctx, transport.URLFor(srv.URL, "wrong"))
	assert.Error(t, err)
}

func TestSessionAgainstFakeServer(t *testing.T) {
	fake, srv := startServer(t, fakeserver.WithReplier(fakeserver.EchoReplier))
	fake.SetMessages([]api.MessageItem{
		{ID: "m1", Role: "user", Content: "earlier", Timestamp: "2026-02-13T10:00:00Z"},
	})

	cfg := config.DefaultConfig()
	cfg.ReconnectDelay = 20 * time.Millisecond
	store := credstore.NewMemory()
	ctrl := session.New(cfg, store)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	ctrl.Connect(srv.URL, "secret")
	require.Eventually(t, func() bool {
		return ctrl.Snapshot().State == stateengine.StateLive
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return fake.Connections() == 1 }, waitFor, 5*time.Millisecond)

	id := ctrl.SendMessage("hello agent")
	require.Eventually(t, func() bool {
		items := ctrl.Snapshot().Timeline
		last := items[len(items)-1].Message
		return last != nil && last.ID == "final_"+id && !last.IsStreaming
	}, waitFor, 5*time.Millisecond)
	items := ctrl.Snapshot().Timeline
	require.Len(t, items, 3)
	assert.Equal(t, "m1", items[0].Message.ID)
	assert.Equal(t, id, items[1].Message.ID)
	assert.Equal(t, "hello agent", items[2].Message.Content)

	creds, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, srv.URL, creds.Host)

	// server restart: the client drops to reconnecting, then comes back
	fake.DropConnections()
	require.Eventually(t, func() bool {
		s := ctrl.Snapshot()
		return s.State == stateengine.StateLive && fake.Connections() == 1
	}, waitFor, 5*time.Millisecond)
	assert.Len(t, ctrl.Snapshot().Timeline, 3)

	tokens := 2000
	require.NoError(t, fake.Broadcast(context.Background(), protocol.StatusUpdate{Status: "busy", ContextRemaining: 0.4, TokensUsed: &tokens}))
	require.NoError(t, fake.BroadcastRaw(context.Background(), []byte(`{"type":"task.updated"`)))
	require.Eventually(t, func() bool {
		s := ctrl.Snapshot()
		return s.Status != nil && s.Status.State == model.AgentBusy && s.Status.TokensUsed == 2000
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, stateengine.StateLive, ctrl.Snapshot().State, "malformed frames do not end the session")
}
