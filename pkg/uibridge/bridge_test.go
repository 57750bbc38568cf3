package uibridge

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trybe-app/trybesync"
	"github.com/trybe-app/trybesync/internal/testenv"
	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/docstore/memstore"
	"github.com/trybe-app/trybesync/pkg/identity"
	"github.com/trybe-app/trybesync/pkg/models"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type bridgeFixture struct {
	store  *memstore.Store
	engine *trybesync.Engine
	hub    *Hub
	notes  *trybesync.ChannelNotifier
	server *httptest.Server
}

func newBridge(t *testing.T, ident identity.Provider) *bridgeFixture {
	t.Helper()
	f := &bridgeFixture{
		store: memstore.New(),
		notes: trybesync.NewChannelNotifier(16),
	}
	testenv.SeedGroup(t, f.store, models.Group{
		ID:          "g1",
		Name:        "Sunset climb",
		Capacity:    10,
		MemberCount: 1,
		Members:     []models.UserID{"bob"},
		CreatorID:   "bob",
		Photos:      []string{"https://cdn.example.com/cover.jpg"},
	})
	f.hub = NewHub().Also(f.notes)
	f.engine = trybesync.New(f.store,
		trybesync.WithIdentity(ident),
		trybesync.WithNotifier(f.hub),
	)
	require.NoError(t, f.engine.Refresh().Wait(context.Background()))

	srv := New(f.engine, f.hub)
	f.server = httptest.NewServer(srv)
	t.Cleanup(func() {
		f.server.Close()
		_ = srv.Close()
		_ = f.engine.Close(context.Background())
	})
	return f
}

func (f *bridgeFixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *bridgeFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return f.hub.Len() == 1 }, waitFor, tick)
	return conn
}

// next reads events until match accepts one.
func next(t *testing.T, conn *websocket.Conn, match func(Event) bool) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev Event
		require.NoError(t, json.Unmarshal(data, &ev))
		if match(ev) {
			return ev
		}
	}
}

func TestListGroups(t *testing.T) {
	f := newBridge(t, identity.NewSignedIn("alice"))

	resp := f.do(t, http.MethodGet, "/groups", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	groups := decodeBody[[]GroupView](t, resp)
	require.Len(t, groups, 1)
	assert.Equal(t, models.GroupID("g1"), groups[0].ID)
	assert.Equal(t, "Sunset climb", groups[0].Name)
	assert.Equal(t, []string{"https://cdn.example.com/cover.jpg"}, groups[0].DisplayPhotos)
}

func TestGetGroup(t *testing.T) {
	f := newBridge(t, identity.NewSignedIn("alice"))

	resp := f.do(t, http.MethodGet, "/groups/g1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decodeBody[GroupView](t, resp).MemberCount)

	resp = f.do(t, http.MethodGet, "/groups/nope", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NotFound", decodeBody[errorResponse](t, resp).Kind)
}

func TestJoinAnswersOptimisticState(t *testing.T) {
	f := newBridge(t, identity.NewSignedIn("alice"))
	f.store.AddStub(memstore.Stub{Method: memstore.MethodTransaction, Delay: 200 * time.Millisecond, Times: 1})

	resp := f.do(t, http.MethodPost, "/groups/g1/join", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	g := decodeBody[GroupView](t, resp)
	assert.Equal(t, 2, g.MemberCount)
	assert.Equal(t, []models.UserID{"bob", "alice"}, g.Members)

	assert.Eventually(t, func() bool {
		return testenv.LoadGroup(t, f.store, "g1").MemberCount == 2
	}, waitFor, tick)
}

func TestWaitReportsOutcome(t *testing.T) {
	f := newBridge(t, identity.NewSignedIn("alice"))

	resp := f.do(t, http.MethodPost, "/groups/g1/join?wait=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, testenv.LoadGroup(t, f.store, "g1").MemberCount)

	f.store.FailNext(memstore.MethodTransaction, constants.ErrPermissionDenied, 1)
	resp = f.do(t, http.MethodPost, "/groups/g1/leave?wait=true", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decodeBody[errorResponse](t, resp)
	assert.Equal(t, "PermissionDenied", body.Kind)
	assert.Equal(t, "You don't have permission to do that.", body.Error)
}

func TestSignedOutIsUnauthorized(t *testing.T) {
	session := identity.NewSession()
	session.SignOut()
	f := newBridge(t, session)

	resp := f.do(t, http.MethodPost, "/groups/g1/join?wait=1", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Unauthenticated", decodeBody[errorResponse](t, resp).Kind)
}

func TestSendMessage(t *testing.T) {
	f := newBridge(t, identity.NewSignedIn("bob"))

	t.Run("empty body", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, "/groups/g1/messages", sendRequest{Body: "   "})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Empty(t, decodeBody[errorResponse](t, resp).Kind)
	})

	t.Run("bad payload", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, f.server.URL+"/groups/g1/messages", strings.NewReader("{"))
		require.NoError(t, err)
		resp, err := f.server.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("pending echo", func(t *testing.T) {
		f.store.AddStub(memstore.Stub{Method: memstore.MethodAdd, Delay: 200 * time.Millisecond, Times: 1})
		resp := f.do(t, http.MethodPost, "/groups/g1/messages", sendRequest{Body: "see you there"})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		view := decodeBody[MessagesView](t, resp)
		require.Len(t, view.Messages, 1)
		assert.Equal(t, "see you there", view.Messages[0].Body)
		assert.Equal(t, models.Pending, view.Messages[0].State)
		assert.True(t, view.Messages[0].Mine)
	})

	resp := f.do(t, http.MethodGet, "/groups/g1/messages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[MessagesView](t, resp).Messages, 1)
}

func TestUnsubscribeChat(t *testing.T) {
	f := newBridge(t, identity.NewSignedIn("bob"))

	resp := f.do(t, http.MethodPost, "/groups/g1/chat?wait=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, chat := f.engine.Subscribed("g1")
	assert.True(t, chat)

	resp = f.do(t, http.MethodDelete, "/groups/g1/chat", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, chat = f.engine.Subscribed("g1")
	assert.False(t, chat)
}

func TestMedia(t *testing.T) {
	f := newBridge(t, identity.NewSignedIn("alice"))

	resp := f.do(t, http.MethodGet, "/media?ref=https://cdn.example.com/a.jpg", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]string{"url": "https://cdn.example.com/a.jpg"}, decodeBody[map[string]string](t, resp))

	resp = f.do(t, http.MethodGet, "/media", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsPushChanges(t *testing.T) {
	f := newBridge(t, identity.NewSignedIn("alice"))
	conn := f.dial(t)

	resp := f.do(t, http.MethodPost, "/groups/g1/join", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	ev := next(t, conn, func(ev Event) bool { return ev.Type == EventChange })
	require.NotNil(t, ev.Change)
	assert.Equal(t, trybesync.ChangeGroups, ev.Change.Kind)
	assert.Equal(t, models.GroupID("g1"), ev.Change.GroupID)
}

func TestEventsPushNotifications(t *testing.T) {
	f := newBridge(t, identity.NewSignedIn("alice"))
	conn := f.dial(t)

	f.store.FailNext(memstore.MethodTransaction, constants.ErrPermissionDenied, 1)
	f.engine.JoinGroup("g1")

	ev := next(t, conn, func(ev Event) bool { return ev.Type == EventNotification })
	require.NotNil(t, ev.Notification)
	assert.Equal(t, "error", ev.Notification.Level)
	assert.Equal(t, "PermissionDenied", ev.Notification.Kind)
	assert.Equal(t, models.GroupID("g1"), ev.Notification.GroupID)

	select {
	case n := <-f.notes.C():
		assert.Equal(t, trybesync.KindPermissionDenied, n.Kind)
	case <-time.After(waitFor):
		t.Fatal("chained notifier not called")
	}
}

func TestHubCloseDisconnects(t *testing.T) {
	f := newBridge(t, identity.NewSignedIn("alice"))
	conn := f.dial(t)

	f.hub.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, CloseMessageCode), "got %v", err)
	assert.Zero(t, f.hub.Len())
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{constants.ErrUnauthenticated, http.StatusUnauthorized},
		{constants.ErrPermissionDenied, http.StatusForbidden},
		{constants.ErrNotFound, http.StatusNotFound},
		{constants.ErrTransactionConflict, http.StatusConflict},
		{constants.ErrResolutionFailure, http.StatusBadGateway},
		{constants.ErrNetworkFailure, http.StatusServiceUnavailable},
		{constants.ErrEmptyBody, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		t.Run(c.err.Error(), func(t *testing.T) {
			assert.Equal(t, c.want, statusOf(c.err, trybesync.KindOf(c.err)))
		})
	}
}
