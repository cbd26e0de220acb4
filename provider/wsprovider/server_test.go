package wsprovider

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
	"github.com/teranos/roster/group/grouptest"
	"github.com/teranos/roster/provider/memserver"
	"github.com/teranos/roster/version"
)

type fixture struct {
	srv     *memserver.Server
	handler *Handler
	url     string
	params  group.Params
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	srv := memserver.New(log)
	srv.Register(group.Profile{Identity: "bob", ProfileKey: grouptest.Key(2)})

	handler := NewHandler(func(self group.Self) Session { return srv.ClientFor(self) }, log)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	return &fixture{
		srv:     srv,
		handler: handler,
		url:     "ws" + strings.TrimPrefix(ts.URL, "http"),
		params:  grouptest.MasterKey(7).Params(),
	}
}

func (f *fixture) dial(t *testing.T, self group.Self) *Client {
	t.Helper()
	c, err := Dial(context.Background(), f.url, self, Options{Logger: zaptest.NewLogger(t).Sugar()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (f *fixture) create(t *testing.T, admin *Client) *group.Snapshot {
	t.Helper()
	snap, err := admin.CreateGroup(context.Background(), group.NewGroup{
		Params:  f.params,
		Title:   "tidepool",
		Members: []group.Candidate{{Identity: "bob", ProfileKey: grouptest.Key(2)}, {Identity: "carol"}},
	})
	require.NoError(t, err)
	return snap
}

var adminSelf = group.Self{Identity: "admin", ProfileKey: grouptest.Key(1)}

func TestRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.dial(t, adminSelf)

	created := f.create(t, admin)
	assert.Equal(t, group.Revision(0), created.Revision)
	assert.True(t, group.IsAdmin(created, "admin"))
	assert.True(t, group.IsPending(created, "carol"))

	title := "rockpool"
	change, err := admin.SubmitChange(ctx, f.params, &group.Actions{Revision: 1, ModifyTitle: &title})
	require.NoError(t, err)
	assert.Equal(t, group.Identity("admin"), change.Editor)
	assert.Equal(t, group.Revision(1), change.Revision())

	state, err := admin.CurrentState(ctx, f.params)
	require.NoError(t, err)
	assert.Equal(t, "rockpool", state.Title)
	assert.Equal(t, group.Revision(1), state.Revision)

	entries, err := admin.History(ctx, f.params, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Nil(t, entries[0].Change)
	require.NotNil(t, entries[1].Change)
	assert.Equal(t, "rockpool", *entries[1].Change.Actions.ModifyTitle)

	data := []byte("anemone.png")
	ref, err := admin.UploadAvatar(ctx, f.params, data)
	require.NoError(t, err)
	got, err := admin.DownloadAvatar(ctx, f.params, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	bob, err := admin.FetchProfile(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, grouptest.Key(2), bob.ProfileKey)
	assert.Equal(t, group.CapabilitySupported, bob.Capability)

	assert.Equal(t, 1, f.srv.Calls(memserver.OpSubmit))
	assert.Equal(t, 1, f.handler.Sessions())
}

func TestServerErrorsKeepTheirKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.dial(t, adminSelf)
	f.create(t, admin)

	carol := f.dial(t, group.Self{Identity: "carol", ProfileKey: grouptest.Key(3)})

	_, err := carol.History(ctx, f.params, 0)
	assert.True(t, errors.Is(err, errors.ErrNotAMember), "pending member reads history: %v", err)

	title := "stale"
	_, err = admin.SubmitChange(ctx, f.params, &group.Actions{Revision: 5, ModifyTitle: &title})
	assert.True(t, errors.Is(err, errors.ErrConflict), "wrong revision: %v", err)

	_, err = admin.FetchProfile(ctx, "nobody")
	assert.True(t, errors.IsNotFoundError(err), "unknown profile: %v", err)

	_, err = admin.CurrentState(ctx, grouptest.MasterKey(9).Params())
	assert.True(t, errors.IsNotFoundError(err), "unknown group: %v", err)

	bad := f.params
	bad.ID = grouptest.MasterKey(8).Identifier()
	_, err = admin.CreateGroup(ctx, group.NewGroup{Params: bad})
	assert.True(t, errors.Is(err, errors.ErrVerificationFailure), "forged id: %v", err)

	// the connection survives failed requests
	_, err = admin.CurrentState(ctx, f.params)
	assert.NoError(t, err)
}

func TestInjectedFaultIsRetryable(t *testing.T) {
	f := newFixture(t)
	admin := f.dial(t, adminSelf)
	f.create(t, admin)

	f.srv.SetFault(memserver.OpCurrentState, func(group.Identity, group.Identifier) error {
		return errors.New("disk on fire")
	})
	_, err := admin.CurrentState(context.Background(), f.params)
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestHelloRequired(t *testing.T) {
	f := newFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Msg{Type: MsgCurrentState, ID: 4}))
	var resp Msg
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, MsgError, resp.Type)
	assert.Equal(t, uint64(4), resp.ID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMalformed, resp.Error.Code)

	// the server hangs up after a bad hello
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	assert.Error(t, conn.ReadJSON(&resp))
}

func TestUnknownRequestType(t *testing.T) {
	f := newFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Msg{Type: MsgHello, ID: 1, Identity: "admin"}))
	var resp Msg
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, MsgHello, resp.Type)

	require.NoError(t, conn.WriteJSON(Msg{Type: "teleport", ID: 2}))
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, MsgError, resp.Type)
	assert.Equal(t, uint64(2), resp.ID)
	assert.Equal(t, CodeMalformed, resp.Error.Code)

	require.NoError(t, conn.WriteJSON(Msg{Type: MsgSubmit, ID: 3}))
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, CodeMalformed, resp.Error.Code)
}

func TestProtocolRevisionMismatch(t *testing.T) {
	f := newFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Msg{Type: MsgHello, ID: 1, Identity: "admin", Protocol: version.Protocol + 1}))
	var resp Msg
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, MsgError, resp.Type)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeVerification, resp.Error.Code)
}
