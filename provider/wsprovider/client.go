package wsprovider

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
	"github.com/teranos/roster/logger"
	"github.com/teranos/roster/version"
)

// Options configure a Client.
type Options struct {
	// RequestsPerMinute paces calls to the server; 0 means unlimited.
	RequestsPerMinute int
	// Timeout bounds one request when the caller's context has no deadline.
	Timeout time.Duration
	Logger  *zap.SugaredLogger
}

// DialFunc opens a connection to the server.
type DialFunc func(ctx context.Context) (Conn, error)

// Client is a group.StateProvider and group.ProfileDirectory that talks to a
// roster server over a websocket. Requests are serialized on one connection.
// A broken connection is dropped and re-dialed on the next request.
type Client struct {
	dial    DialFunc
	self    group.Self
	limiter *rate.Limiter
	timeout time.Duration
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	conn     Conn
	nextID   uint64
	lastUsed time.Time
	now      func() time.Time
}

var (
	_ group.StateProvider    = (*Client)(nil)
	_ group.ProfileDirectory = (*Client)(nil)
)

// Dial connects to the server at url as self.
func Dial(ctx context.Context, url string, self group.Self, opts Options) (*Client, error) {
	c := NewClient(WebsocketDialer(url), self, opts)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// WebsocketDialer returns a DialFunc for the server at url.
func WebsocketDialer(url string) DialFunc {
	dialer := websocket.Dialer{HandshakeTimeout: writeWait}
	header := http.Header{"User-Agent": []string{version.Get().UserAgent()}}
	return func(ctx context.Context) (Conn, error) {
		conn, _, err := dialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "failed to connect to %s", url), errors.ErrIO)
		}
		conn.SetReadLimit(maxMessageSize)
		return conn, nil
	}
}

// NewClient creates a client that connects lazily through dial.
func NewClient(dial DialFunc, self group.Self, opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = logger.ComponentLogger("provider.ws")
	}
	limit := rate.Inf
	burst := 1
	if opts.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(opts.RequestsPerMinute) / 60)
		burst = max(1, opts.RequestsPerMinute/60)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		dial:    dial,
		self:    self,
		limiter: rate.NewLimiter(limit, burst),
		timeout: timeout,
		logger:  log,
		now:     time.Now,
	}
}

// SetRate changes the request pacing. Used on config reload.
func (c *Client) SetRate(requestsPerMinute int) {
	if requestsPerMinute <= 0 {
		c.limiter.SetLimit(rate.Inf)
		return
	}
	c.limiter.SetLimit(rate.Limit(float64(requestsPerMinute) / 60))
	c.limiter.SetBurst(max(1, requestsPerMinute/60))
}

// Close closes the connection. The client may be used again afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) connectLocked(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.conn = conn

	hello := Msg{Type: MsgHello, Identity: c.self.Identity, ProfileKey: c.self.ProfileKey, Protocol: version.Protocol}
	resp, err := c.roundTripLocked(ctx, hello)
	if err != nil {
		c.dropLocked()
		return errors.Wrap(err, "hello failed")
	}
	if resp.Type == MsgError && resp.Error != nil {
		c.dropLocked()
		return errors.Wrap(resp.Error.Err(), "hello rejected")
	}
	if resp.Type != MsgHello {
		c.dropLocked()
		return errors.Wrapf(errors.ErrMalformedState, "expected hello, got %s", resp.Type)
	}
	c.logger.Debugw("Connected to group server", logger.FieldIdentity, c.self.Identity)
	return nil
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// call sends req and returns the matching response. Server errors come back as
// marked errors; transport failures are marked ErrIO and drop the connection.
func (c *Client) call(ctx context.Context, req Msg) (Msg, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Msg{}, errors.Mark(errors.Wrap(err, "request not sent"), errors.ErrIO)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// The server stops waiting for pongs after pongWait and we only answer
	// pings while reading, so an idle connection is presumed dead.
	if c.conn != nil && c.now().Sub(c.lastUsed) > idleTimeout {
		c.logger.Debugw("Reconnecting idle connection", logger.FieldIdentity, c.self.Identity)
		c.dropLocked()
	}
	if c.conn == nil {
		if err := c.connectLocked(ctx); err != nil {
			return Msg{}, err
		}
	}

	resp, err := c.roundTripLocked(ctx, req)
	if err != nil {
		return Msg{}, err
	}
	if resp.Type == MsgError {
		if resp.Error == nil {
			return Msg{}, errors.Wrap(errors.ErrMalformedState, "error response without body")
		}
		return Msg{}, resp.Error.Err()
	}
	if resp.Type != req.Type {
		return Msg{}, errors.Wrapf(errors.ErrMalformedState, "expected %s response, got %s", req.Type, resp.Type)
	}
	return resp, nil
}

func (c *Client) roundTripLocked(ctx context.Context, req Msg) (Msg, error) {
	c.nextID++
	req.ID = c.nextID

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		c.dropLocked()
		return Msg{}, errors.Mark(errors.Wrap(err, "failed to set write deadline"), errors.ErrIO)
	}
	if err := c.conn.WriteJSON(req); err != nil {
		c.dropLocked()
		return Msg{}, errors.Mark(errors.Wrapf(err, "failed to send %s", req.Type), errors.ErrIO)
	}

	if err := c.conn.SetReadDeadline(deadline); err != nil {
		c.dropLocked()
		return Msg{}, errors.Mark(errors.Wrap(err, "failed to set read deadline"), errors.ErrIO)
	}
	var resp Msg
	if err := c.conn.ReadJSON(&resp); err != nil {
		c.dropLocked()
		return Msg{}, errors.Mark(errors.Wrapf(err, "failed to receive %s response", req.Type), errors.ErrIO)
	}

	if resp.ID != req.ID {
		// The stream is out of step; nothing after this can be trusted.
		c.dropLocked()
		return Msg{}, errors.Wrapf(errors.ErrMalformedState, "response id %d does not match request %d", resp.ID, req.ID)
	}
	c.lastUsed = c.now()
	return resp, nil
}

func (c *Client) CurrentState(ctx context.Context, params group.Params) (*group.Snapshot, error) {
	resp, err := c.call(ctx, Msg{Type: MsgCurrentState, Group: params.ID})
	if err != nil {
		return nil, err
	}
	if resp.Snapshot == nil {
		return nil, errors.Wrap(errors.ErrMalformedState, "current state response has no snapshot")
	}
	return resp.Snapshot, nil
}

func (c *Client) History(ctx context.Context, params group.Params, from group.Revision) ([]group.LogEntry, error) {
	resp, err := c.call(ctx, Msg{Type: MsgHistory, Group: params.ID, Revision: from})
	if err != nil {
		return nil, err
	}
	if err := ValidateHistory(resp.Entries, from); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// ValidateHistory checks a history response: every entry has a snapshot, revisions
// start at or after from and strictly ascend, and each change belongs to its snapshot.
func ValidateHistory(entries []group.LogEntry, from group.Revision) error {
	prev := group.Revision(-1)
	for i, e := range entries {
		if e.Snapshot == nil {
			return errors.Wrapf(errors.ErrMalformedState, "history entry %d has no snapshot", i)
		}
		rev := e.Snapshot.Revision
		if i == 0 && rev < from {
			return errors.Wrapf(errors.ErrMalformedState, "history starts at %d, before requested %d", rev, from)
		}
		if rev <= prev {
			return errors.Wrapf(errors.ErrMalformedState, "history not ascending: %d after %d", rev, prev)
		}
		if e.Change != nil && e.Change.Revision() != rev {
			return errors.Wrapf(errors.ErrMalformedState, "change for revision %d attached to snapshot %d", e.Change.Revision(), rev)
		}
		prev = rev
	}
	return nil
}

func (c *Client) SubmitChange(ctx context.Context, params group.Params, actions *group.Actions) (*group.Change, error) {
	resp, err := c.call(ctx, Msg{Type: MsgSubmit, Group: params.ID, Actions: actions})
	if err != nil {
		return nil, err
	}
	if resp.Change == nil {
		return nil, errors.Wrap(errors.ErrMalformedState, "submit response has no change")
	}
	if resp.Change.Revision() != actions.Revision {
		return nil, errors.Wrapf(errors.ErrMalformedState, "server accepted revision %d, submitted %d", resp.Change.Revision(), actions.Revision)
	}
	if resp.Change.Editor != c.self.Identity {
		return nil, errors.Wrapf(errors.ErrVerificationFailure, "accepted change credited to %s", resp.Change.Editor)
	}
	return resp.Change, nil
}

func (c *Client) UploadAvatar(ctx context.Context, params group.Params, data []byte) (group.AvatarRef, error) {
	want, err := group.ComputeAvatarRef(data)
	if err != nil {
		return "", err
	}
	resp, err := c.call(ctx, Msg{Type: MsgUploadAvatar, Group: params.ID, Data: data})
	if err != nil {
		return "", err
	}
	if resp.Ref != want {
		return "", errors.Wrapf(errors.ErrVerificationFailure, "server stored avatar as %s, expected %s", resp.Ref, want)
	}
	return resp.Ref, nil
}

func (c *Client) DownloadAvatar(ctx context.Context, params group.Params, ref group.AvatarRef) ([]byte, error) {
	resp, err := c.call(ctx, Msg{Type: MsgDownloadAvatar, Group: params.ID, Ref: ref})
	if err != nil {
		return nil, err
	}
	if err := ref.Verify(resp.Data); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) CreateGroup(ctx context.Context, spec group.NewGroup) (*group.Snapshot, error) {
	resp, err := c.call(ctx, Msg{Type: MsgCreateGroup, Group: spec.Params.ID, NewGroup: &spec})
	if err != nil {
		return nil, err
	}
	if resp.Snapshot == nil {
		return nil, errors.Wrap(errors.ErrMalformedState, "create response has no snapshot")
	}
	if resp.Snapshot.Revision != 0 {
		return nil, errors.Wrapf(errors.ErrMalformedState, "new group starts at revision %d", resp.Snapshot.Revision)
	}
	return resp.Snapshot, nil
}

func (c *Client) FetchProfile(ctx context.Context, id group.Identity) (group.Profile, error) {
	resp, err := c.call(ctx, Msg{Type: MsgFetchProfile, Identity: id})
	if err != nil {
		return group.Profile{}, err
	}
	if resp.Profile == nil {
		return group.Profile{}, errors.Wrap(errors.ErrMalformedState, "profile response has no profile")
	}
	if resp.Profile.Identity != id {
		return group.Profile{}, errors.Wrapf(errors.ErrVerificationFailure, "asked for %s, got profile of %s", id, resp.Profile.Identity)
	}
	return *resp.Profile, nil
}
