package wsprovider

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
	"github.com/teranos/roster/logger"
	"github.com/teranos/roster/version"
)

// Session serves requests on behalf of one connected identity.
type Session interface {
	group.StateProvider
	group.ProfileDirectory
}

// Connector opens a session for the identity a client said hello as.
type Connector func(self group.Self) Session

// Handler upgrades HTTP requests to websocket sessions.
type Handler struct {
	connect  Connector
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
	sessions atomic.Int64
}

// NewHandler creates a websocket handler serving sessions from connect.
func NewHandler(connect Connector, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = logger.ComponentLogger("provider.ws")
	}
	return &Handler{
		connect: connect,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  2048,
			WriteBufferSize: 2048,
		},
		logger: log,
	}
}

// Sessions reports how many connections are currently open.
func (h *Handler) Sessions() int {
	return int(h.sessions.Load())
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("WebSocket upgrade failed",
			logger.FieldAddress, r.RemoteAddr,
			logger.FieldError, err)
		return
	}
	defer conn.Close()
	h.logger.Debugw("WebSocket upgraded",
		logger.FieldAddress, r.RemoteAddr,
		"user_agent", r.UserAgent())

	h.sessions.Add(1)
	defer h.sessions.Add(-1)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go keepAlive(conn, done)

	h.serve(r.Context(), conn, r.RemoteAddr)
}

// keepAlive pings the peer until done closes or a ping cannot be sent.
func keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) serve(ctx context.Context, conn Conn, addr string) {
	var hello Msg
	if err := conn.ReadJSON(&hello); err != nil {
		h.handleReadError(err, addr)
		return
	}
	if hello.Type != MsgHello || hello.Identity == "" {
		h.logger.Warnw("Rejecting connection without hello", logger.FieldAddress, addr)
		h.write(conn, errorMsg(hello.ID, errors.Wrap(errors.ErrMalformedState, "first message must be hello with an identity")))
		return
	}
	// A zero revision predates versioned hellos and is treated as current.
	if hello.Protocol != 0 && hello.Protocol != version.Protocol {
		h.logger.Warnw("Rejecting client with different protocol revision",
			logger.FieldAddress, addr,
			"client_protocol", hello.Protocol)
		h.write(conn, errorMsg(hello.ID, errors.Wrapf(errors.ErrVerificationFailure,
			"protocol revision %d not supported, server speaks %d", hello.Protocol, version.Protocol)))
		return
	}

	self := group.Self{Identity: hello.Identity, ProfileKey: hello.ProfileKey}
	session := h.connect(self)
	log := logger.ChildLogger(h.logger, logger.FieldPeer, self.Identity, logger.FieldAddress, addr)
	if err := h.write(conn, Msg{Type: MsgHello, ID: hello.ID, Protocol: version.Protocol}); err != nil {
		return
	}
	log.Infow("Session opened")
	defer log.Infow("Session closed")

	for {
		var req Msg
		if err := conn.ReadJSON(&req); err != nil {
			h.handleReadError(err, addr)
			return
		}

		reqCtx := logger.WithRequestID(ctx, strconv.FormatUint(req.ID, 10))
		if !req.Group.IsZero() {
			reqCtx = logger.WithGroupID(reqCtx, req.Group.Short())
		}
		reqLog := logger.WithContext(log, reqCtx)

		start := time.Now()
		resp := dispatch(reqCtx, session, req)
		if resp.Type == MsgError {
			reqLog.Debugw("Request failed",
				logger.FieldHandler, req.Type,
				logger.FieldStatus, resp.Error.Code,
				logger.FieldError, resp.Error.Message)
		} else {
			reqLog.Debugw("Request served",
				logger.FieldHandler, req.Type,
				logger.FieldDurationMS, time.Since(start).Milliseconds())
		}

		if err := h.write(conn, resp); err != nil {
			log.Warnw("Failed to write response", logger.FieldError, err)
			return
		}
	}
}

func (h *Handler) write(conn Conn, msg Msg) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

// handleReadError logs unexpected WebSocket read errors.
// Expected closure codes (going away, abnormal, no status) are silently ignored.
func (h *Handler) handleReadError(err error, addr string) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		h.logger.Warnw("WebSocket read error",
			logger.FieldAddress, addr,
			logger.FieldError, err)
	}
}

// dispatch runs one request against session and builds its response.
func dispatch(ctx context.Context, session Session, req Msg) Msg {
	params := group.Params{ID: req.Group}
	resp := Msg{Type: req.Type, ID: req.ID}

	var err error
	switch req.Type {
	case MsgCurrentState:
		resp.Snapshot, err = session.CurrentState(ctx, params)
	case MsgHistory:
		resp.Entries, err = session.History(ctx, params, req.Revision)
	case MsgSubmit:
		if req.Actions == nil {
			return errorMsg(req.ID, errors.Wrap(errors.ErrMalformedState, "submit without actions"))
		}
		resp.Change, err = session.SubmitChange(ctx, params, req.Actions)
	case MsgUploadAvatar:
		resp.Ref, err = session.UploadAvatar(ctx, params, req.Data)
	case MsgDownloadAvatar:
		resp.Data, err = session.DownloadAvatar(ctx, params, req.Ref)
	case MsgCreateGroup:
		if req.NewGroup == nil {
			return errorMsg(req.ID, errors.Wrap(errors.ErrMalformedState, "create without group"))
		}
		resp.Snapshot, err = session.CreateGroup(ctx, *req.NewGroup)
	case MsgFetchProfile:
		var profile group.Profile
		profile, err = session.FetchProfile(ctx, req.Identity)
		resp.Profile = &profile
	default:
		err = errors.Wrapf(errors.ErrMalformedState, "unknown request type %q", req.Type)
	}

	if err != nil {
		return errorMsg(req.ID, err)
	}
	return resp
}
