package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/chatrelay/internal/auth"
)

// State is a session's position in the connection lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateInRoom
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateInRoom:
		return "IN_ROOM"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

type verification struct {
	userID string
	err    error
}

// Session drives one connection through authentication, room membership and
// messaging. All state transitions happen on the goroutine running Run.
type Session struct {
	conn     *Connection
	hub      *Hub
	verifier auth.Verifier
	logger   *slog.Logger
	tracer   trace.Tracer
	limiter  *rate.Limiter
	now      func() time.Time

	credentialParam string
	verifyTimeout   time.Duration

	state    atomic.Int32
	verified chan verification
}

// NewSession builds the controller for conn. A nil verifier accepts every
// credential with a demo identity.
func NewSession(conn *Connection, hub *Hub, verifier auth.Verifier, cfg Config, logger *slog.Logger) *Session {
	cfg = sanitizeConfig(cfg)
	if verifier == nil {
		verifier = auth.DemoVerifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		conn:            conn,
		hub:             hub,
		verifier:        verifier,
		logger:          logger.With("conn", conn.ID()),
		tracer:          otel.Tracer(tracerName),
		limiter:         newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		now:             time.Now,
		credentialParam: cfg.CredentialParam,
		verifyTimeout:   cfg.VerifyTimeout,
		verified:        make(chan verification, 1),
	}
}

// State returns the current lifecycle state. Safe from any goroutine.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// Run processes the connection until the peer goes away or ctx is cancelled.
// The connection is closed and unregistered when Run returns.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !s.open(ctx) {
		return
	}

	for {
		select {
		case res := <-s.verified:
			if !s.completeVerification(res) {
				return
			}
		case raw, ok := <-s.conn.Inbound():
			if !ok {
				s.teardown(websocket.CloseNormalClosure, "")
				return
			}
			s.handleFrame(ctx, raw)
		case <-ctx.Done():
			s.teardown(websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

// open starts verification of the connect-time credential. It returns false
// when the connection was rejected outright.
func (s *Session) open(ctx context.Context) bool {
	s.setState(StateAuthenticating)

	credential := strings.TrimSpace(s.conn.Param(s.credentialParam))
	if credential == "" {
		s.logger.Info("rejecting connection without credential")
		s.reject(ErrAuthRequired)
		return false
	}

	go s.verify(ctx, credential)
	return true
}

// verify runs off the session goroutine. Its context ends with the session, so
// a late result is simply never read. The timeout applies even when the
// verifier ignores ctx.
func (s *Session) verify(ctx context.Context, credential string) {
	ctx, cancel := context.WithTimeout(ctx, s.verifyTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "auth.verify")
	defer span.End()

	result := make(chan verification, 1)
	go func() {
		userID, err := s.verifier.Verify(ctx, credential)
		result <- verification{userID: userID, err: err}
	}()

	var res verification
	select {
	case res = <-result:
	case <-ctx.Done():
		res = verification{err: ctx.Err()}
	}

	if res.err == nil && strings.TrimSpace(res.userID) == "" {
		res.err = auth.ErrInvalidCredential
	}
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, "verification failed")
	}

	s.verified <- res
}

func (s *Session) completeVerification(res verification) bool {
	if s.State() != StateAuthenticating {
		return true
	}

	if res.err != nil {
		s.logger.Warn("authentication failed", "error", res.err)
		s.reject(ErrAuthFailed)
		return false
	}

	s.conn.userID = res.userID
	s.logger = s.logger.With("user", res.userID)
	s.setState(StateAuthenticated)
	s.logger.Info("authenticated")
	s.send(NewSystemMessage(TypeAuthSuccess, "", "Authentication successful", s.now()))
	return true
}

func (s *Session) authenticated() bool {
	state := s.State()
	return state == StateAuthenticated || state == StateInRoom
}

// handleFrame applies the checks in order: authenticated, within rate, well
// formed, known type.
func (s *Session) handleFrame(ctx context.Context, raw []byte) {
	if !s.authenticated() {
		s.sendError(ErrNotAuthenticated)
		return
	}

	if !s.limiter.Allow() {
		s.logger.Info("rate limit exceeded, discarding frame")
		s.sendError(ErrRateLimited)
		return
	}

	frame, err := ParseFrame(raw)
	if err != nil {
		s.logger.Debug("malformed frame", "error", err)
		s.sendError(ErrMalformedFrame)
		return
	}

	switch frame.Type {
	case TypeJoinRoom:
		s.handleJoin(frame.roomID())
	case TypeLeaveRoom:
		s.handleLeave(frame.roomID())
	case TypeMessage:
		s.handleMessage(ctx, frame.content())
	case TypePing:
		s.send(NewPong(s.now()))
	default:
		s.logger.Debug("unknown frame type", "type", frame.Type)
		s.sendError(ErrUnknownFrameType)
	}
}

func (s *Session) handleJoin(roomID string) {
	if roomID == "" {
		s.sendError(ErrInvalidRoomID)
		return
	}

	userID := s.conn.userID
	if current := s.conn.roomID; current != "" && current != roomID {
		s.hub.Leave(current, userID, s.conn)
	}

	if !s.hub.Join(roomID, userID, s.conn) {
		s.conn.roomID = ""
		s.setState(StateAuthenticated)
		s.logger.Debug("join refused for closed connection", "room", roomID)
		return
	}
	s.conn.roomID = roomID
	s.setState(StateInRoom)
	s.send(NewSystemMessage(TypeJoinedRoom, roomID, "Joined room: "+roomID, s.now()))
}

// handleLeave ignores requests naming anything but the current room.
func (s *Session) handleLeave(roomID string) {
	current := s.conn.roomID
	if s.State() != StateInRoom || roomID == "" || roomID != current {
		s.logger.Debug("ignoring leave for room not joined", "room", roomID)
		return
	}

	s.hub.Leave(current, s.conn.userID, s.conn)
	s.conn.roomID = ""
	s.setState(StateAuthenticated)
	s.send(NewSystemMessage(TypeLeftRoom, current, "Left room: "+current, s.now()))
}

func (s *Session) handleMessage(ctx context.Context, content string) {
	if s.State() != StateInRoom {
		s.sendError(ErrNotInRoom)
		return
	}
	if strings.TrimSpace(content) == "" {
		s.sendError(ErrEmptyContent)
		return
	}

	if s.conn.IsClosed() {
		return
	}

	roomID := s.conn.roomID
	msg := NewChatMessage(roomID, s.conn.userID, content, s.now())
	delivered := s.hub.Broadcast(ctx, roomID, msg)
	s.logger.Debug("message relayed", "room", roomID, "delivered", delivered)
}

// reject reports err to the peer and closes with a policy violation.
func (s *Session) reject(err error) {
	s.sendError(err)
	s.finish(websocket.ClosePolicyViolation, err.Error())
}

// teardown leaves the current room and closes the connection.
func (s *Session) teardown(code int, reason string) {
	if s.State() == StateInRoom {
		s.hub.Leave(s.conn.roomID, s.conn.userID, s.conn)
		s.conn.roomID = ""
	}
	s.finish(code, reason)
}

func (s *Session) finish(code int, reason string) {
	s.conn.Close(code, reason)
	s.hub.Unregister(s.conn)
	s.setState(StateClosed)
	s.logger.Info("session closed")
}

func (s *Session) sendError(err error) {
	s.send(NewErrorMessage(err, s.conn.roomID, s.now()))
}

func (s *Session) send(msg Message) {
	if err := s.conn.Send(msg); err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			s.logger.Debug("dropping frame for closed connection", "type", msg.Type)
			return
		}
		s.logger.Warn("failed to queue frame", "type", msg.Type, "error", err)
	}
}
