// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package ipcserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/warden-security/warden/lib/clock"
	"github.com/warden-security/warden/lib/codec"
	"github.com/warden-security/warden/lib/ipc"
)

// DefaultSessionTTL bounds how long an authenticated connection may
// issue commands before it must re-handshake.
const DefaultSessionTTL = 10 * time.Minute

// Handler processes one authenticated command. The raw parameter is
// the full CBOR request; handlers decode their own fields from it.
// Returning a *Failure selects the error kind sent to the peer; any
// other error is reported as an I/O error without internal detail.
type Handler func(ctx context.Context, raw []byte) (any, error)

// Failure is a handler error with a protocol error kind attached.
type Failure struct {
	Kind    ipc.ErrorKind
	Message string
}

func (f *Failure) Error() string { return fmt.Sprintf("%s: %s", f.Kind, f.Message) }

// Failf builds a *Failure.
func Failf(kind ipc.ErrorKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// SecretFunc returns the current IPC shared secret. It is consulted
// per handshake so the serving loop never holds its own copy.
type SecretFunc func() ([]byte, error)

// AuthEventFunc observes handshake outcomes so the agent can commit
// them to the audit log.
type AuthEventFunc func(success bool, detail string)

// CommandServer serves the authenticated command socket. Every
// connection must complete a challenge/response handshake before any
// command is dispatched; protocol violations close the connection.
//
// A session is bound to its connection: the token issued by the
// handshake is valid only there, and the session state is destroyed
// when the connection drops or the TTL passes.
type CommandServer struct {
	socketPath string
	secret     SecretFunc
	handlers   map[string]Handler
	clock      clock.Clock
	logger     *slog.Logger
	sessionTTL time.Duration
	onAuth     AuthEventFunc

	activeConnections sync.WaitGroup
}

// CommandServerOptions configures a CommandServer.
type CommandServerOptions struct {
	// SessionTTL is the session lifetime. Zero means
	// DefaultSessionTTL.
	SessionTTL time.Duration

	// Clock drives session expiry. Nil means the real clock.
	Clock clock.Clock

	// OnAuth, if set, is called after every handshake attempt.
	OnAuth AuthEventFunc
}

// NewCommandServer creates a command server. Register handlers with
// Handle before calling Serve.
func NewCommandServer(socketPath string, secret SecretFunc, logger *slog.Logger, options CommandServerOptions) *CommandServer {
	if options.SessionTTL <= 0 {
		options.SessionTTL = DefaultSessionTTL
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	return &CommandServer{
		socketPath: socketPath,
		secret:     secret,
		handlers:   make(map[string]Handler),
		clock:      options.Clock,
		logger:     logger,
		sessionTTL: options.SessionTTL,
		onAuth:     options.OnAuth,
	}
}

// Handle registers a handler for a command action. Panics on duplicate
// registration.
func (s *CommandServer) Handle(action string, handler Handler) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("ipcserver: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Serve accepts connections until ctx is canceled, then drains active
// sessions.
func (s *CommandServer) Serve(ctx context.Context) error {
	listener, err := listen(ctx, s.socketPath)
	if err != nil {
		return err
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	s.logger.Info("command socket listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("command socket accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// session is the per-connection authenticated state. Held only in
// memory, gone when handleConnection returns.
type session struct {
	token     string
	expiresAt time.Time
}

// handleConnection runs one connection's lifecycle: handshake first,
// then a command loop until close, violation, or expiry.
func (s *CommandServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sess, ok := s.handshake(conn)
	if !ok {
		return
	}

	for {
		// The idle deadline is wall time for socket I/O; the logical
		// session expiry is checked against the injected clock in
		// dispatch.
		conn.SetReadDeadline(time.Now().Add(s.sessionTTL))

		var raw codec.RawMessage
		if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("command connection read failed", "error", err)
			}
			return
		}

		if !s.dispatch(ctx, conn, sess, raw) {
			return
		}
	}
}

// handshake runs the challenge/response exchange. Any deviation from
// the expected sequence ends the connection.
func (s *CommandServer) handshake(conn net.Conn) (*session, bool) {
	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var header ipc.Header
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&header); err != nil {
		return nil, false
	}
	if header.Action != ipc.ActionAuth {
		// A command before authentication is a protocol violation.
		s.authFailed(conn, fmt.Sprintf("action %q before authentication", header.Action))
		return nil, false
	}

	secret, err := s.secret()
	if err != nil {
		writeFailure(conn, s.logger, ipc.KindStateError, err.Error())
		return nil, false
	}

	// Fresh per-connection challenge. Never reused: a captured
	// response from a previous session proves nothing here.
	challenge := make([]byte, ipc.ChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		writeFailure(conn, s.logger, ipc.KindIOError, "challenge generation failed")
		return nil, false
	}
	writeSuccess(conn, s.logger, &ipc.AuthChallenge{Challenge: challenge})

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	var response ipc.AuthResponseRequest
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&response); err != nil {
		s.authFailed(conn, "handshake aborted before response")
		return nil, false
	}
	if response.Action != ipc.ActionAuthResponse {
		s.authFailed(conn, fmt.Sprintf("expected auth response, got %q", response.Action))
		return nil, false
	}
	if !ipc.VerifyMAC(secret, challenge, response.MAC) {
		s.authFailed(conn, "challenge response mismatch")
		return nil, false
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		writeFailure(conn, s.logger, ipc.KindIOError, "token generation failed")
		return nil, false
	}

	sess := &session{
		token:     hex.EncodeToString(tokenBytes),
		expiresAt: s.clock.Now().Add(s.sessionTTL),
	}
	if s.onAuth != nil {
		s.onAuth(true, "session established")
	}
	writeSuccess(conn, s.logger, &ipc.AuthResult{
		Token:     sess.token,
		ExpiresAt: sess.expiresAt.Unix(),
	})
	return sess, true
}

// authFailed reports a handshake failure to the peer and the audit
// hook. The caller closes the connection.
func (s *CommandServer) authFailed(conn net.Conn, detail string) {
	s.logger.Warn("command channel authentication failed", "detail", detail)
	if s.onAuth != nil {
		s.onAuth(false, detail)
	}
	writeFailure(conn, s.logger, ipc.KindAuthError, "authentication failed")
}

// dispatch validates and executes one command. Returns false when the
// connection must close.
func (s *CommandServer) dispatch(ctx context.Context, conn net.Conn, sess *session, raw codec.RawMessage) bool {
	var header ipc.Header
	if err := codec.Unmarshal(raw, &header); err != nil {
		writeFailure(conn, s.logger, ipc.KindBadRequest, fmt.Sprintf("invalid request: %v", err))
		return false
	}

	if s.clock.Now().After(sess.expiresAt) {
		writeFailure(conn, s.logger, ipc.KindAuthError, "session expired")
		return false
	}
	if header.Token != sess.token {
		s.logger.Warn("command with invalid session token", "action", header.Action)
		writeFailure(conn, s.logger, ipc.KindAuthError, "invalid session token")
		return false
	}

	handler, exists := s.handlers[header.Action]
	if !exists {
		writeFailure(conn, s.logger, ipc.KindBadRequest, fmt.Sprintf("unknown action %q", header.Action))
		return true
	}

	result, err := handler(ctx, raw)
	if err != nil {
		var failure *Failure
		if errors.As(err, &failure) {
			writeFailure(conn, s.logger, failure.Kind, failure.Message)
		} else {
			// Internal detail stays in the log; the peer gets the
			// structured kind.
			s.logger.Error("command failed", "action", header.Action, "error", err)
			writeFailure(conn, s.logger, ipc.KindIOError, "internal error")
		}
		return true
	}

	writeSuccess(conn, s.logger, result)
	return true
}
