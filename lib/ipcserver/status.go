// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package ipcserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/warden-security/warden/lib/codec"
	"github.com/warden-security/warden/lib/ipc"
)

// readTimeout is how long a server waits for a connected client to
// send its request. Well-behaved clients send immediately.
const readTimeout = 30 * time.Second

// writeTimeout bounds response writes.
const writeTimeout = 10 * time.Second

// maxRequestSize bounds a single CBOR request.
const maxRequestSize = 1024 * 1024

// StatusFunc produces the current status snapshot.
type StatusFunc func() *ipc.StatusResult

// StatusServer serves the unauthenticated status socket. One request
// per connection, Status being the only action it will ever answer —
// command verbs sent here are rejected, not routed.
type StatusServer struct {
	socketPath string
	status     StatusFunc
	logger     *slog.Logger

	activeConnections sync.WaitGroup
}

// NewStatusServer creates a status server listening on socketPath once
// Serve is called.
func NewStatusServer(socketPath string, status StatusFunc, logger *slog.Logger) *StatusServer {
	return &StatusServer{socketPath: socketPath, status: status, logger: logger}
}

// Serve accepts connections until ctx is canceled, then drains active
// handlers. Any stale socket file is removed before listening and the
// socket file is removed on return.
func (s *StatusServer) Serve(ctx context.Context) error {
	listener, err := listen(ctx, s.socketPath)
	if err != nil {
		return err
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	s.logger.Info("status socket listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("status socket accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

func (s *StatusServer) handleConnection(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var header ipc.Header
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&header); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		writeFailure(conn, s.logger, ipc.KindBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	if header.Action != ipc.ActionStatus {
		writeFailure(conn, s.logger, ipc.KindBadRequest,
			fmt.Sprintf("action %q is not available on the status channel", header.Action))
		return
	}

	writeSuccess(conn, s.logger, s.status())
}

// listen removes any stale socket file and starts a Unix listener that
// is closed when ctx is canceled, unblocking Accept.
func listen(ctx context.Context, socketPath string) (net.Listener, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", socketPath, err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	return listener, nil
}

// writeFailure sends {ok: false, kind, error}. Write failures are
// logged at debug level; the connection is closing regardless.
func writeFailure(conn net.Conn, logger *slog.Logger, kind ipc.ErrorKind, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(ipc.Response{
		OK:    false,
		Kind:  kind,
		Error: message,
	}); err != nil {
		logger.Debug("failed to write error response", "error", err)
	}
}

// writeSuccess sends {ok: true} with result marshaled into the data
// field when non-nil.
func writeSuccess(conn net.Conn, logger *slog.Logger, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	response := ipc.Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			writeFailure(conn, logger, ipc.KindIOError, fmt.Sprintf("internal: marshaling response: %v", err))
			return
		}
		response.Data = data
	}

	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		logger.Debug("failed to write success response", "error", err)
	}
}
