// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package ipcserver

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/warden-security/warden/lib/clock"
	"github.com/warden-security/warden/lib/codec"
	"github.com/warden-security/warden/lib/ipc"
	"github.com/warden-security/warden/lib/testutil"
)

func testSecret(t *testing.T) []byte {
	t.Helper()
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("rand.Read() error: %v", err)
	}
	return secret
}

func startStatusServer(t *testing.T, status StatusFunc) string {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), ipc.StatusSocketName)
	server := NewStatusServer(socketPath, status, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "status server did not stop")
	})
	waitForSocket(t, socketPath)
	return socketPath
}

type commandServerConfig struct {
	secret []byte
	clock  clock.Clock
	ttl    time.Duration
	onAuth AuthEventFunc
}

func startCommandServer(t *testing.T, config commandServerConfig, register func(*CommandServer)) string {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), ipc.CommandSocketName)
	server := NewCommandServer(socketPath,
		func() ([]byte, error) { return config.secret, nil },
		slog.Default(),
		CommandServerOptions{SessionTTL: config.ttl, Clock: config.clock, OnAuth: config.onAuth})
	if register != nil {
		register(server)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "command server did not stop")
	})
	waitForSocket(t, socketPath)
	return socketPath
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("unix", path)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never became dialable", path)
}

func TestStatusSocket(t *testing.T) {
	socketPath := startStatusServer(t, func() *ipc.StatusResult {
		return &ipc.StatusResult{
			Running:           true,
			VaultUnlocked:     true,
			BaselineValid:     true,
			BaselineFileCount: 42,
			LastScanAt:        1700000000,
		}
	})

	status, err := ipc.Status(context.Background(), socketPath)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if !status.Running || !status.VaultUnlocked || status.BaselineFileCount != 42 {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestStatusSocket_RejectsCommands(t *testing.T) {
	socketPath := startStatusServer(t, func() *ipc.StatusResult {
		return &ipc.StatusResult{Running: true}
	})

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(ipc.Header{Action: ipc.ActionLock}); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	var response ipc.Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if response.OK {
		t.Fatal("status channel executed a command")
	}
	if response.Kind != ipc.KindBadRequest {
		t.Errorf("error kind = %s, want bad_request", response.Kind)
	}
}

func TestCommandHandshakeAndDispatch(t *testing.T) {
	secret := testSecret(t)

	var authEvents []bool
	var mu sync.Mutex
	socketPath := startCommandServer(t, commandServerConfig{
		secret: secret,
		onAuth: func(success bool, detail string) {
			mu.Lock()
			authEvents = append(authEvents, success)
			mu.Unlock()
		},
	}, func(s *CommandServer) {
		s.Handle(ipc.ActionGetSettings, func(ctx context.Context, raw []byte) (any, error) {
			return &ipc.SettingsResult{ProtectedPaths: []string{"/etc/warden"}, ScanIntervalSeconds: 300}, nil
		})
	})

	client, err := ipc.Dial(context.Background(), socketPath, secret)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer client.Close()

	var settings ipc.SettingsResult
	if err := client.Simple(ipc.ActionGetSettings, &settings); err != nil {
		t.Fatalf("GetSettings error: %v", err)
	}
	if len(settings.ProtectedPaths) != 1 || settings.ProtectedPaths[0] != "/etc/warden" {
		t.Errorf("unexpected settings: %+v", settings)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(authEvents) != 1 || !authEvents[0] {
		t.Errorf("auth events = %v, want one success", authEvents)
	}
}

func TestCommandBeforeAuthRejected(t *testing.T) {
	secret := testSecret(t)
	socketPath := startCommandServer(t, commandServerConfig{secret: secret}, nil)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()

	// Straight to a command, skipping the handshake.
	if err := codec.NewEncoder(conn).Encode(ipc.Header{Action: ipc.ActionLock}); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	var response ipc.Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if response.OK || response.Kind != ipc.KindAuthError {
		t.Errorf("response = %+v, want auth_error", response)
	}

	// The server must have closed the connection.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var extra ipc.Response
	if err := codec.NewDecoder(conn).Decode(&extra); !errors.Is(err, io.EOF) {
		t.Errorf("connection still open after violation, decode err = %v", err)
	}
}

func TestWrongSecretRejected(t *testing.T) {
	secret := testSecret(t)

	var failures int
	var mu sync.Mutex
	socketPath := startCommandServer(t, commandServerConfig{
		secret: secret,
		onAuth: func(success bool, detail string) {
			if !success {
				mu.Lock()
				failures++
				mu.Unlock()
			}
		},
	}, nil)

	wrongSecret := testSecret(t)
	_, err := ipc.Dial(context.Background(), socketPath, wrongSecret)
	if err == nil {
		t.Fatal("Dial() with wrong secret succeeded")
	}
	var ipcErr *ipc.Error
	if !errors.As(err, &ipcErr) || ipcErr.Kind != ipc.KindAuthError {
		t.Errorf("Dial() error = %v, want auth_error", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if failures != 1 {
		t.Errorf("auth failure events = %d, want 1", failures)
	}
}

// handshakeRaw performs the handshake manually and returns the open
// connection and the issued token.
func handshakeRaw(t *testing.T, socketPath string, secret []byte) (net.Conn, string) {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}

	if err := codec.NewEncoder(conn).Encode(ipc.Header{Action: ipc.ActionAuth}); err != nil {
		t.Fatalf("Encode(auth) error: %v", err)
	}
	var challengeResponse ipc.Response
	if err := codec.NewDecoder(conn).Decode(&challengeResponse); err != nil {
		t.Fatalf("Decode(challenge) error: %v", err)
	}
	var challenge ipc.AuthChallenge
	if err := codec.Unmarshal(challengeResponse.Data, &challenge); err != nil {
		t.Fatalf("Unmarshal(challenge) error: %v", err)
	}

	if err := codec.NewEncoder(conn).Encode(ipc.AuthResponseRequest{
		Action: ipc.ActionAuthResponse,
		MAC:    ipc.ComputeMAC(secret, challenge.Challenge),
	}); err != nil {
		t.Fatalf("Encode(auth_response) error: %v", err)
	}
	var authResponse ipc.Response
	if err := codec.NewDecoder(conn).Decode(&authResponse); err != nil {
		t.Fatalf("Decode(auth result) error: %v", err)
	}
	if !authResponse.OK {
		t.Fatalf("handshake failed: %+v", authResponse)
	}
	var result ipc.AuthResult
	if err := codec.Unmarshal(authResponse.Data, &result); err != nil {
		t.Fatalf("Unmarshal(auth result) error: %v", err)
	}
	return conn, result.Token
}

func TestReplayedResponseRejected(t *testing.T) {
	secret := testSecret(t)
	socketPath := startCommandServer(t, commandServerConfig{secret: secret}, nil)

	// First session: complete a handshake and capture the MAC.
	first, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer first.Close()

	if err := codec.NewEncoder(first).Encode(ipc.Header{Action: ipc.ActionAuth}); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	var challengeResponse ipc.Response
	if err := codec.NewDecoder(first).Decode(&challengeResponse); err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	var challenge ipc.AuthChallenge
	if err := codec.Unmarshal(challengeResponse.Data, &challenge); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	capturedMAC := ipc.ComputeMAC(secret, challenge.Challenge)

	// Second session: replay the captured MAC against a fresh
	// challenge. Challenge freshness must reject it.
	second, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer second.Close()

	if err := codec.NewEncoder(second).Encode(ipc.Header{Action: ipc.ActionAuth}); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	var secondChallenge ipc.Response
	if err := codec.NewDecoder(second).Decode(&secondChallenge); err != nil {
		t.Fatalf("Decode() error: %v", err)
	}

	if err := codec.NewEncoder(second).Encode(ipc.AuthResponseRequest{
		Action: ipc.ActionAuthResponse,
		MAC:    capturedMAC,
	}); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	var response ipc.Response
	if err := codec.NewDecoder(second).Decode(&response); err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if response.OK || response.Kind != ipc.KindAuthError {
		t.Errorf("replayed MAC accepted: %+v", response)
	}
}

func TestInvalidTokenClosesConnection(t *testing.T) {
	secret := testSecret(t)
	socketPath := startCommandServer(t, commandServerConfig{secret: secret}, func(s *CommandServer) {
		s.Handle(ipc.ActionLock, func(ctx context.Context, raw []byte) (any, error) { return nil, nil })
	})

	conn, _ := handshakeRaw(t, socketPath, secret)
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(ipc.Header{Action: ipc.ActionLock, Token: "forged"}); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	var response ipc.Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if response.OK || response.Kind != ipc.KindAuthError {
		t.Errorf("forged token accepted: %+v", response)
	}
}

func TestSessionExpiry(t *testing.T) {
	secret := testSecret(t)
	fakeClock := clock.Fake(time.Unix(1700000000, 0))
	socketPath := startCommandServer(t, commandServerConfig{
		secret: secret,
		clock:  fakeClock,
		ttl:    time.Minute,
	}, func(s *CommandServer) {
		s.Handle(ipc.ActionGetSettings, func(ctx context.Context, raw []byte) (any, error) {
			return &ipc.SettingsResult{}, nil
		})
	})

	conn, token := handshakeRaw(t, socketPath, secret)
	defer conn.Close()

	// Within the TTL the command works.
	if err := codec.NewEncoder(conn).Encode(ipc.Header{Action: ipc.ActionGetSettings, Token: token}); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	var response ipc.Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if !response.OK {
		t.Fatalf("command within TTL failed: %+v", response)
	}

	fakeClock.Advance(2 * time.Minute)

	if err := codec.NewEncoder(conn).Encode(ipc.Header{Action: ipc.ActionGetSettings, Token: token}); err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if response.OK || response.Kind != ipc.KindAuthError {
		t.Errorf("expired session still accepted: %+v", response)
	}
}

func TestHandlerFailureKinds(t *testing.T) {
	secret := testSecret(t)
	socketPath := startCommandServer(t, commandServerConfig{secret: secret}, func(s *CommandServer) {
		s.Handle(ipc.ActionTriggerScan, func(ctx context.Context, raw []byte) (any, error) {
			return nil, Failf(ipc.KindStateError, "vault is locked")
		})
	})

	client, err := ipc.Dial(context.Background(), socketPath, secret)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer client.Close()

	err = client.Simple(ipc.ActionTriggerScan, nil)
	var ipcErr *ipc.Error
	if !errors.As(err, &ipcErr) {
		t.Fatalf("error = %v, want *ipc.Error", err)
	}
	if ipcErr.Kind != ipc.KindStateError {
		t.Errorf("error kind = %s, want state_error", ipcErr.Kind)
	}
}

func TestUnknownActionKeepsSession(t *testing.T) {
	secret := testSecret(t)
	socketPath := startCommandServer(t, commandServerConfig{secret: secret}, func(s *CommandServer) {
		s.Handle(ipc.ActionGetSettings, func(ctx context.Context, raw []byte) (any, error) {
			return &ipc.SettingsResult{}, nil
		})
	})

	client, err := ipc.Dial(context.Background(), socketPath, secret)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer client.Close()

	err = client.Simple("no_such_action", nil)
	var ipcErr *ipc.Error
	if !errors.As(err, &ipcErr) || ipcErr.Kind != ipc.KindBadRequest {
		t.Fatalf("unknown action error = %v, want bad_request", err)
	}

	// The session survives an unknown action.
	if err := client.Simple(ipc.ActionGetSettings, &ipc.SettingsResult{}); err != nil {
		t.Errorf("session dead after unknown action: %v", err)
	}
}
