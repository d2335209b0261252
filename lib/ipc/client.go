// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/warden-security/warden/lib/codec"
)

// dialTimeout covers only the connect phase.
const dialTimeout = 5 * time.Second

// responseReadTimeout is how long the client waits for a reply after
// writing a request. Generous because TriggerScan hashes the whole
// protected set before answering.
const responseReadTimeout = 120 * time.Second

// maxResponseSize bounds a single CBOR response.
const maxResponseSize = 4 * 1024 * 1024

// Error is a structured failure response from the agent.
type Error struct {
	Action  string
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Action, e.Kind, e.Message)
}

// Status performs the unauthenticated status query. Each call is one
// connect/request/response cycle on the status socket.
func Status(ctx context.Context, socketPath string) (*StatusResult, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: connecting to %s: %w", socketPath, err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(Header{Action: ActionStatus}); err != nil {
		return nil, fmt.Errorf("ipc: writing status request: %w", err)
	}
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	var result StatusResult
	if err := readResponse(conn, ActionStatus, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Client is an authenticated command-channel connection. Dial performs
// the challenge/response handshake; the session lives exactly as long
// as the connection.
type Client struct {
	conn  net.Conn
	token string
}

// Dial connects to the command socket and authenticates with the
// shared IPC secret. The secret is used transiently to answer the
// challenge and is not retained.
func Dial(ctx context.Context, socketPath string, secret []byte) (*Client, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: connecting to %s: %w", socketPath, err)
	}

	client := &Client{conn: conn}
	if err := client.handshake(secret); err != nil {
		conn.Close()
		return nil, err
	}
	return client, nil
}

// handshake runs the Auth exchange: request a challenge, answer with
// the keyed MAC, store the issued session token.
func (c *Client) handshake(secret []byte) error {
	var challenge AuthChallenge
	if err := c.roundTrip(Header{Action: ActionAuth}, ActionAuth, &challenge); err != nil {
		return err
	}
	if len(challenge.Challenge) != ChallengeSize {
		return fmt.Errorf("ipc: server sent %d-byte challenge, want %d", len(challenge.Challenge), ChallengeSize)
	}

	var result AuthResult
	response := AuthResponseRequest{
		Action: ActionAuthResponse,
		MAC:    ComputeMAC(secret, challenge.Challenge),
	}
	if err := c.roundTrip(response, ActionAuthResponse, &result); err != nil {
		return err
	}
	c.token = result.Token
	return nil
}

// Call sends one authenticated command and decodes the reply into
// result. The request must carry its own action and token fields where
// the type defines them; for simple commands pass a Header.
func (c *Client) Call(action string, request any, result any) error {
	return c.roundTrip(request, action, result)
}

// Simple sends a command that needs no fields beyond action and token.
func (c *Client) Simple(action string, result any) error {
	return c.roundTrip(Header{Action: action, Token: c.token}, action, result)
}

// Token returns the session token for building typed requests.
func (c *Client) Token() string { return c.token }

// Close ends the session. The server destroys the session state when
// the connection drops.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) roundTrip(request any, action string, result any) error {
	if err := codec.NewEncoder(c.conn).Encode(request); err != nil {
		return fmt.Errorf("ipc: writing %s request: %w", action, err)
	}
	return readResponse(c.conn, action, result)
}

// readResponse decodes one response envelope, converting a failure
// into *Error and unmarshaling data into result when present.
func readResponse(conn net.Conn, action string, result any) error {
	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))

	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		return fmt.Errorf("ipc: reading %s response: %w", action, err)
	}
	if !response.OK {
		return &Error{Action: action, Kind: response.Kind, Message: response.Error}
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("ipc: decoding %s response data: %w", action, err)
		}
	}
	return nil
}
