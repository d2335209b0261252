// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/warden-security/warden/lib/codec"
	"github.com/warden-security/warden/lib/eventlog"
	"github.com/warden-security/warden/lib/ipc"
)

// Remote actions a monitor may request through the heartbeat reply.
const (
	RemoteActionTriggerScan = "trigger_scan"
	RemoteActionLockVault   = "lock_vault"
	RemoteActionRequestLogs = "request_logs"
)

// heartbeatBody is the signed portion of a heartbeat.
type heartbeatBody struct {
	DeviceID      string `cbor:"device_id"`
	Timestamp     int64  `cbor:"timestamp"`
	VaultUnlocked bool   `cbor:"vault_unlocked"`
	BaselineValid bool   `cbor:"baseline_valid"`
	SafeMode      bool   `cbor:"safe_mode"`
	LastScanAt    int64  `cbor:"last_scan_at,omitempty"`
}

// HeartbeatMessage is the wire form: the body plus the device key's
// signature over the body's canonical encoding. The monitor verifies
// it against the device public key registered at enrollment.
type HeartbeatMessage struct {
	Body      heartbeatBody `cbor:"body"`
	Signature []byte        `cbor:"signature"`
}

// heartbeatReply is what the monitor may send back: actions to
// execute locally.
type heartbeatReply struct {
	Actions []string `cbor:"actions,omitempty"`
}

// Heartbeat builds a signed status report. Requires the unlocked
// vault: an unsigned heartbeat proves nothing and is never sent.
func (g *Guard) Heartbeat() (*HeartbeatMessage, error) {
	g.mu.Lock()
	if g.vault == nil {
		g.mu.Unlock()
		return nil, ErrVaultLocked
	}
	body := heartbeatBody{
		DeviceID:      hex.EncodeToString(g.signer.PublicKey()),
		Timestamp:     g.clock.Now().Unix(),
		VaultUnlocked: true,
		BaselineValid: g.baselineValid,
		SafeMode:      g.safeMode,
	}
	if !g.lastScanAt.IsZero() {
		body.LastScanAt = g.lastScanAt.Unix()
	}

	// Sign while still holding the state lock so a concurrent Lock
	// cannot detach the signer mid-build.
	canonical, err := codec.Marshal(&body)
	if err != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("guard: encoding heartbeat: %w", err)
	}
	signature := g.signer.Sign(canonical)
	g.mu.Unlock()

	return &HeartbeatMessage{Body: body, Signature: signature}, nil
}

// ExecuteRemoteAction runs one monitor-requested action through the
// same paths as local IPC commands, after committing it to the audit
// log. Unknown actions are rejected.
func (g *Guard) ExecuteRemoteAction(ctx context.Context, action string) error {
	switch action {
	case RemoteActionTriggerScan, RemoteActionLockVault, RemoteActionRequestLogs:
	default:
		return fmt.Errorf("guard: unknown remote action %q", action)
	}

	if err := g.append(eventlog.KindRemoteAction, &remoteActionPayload{Action: action}); err != nil {
		// A remote action that cannot be audited is not executed.
		return err
	}

	switch action {
	case RemoteActionTriggerScan:
		_, err := g.Scan(ctx)
		return err
	case RemoteActionLockVault:
		return g.Lock()
	case RemoteActionRequestLogs:
		return g.pushLogs(ctx)
	}
	return nil
}

type remoteActionPayload struct {
	Action string `cbor:"action"`
}

// heartbeatHTTPTimeout bounds one POST to the monitor.
const heartbeatHTTPTimeout = 30 * time.Second

// maxReplySize bounds a monitor reply body.
const maxReplySize = 1 << 20

// RunHeartbeat posts signed heartbeats to the configured monitor URL
// until ctx is canceled, executing any actions the monitor returns.
// No-op when connected mode is not configured. Delivery failures are
// transient I/O: logged and retried at the next interval.
func (g *Guard) RunHeartbeat(ctx context.Context) {
	if g.config.Heartbeat.URL == "" {
		return
	}

	client := &http.Client{Timeout: heartbeatHTTPTimeout}
	ticker := g.clock.NewTicker(g.config.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sendHeartbeat(ctx, client)
		}
	}
}

func (g *Guard) sendHeartbeat(ctx context.Context, client *http.Client) {
	message, err := g.Heartbeat()
	if err != nil {
		if !errors.Is(err, ErrVaultLocked) {
			g.logger.Error("building heartbeat", "error", err)
		}
		return
	}

	body, err := codec.Marshal(message)
	if err != nil {
		g.logger.Error("encoding heartbeat", "error", err)
		return
	}

	reply, err := g.post(ctx, client, g.config.Heartbeat.URL, body)
	if err != nil {
		g.logger.Warn("heartbeat delivery failed", "error", err)
		return
	}

	var parsed heartbeatReply
	if len(reply) > 0 {
		if err := codec.Unmarshal(reply, &parsed); err != nil {
			g.logger.Warn("undecodable heartbeat reply", "error", err)
			return
		}
	}
	for _, action := range parsed.Actions {
		if err := g.ExecuteRemoteAction(ctx, action); err != nil {
			g.logger.Error("remote action failed", "action", action, "error", err)
		}
	}
}

// pushLogs delivers recent audit records to the monitor's log
// endpoint.
func (g *Guard) pushLogs(ctx context.Context) error {
	records := make([]ipc.EventRecord, 0, 64)
	if err := g.readEvents(ctx, eventlog.Filter{}, maxEventBatch, &records); err != nil {
		return err
	}

	body, err := codec.Marshal(&ipc.EventsResult{Events: records})
	if err != nil {
		return fmt.Errorf("guard: encoding log push: %w", err)
	}

	client := &http.Client{Timeout: heartbeatHTTPTimeout}
	if _, err := g.post(ctx, client, g.config.Heartbeat.URL+"/logs", body); err != nil {
		return fmt.Errorf("guard: pushing logs: %w", err)
	}
	return nil
}

func (g *Guard) post(ctx context.Context, client *http.Client, url string, body []byte) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/cbor")

	response, err := client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("monitor returned %s", response.Status)
	}
	return io.ReadAll(io.LimitReader(response.Body, maxReplySize))
}
