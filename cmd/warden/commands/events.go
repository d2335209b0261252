// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/warden-security/warden/cmd/warden/cli"
	"github.com/warden-security/warden/lib/codec"
	"github.com/warden-security/warden/lib/ipc"
)

func eventsCommand() *cli.Command {
	var flags commonFlags
	var kinds []string
	var limit int
	var since time.Duration

	return &cli.Command{
		Name:    "events",
		Summary: "Read the audit log",
		Description: `Read records from the signed audit log, oldest first. Every record is
part of a hash chain signed by the device key; tampering anywhere in
the chain invalidates everything after it.`,
		Usage: "warden events [flags]",
		Examples: []cli.Example{
			{
				Description: "Show integrity violations from the last day",
				Command:     "warden events --kind integrity_violation --since 24h",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("events", pflag.ContinueOnError)
			flags.register(flagSet)
			flags.registerPassword(flagSet)
			flagSet.StringSliceVar(&kinds, "kind", nil, "filter by event kind (repeatable)")
			flagSet.IntVar(&limit, "limit", 100, "maximum records to return")
			flagSet.DurationVar(&since, "since", 0, "only records newer than this age (e.g. 24h)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			client, err := dialAuthenticated(ctx, cfg, flags.passwordFile)
			if err != nil {
				return err
			}
			defer client.Close()

			request := ipc.GetEventsRequest{
				Action: ipc.ActionGetEvents,
				Token:  client.Token(),
				Kinds:  kinds,
				Limit:  limit,
			}
			if since > 0 {
				request.Since = time.Now().Add(-since).UnixNano()
			}

			var result ipc.EventsResult
			if err := client.Call(ipc.ActionGetEvents, request, &result); err != nil {
				return err
			}

			for _, event := range result.Events {
				timestamp := time.Unix(0, event.Timestamp).Local().Format(time.RFC3339)
				detail := formatPayload(event.Payload)
				if detail != "" {
					fmt.Printf("%6d  %s  %-20s  %s\n", event.Sequence, timestamp, event.Kind, detail)
				} else {
					fmt.Printf("%6d  %s  %s\n", event.Sequence, timestamp, event.Kind)
				}
			}
			if len(result.Events) == 0 {
				fmt.Println("no matching events")
			}
			return nil
		},
	}
}

// formatPayload renders an event payload as compact JSON for display.
// Payloads are CBOR maps with string keys; anything undecodable is
// shown as a byte count rather than hidden.
func formatPayload(payload codec.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var fields map[string]any
	if err := codec.Unmarshal(payload, &fields); err != nil {
		return fmt.Sprintf("(%d bytes)", len(payload))
	}
	rendered, err := json.Marshal(fields)
	if err != nil {
		return fmt.Sprintf("(%d bytes)", len(payload))
	}
	return string(rendered)
}
