// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/warden-security/warden/cmd/warden/cli"
	"github.com/warden-security/warden/lib/ipc"
)

func statusCommand() *cli.Command {
	var flags commonFlags

	return &cli.Command{
		Name:    "status",
		Summary: "Show the agent's state",
		Description: `Query the unauthenticated status socket: whether the vault is
unlocked, whether the baseline currently verifies, and when the last
scan completed. No password required.`,
		Usage: "warden status [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flags.register(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}

			status, err := ipc.Status(ctx, cfg.StatusSocketPath())
			if err != nil {
				return fmt.Errorf("querying agent (is wardend running?): %w", err)
			}

			fmt.Printf("agent:     running (%s)\n", status.Version)
			fmt.Printf("vault:     %s\n", lockState(status.VaultUnlocked))
			fmt.Printf("baseline:  %s (%d files)\n", baselineState(status.BaselineValid), status.BaselineFileCount)
			if status.LastScanAt > 0 {
				fmt.Printf("last scan: %s\n", time.Unix(status.LastScanAt, 0).Local().Format(time.RFC3339))
			} else {
				fmt.Printf("last scan: never\n")
			}
			if status.SafeMode {
				fmt.Printf("safe mode: ACTIVE (repeated restarts detected; restart cleanly to clear)\n")
			}
			return nil
		},
	}
}

func lockState(unlocked bool) string {
	if unlocked {
		return "unlocked"
	}
	return "locked"
}

func baselineState(valid bool) string {
	if valid {
		return "valid"
	}
	return "INVALID"
}
