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

func scanCommand() *cli.Command {
	var flags commonFlags

	return &cli.Command{
		Name:    "scan",
		Summary: "Run a full integrity scan now",
		Description: `Trigger an immediate full scan. The agent rehashes every protected
file, signs a fresh baseline, and stores it atomically. The current
state of the protected set becomes the new expected state.`,
		Usage: "warden scan [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("scan", pflag.ContinueOnError)
			flags.register(flagSet)
			flags.registerPassword(flagSet)
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

			var result ipc.ScanResult
			if err := client.Simple(ipc.ActionTriggerScan, &result); err != nil {
				return err
			}

			fmt.Printf("scan complete: %d files at %s\n",
				result.FileCount, time.Unix(result.ScannedAt, 0).Local().Format(time.RFC3339))
			return nil
		},
	}
}
