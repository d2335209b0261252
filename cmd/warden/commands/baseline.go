// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/warden-security/warden/cmd/warden/cli"
	"github.com/warden-security/warden/lib/ipc"
)

func baselineCommand() *cli.Command {
	var flags commonFlags
	var verbose bool

	return &cli.Command{
		Name:    "baseline",
		Summary: "Show the current integrity baseline",
		Usage:   "warden baseline [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("baseline", pflag.ContinueOnError)
			flags.register(flagSet)
			flags.registerPassword(flagSet)
			flagSet.BoolVarP(&verbose, "verbose", "v", false, "list every file with its content hash")
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

			var result ipc.BaselineResult
			if err := client.Simple(ipc.ActionGetBaseline, &result); err != nil {
				return err
			}

			fmt.Printf("baseline: %d files, created %s\n",
				result.FileCount, time.Unix(result.CreatedAt, 0).Local().Format(time.RFC3339))
			if verbose {
				for _, entry := range result.Entries {
					fmt.Printf("  %s  %10d  %s\n",
						hex.EncodeToString(entry.ContentHash)[:16], entry.Size, entry.Path)
				}
			}
			return nil
		},
	}
}
