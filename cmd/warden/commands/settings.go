// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/warden-security/warden/cmd/warden/cli"
	"github.com/warden-security/warden/lib/ipc"
)

func settingsCommand() *cli.Command {
	return &cli.Command{
		Name:    "settings",
		Summary: "Show or change the protected path set",
		Subcommands: []*cli.Command{
			settingsShowCommand(),
			settingsSetCommand(),
		},
	}
}

func settingsShowCommand() *cli.Command {
	var flags commonFlags

	return &cli.Command{
		Name:    "show",
		Summary: "Show the stored settings",
		Usage:   "warden settings show [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("show", pflag.ContinueOnError)
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

			var result ipc.SettingsResult
			if err := client.Simple(ipc.ActionGetSettings, &result); err != nil {
				return err
			}

			fmt.Printf("scan interval: %ds\n", result.ScanIntervalSeconds)
			fmt.Printf("protected paths:\n")
			for _, path := range result.ProtectedPaths {
				fmt.Printf("  %s\n", path)
			}
			return nil
		},
	}
}

func settingsSetCommand() *cli.Command {
	var flags commonFlags
	var protectedPaths []string
	var scanInterval int

	return &cli.Command{
		Name:    "set",
		Summary: "Replace the stored settings",
		Description: `Replace the protected path set and scan interval stored in the vault.
The agent rebuilds the baseline over the new path set before the
command returns; the old baseline is discarded.`,
		Usage: "warden settings set --path <dir> [--path <dir> ...] [flags]",
		Examples: []cli.Example{
			{
				Description: "Protect two directories, scanning every 10 minutes",
				Command:     "warden settings set --path /etc/myapp --path /usr/local/lib/myapp --interval 600",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("set", pflag.ContinueOnError)
			flags.register(flagSet)
			flags.registerPassword(flagSet)
			flagSet.StringArrayVar(&protectedPaths, "path", nil, "protected path (repeatable, required)")
			flagSet.IntVar(&scanInterval, "interval", 300, "scan interval in seconds")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(protectedPaths) == 0 {
				return fmt.Errorf("at least one --path is required")
			}

			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			client, err := dialAuthenticated(ctx, cfg, flags.passwordFile)
			if err != nil {
				return err
			}
			defer client.Close()

			err = client.Call(ipc.ActionUpdateSettings, ipc.UpdateSettingsRequest{
				Action:              ipc.ActionUpdateSettings,
				Token:               client.Token(),
				ProtectedPaths:      protectedPaths,
				ScanIntervalSeconds: scanInterval,
			}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("settings updated: %d paths, %ds interval (baseline rebuilt)\n",
				len(protectedPaths), scanInterval)
			return nil
		},
	}
}
