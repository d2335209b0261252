// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands builds the complete warden CLI command tree.
package commands

import (
	"context"
	"fmt"

	"github.com/warden-security/warden/cmd/warden/cli"
	"github.com/warden-security/warden/lib/version"
)

// Root builds and returns the complete warden CLI command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name: "warden",
		Description: `Warden: local security agent.

Protects a set of files with a signed integrity baseline, keeps
credentials in an encrypted vault, and records everything in a
tamper-evident audit log. The wardend daemon does the work; this CLI
talks to it over local sockets.`,
		Subcommands: []*cli.Command{
			initCommand(),
			statusCommand(),
			unlockCommand(),
			lockCommand(),
			scanCommand(),
			eventsCommand(),
			baselineCommand(),
			settingsCommand(),
			linkDeviceCommand(),
			exportBundleCommand(),
			rotatePasswordCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func(_ context.Context, _ []string) error {
					fmt.Printf("warden %s\n", version.Full())
					return nil
				},
			},
		},
		Examples: []cli.Example{
			{
				Description: "Create the vault (first run)",
				Command:     "warden init",
			},
			{
				Description: "Check what the agent is doing",
				Command:     "warden status",
			},
			{
				Description: "Unlock and start protecting",
				Command:     "warden unlock",
			},
			{
				Description: "See recent integrity violations",
				Command:     "warden events --kind integrity_violation",
			},
		},
	}
}
