// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/warden-security/warden/cmd/warden/cli"
	"github.com/warden-security/warden/lib/vault"
)

func initCommand() *cli.Command {
	var flags commonFlags

	return &cli.Command{
		Name:    "init",
		Summary: "Create the encrypted vault",
		Description: `Create a new vault seeded with the protected paths and scan interval
from the config file. Generates the device signing keypair and the IPC
shared secret inside the vault.

Fails if a vault already exists; warden never overwrites key material.`,
		Usage: "warden init [flags]",
		Examples: []cli.Example{
			{
				Description: "Create a vault using the config at $WARDEN_CONFIG",
				Command:     "warden init",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("init", pflag.ContinueOnError)
			flags.register(flagSet)
			flags.registerPassword(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.EnsurePaths(); err != nil {
				return err
			}

			var password []byte
			if flags.passwordFile != "" && flags.passwordFile != "-" {
				password, err = cli.ReadPassword("Vault password", flags.passwordFile)
			} else {
				password, err = cli.ReadNewPassword("New vault password")
			}
			if err != nil {
				return err
			}

			unlocked, err := vault.Create(cfg.VaultPath(), password, vault.Settings{
				ProtectedPaths:      cfg.Protection.ProtectedPaths,
				ScanIntervalSeconds: cfg.Protection.ScanIntervalSeconds,
			})
			if err != nil {
				return err
			}
			publicKey := unlocked.PublicKey()
			unlocked.Lock()

			fmt.Printf("vault created at %s\n", cfg.VaultPath())
			fmt.Printf("device public key: %s\n", hex.EncodeToString(publicKey))
			fmt.Printf("protected paths: %d\n", len(cfg.Protection.ProtectedPaths))
			return nil
		},
	}
}
