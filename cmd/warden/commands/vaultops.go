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
	"github.com/warden-security/warden/lib/secret"
	"github.com/warden-security/warden/lib/vault"
)

func unlockCommand() *cli.Command {
	var flags commonFlags

	return &cli.Command{
		Name:    "unlock",
		Summary: "Unlock the vault",
		Description: `Unlock the agent's vault. This authenticates the command channel with
the vault password, then instructs the agent to unlock: the agent
loads the baseline, verifies it, and starts real-time watching.`,
		Usage: "warden unlock [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("unlock", pflag.ContinueOnError)
			flags.register(flagSet)
			flags.registerPassword(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}

			password, err := cli.ReadPassword("Vault password", flags.passwordFile)
			if err != nil {
				return err
			}
			// The password is needed twice: once to derive the IPC
			// secret locally, once in the unlock request itself.
			forRequest := append([]byte(nil), password...)

			ipcSecret, err := ipcSecretFromVault(cfg, password)
			if err != nil {
				secret.Zero(forRequest)
				return err
			}
			client, err := ipc.Dial(ctx, cfg.CommandSocketPath(), ipcSecret)
			secret.Zero(ipcSecret)
			if err != nil {
				secret.Zero(forRequest)
				return fmt.Errorf("connecting to agent (is wardend running?): %w", err)
			}
			defer client.Close()

			err = client.Call(ipc.ActionUnlock, ipc.UnlockRequest{
				Action:   ipc.ActionUnlock,
				Token:    client.Token(),
				Password: forRequest,
			}, nil)
			secret.Zero(forRequest)
			if err != nil {
				return err
			}
			fmt.Println("vault unlocked")
			return nil
		},
	}
}

func lockCommand() *cli.Command {
	var flags commonFlags

	return &cli.Command{
		Name:    "lock",
		Summary: "Lock the vault",
		Description: `Lock the agent's vault, zeroing all in-memory key material. Real-time
watching and scheduled scans stop until the next unlock.`,
		Usage: "warden lock [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("lock", pflag.ContinueOnError)
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

			if err := client.Simple(ipc.ActionLock, nil); err != nil {
				return err
			}
			fmt.Println("vault locked")
			return nil
		},
	}
}

func rotatePasswordCommand() *cli.Command {
	var flags commonFlags

	return &cli.Command{
		Name:    "rotate-password",
		Summary: "Change the vault password",
		Description: `Re-encrypt the vault under a new password with a fresh salt. The
device key, IPC secret, and settings are unchanged.

This is an offline operation on the vault file. Stop the agent first:
rotation refuses to run while wardend is serving, so the daemon's open
vault state can never diverge from the file.`,
		Usage: "warden rotate-password [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("rotate-password", pflag.ContinueOnError)
			flags.register(flagSet)
			flags.registerPassword(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}

			probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			_, probeErr := ipc.Status(probeCtx, cfg.StatusSocketPath())
			cancel()
			if probeErr == nil {
				return fmt.Errorf("wardend is running; stop it before rotating the password")
			}

			oldPassword, err := cli.ReadPassword("Current vault password", flags.passwordFile)
			if err != nil {
				return err
			}
			// Open consumes one copy; RotatePassword verifies another.
			forRotation := append([]byte(nil), oldPassword...)

			unlocked, err := vault.Open(cfg.VaultPath(), oldPassword)
			if err != nil {
				secret.Zero(forRotation)
				return err
			}
			defer unlocked.Lock()

			newPassword, err := cli.ReadNewPassword("New vault password")
			if err != nil {
				secret.Zero(forRotation)
				return err
			}

			if err := unlocked.RotatePassword(forRotation, newPassword); err != nil {
				return err
			}
			fmt.Println("vault password rotated")
			return nil
		},
	}
}
