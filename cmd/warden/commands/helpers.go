// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/warden-security/warden/cmd/warden/cli"
	"github.com/warden-security/warden/lib/config"
	"github.com/warden-security/warden/lib/ipc"
	"github.com/warden-security/warden/lib/secret"
	"github.com/warden-security/warden/lib/vault"
)

// commonFlags are the flags shared by every subcommand that talks to
// the agent.
type commonFlags struct {
	configPath   string
	passwordFile string
}

func (f *commonFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.configPath, "config", "",
		"path to warden.yaml (defaults to $WARDEN_CONFIG)")
}

func (f *commonFlags) registerPassword(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.passwordFile, "password-file", "",
		"file containing the vault password, or - to prompt (default: prompt)")
}

func (f *commonFlags) loadConfig() (*config.Config, error) {
	if f.configPath != "" {
		return config.LoadFile(f.configPath)
	}
	return config.Load()
}

// ipcSecretFromVault proves knowledge of the vault password by opening
// the vault locally, and returns a copy of the shared IPC secret for
// the command-channel handshake. The password slice is consumed.
func ipcSecretFromVault(cfg *config.Config, password []byte) ([]byte, error) {
	unlocked, err := vault.Open(cfg.VaultPath(), password)
	if err != nil {
		return nil, err
	}
	ipcSecret := append([]byte(nil), unlocked.IPCSecret().Bytes()...)
	unlocked.Lock()
	return ipcSecret, nil
}

// dialAuthenticated prompts for the vault password and opens an
// authenticated session on the command socket. The caller must Close
// the client.
func dialAuthenticated(ctx context.Context, cfg *config.Config, passwordFile string) (*ipc.Client, error) {
	password, err := cli.ReadPassword("Vault password", passwordFile)
	if err != nil {
		return nil, err
	}

	ipcSecret, err := ipcSecretFromVault(cfg, password)
	if err != nil {
		return nil, err
	}
	defer secret.Zero(ipcSecret)

	client, err := ipc.Dial(ctx, cfg.CommandSocketPath(), ipcSecret)
	if err != nil {
		return nil, fmt.Errorf("connecting to agent (is wardend running?): %w", err)
	}
	return client, nil
}
