// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/warden-security/warden/cmd/warden/cli"
	"github.com/warden-security/warden/lib/ipc"
)

func linkDeviceCommand() *cli.Command {
	var flags commonFlags

	return &cli.Command{
		Name:    "link-device",
		Summary: "Register a trusted device for bundle export",
		Description: `Register another device's age public key in the vault. Once linked,
"warden export-bundle" encrypts the vault payload to that key so the
device can import the credentials.

Generate a keypair on the other device with age-keygen; the recipient
key starts with "age1".`,
		Usage: "warden link-device <device-id> <age-recipient-key> [flags]",
		Examples: []cli.Example{
			{
				Description: "Link a laptop by its age recipient key",
				Command:     "warden link-device laptop age1qyqszqgpqyqszqgpqyqszqgpqyqszqgpqyqszqgpqyqszqgpqyqs3290gq",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("link-device", pflag.ContinueOnError)
			flags.register(flagSet)
			flags.registerPassword(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected <device-id> <age-recipient-key>, got %d args", len(args))
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

			err = client.Call(ipc.ActionLinkDevice, ipc.LinkDeviceRequest{
				Action:       ipc.ActionLinkDevice,
				Token:        client.Token(),
				DeviceID:     args[0],
				RecipientKey: args[1],
			}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("device %q linked\n", args[0])
			return nil
		},
	}
}

func exportBundleCommand() *cli.Command {
	var flags commonFlags
	var outputPath string

	return &cli.Command{
		Name:    "export-bundle",
		Summary: "Export the vault payload encrypted to the linked device",
		Description: `Encrypt the vault payload (device key, IPC secret, settings) to the
linked device's age key and write the armored bundle. The bundle is
only decryptable with the linked device's private key.`,
		Usage: "warden export-bundle [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("export-bundle", pflag.ContinueOnError)
			flags.register(flagSet)
			flags.registerPassword(flagSet)
			flagSet.StringVarP(&outputPath, "output", "o", "", "write the bundle to this file (default: stdout)")
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

			var result ipc.ExportBundleResult
			if err := client.Simple(ipc.ActionExportBundle, &result); err != nil {
				return err
			}

			if outputPath == "" {
				fmt.Println(result.Bundle)
				return nil
			}
			if err := os.WriteFile(outputPath, []byte(result.Bundle+"\n"), 0o600); err != nil {
				return fmt.Errorf("writing bundle: %w", err)
			}
			fmt.Fprintf(os.Stderr, "bundle for %q written to %s\n", result.DeviceID, outputPath)
			return nil
		},
	}
}
