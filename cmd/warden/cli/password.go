// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/warden-security/warden/lib/secret"
)

// ReadPassword obtains the vault password. With a non-empty file path
// it reads the first line of that file ("-" means prompt regardless).
// Otherwise it prompts on the terminal with echo disabled, or reads a
// line from stdin when stdin is not a terminal (scripts, tests).
//
// The returned slice is the caller's to zero.
func ReadPassword(prompt, file string) ([]byte, error) {
	if file != "" && file != "-" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading password file: %w", err)
		}
		password := []byte(strings.TrimRight(string(data), "\r\n"))
		secret.Zero(data)
		if len(password) == 0 {
			return nil, fmt.Errorf("password file %s is empty", file)
		}
		return password, nil
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintf(os.Stderr, "%s: ", prompt)
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		if len(password) == 0 {
			return nil, fmt.Errorf("password is empty")
		}
		return password, nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, fmt.Errorf("reading password from stdin: %w", err)
	}
	password := bytes.TrimRight(line, "\r\n")
	if len(password) == 0 {
		return nil, fmt.Errorf("password is empty")
	}
	return password, nil
}

// ReadNewPassword prompts twice and verifies both entries match. Used
// when setting a password rather than proving knowledge of one.
func ReadNewPassword(prompt string) ([]byte, error) {
	first, err := ReadPassword(prompt, "")
	if err != nil {
		return nil, err
	}
	second, err := ReadPassword(prompt+" (again)", "")
	if err != nil {
		secret.Zero(first)
		return nil, err
	}
	if !bytes.Equal(first, second) {
		secret.Zero(first)
		secret.Zero(second)
		return nil, fmt.Errorf("passwords do not match")
	}
	secret.Zero(second)
	return first, nil
}
