// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
	"golang.org/x/term"

	"github.com/drover-systems/drover/lib/auth"
	"github.com/drover-systems/drover/lib/version"
	"github.com/drover-systems/drover/transport"
)

// Defaults match the controller's baseline configuration. The socket
// can be overridden via DROVER_OPERATOR_SOCKET or --socket.
const (
	defaultSocketPath = "/run/drover/operator.sock"
	defaultSecretDir  = "/var/lib/drover/secrets"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("drover-call", pflag.ContinueOnError)
	socketPath := flags.String("socket", "", "operator socket path (default "+defaultSocketPath+")")
	loadPath := flags.String("load", "", "JSONC file with request fields, merged under positional arguments")
	token := flags.String("token", "", "bearer token id")
	eauth := flags.String("eauth", "", "external auth provider name for direct login")
	username := flags.String("username", "", "login user (default $USER)")
	prompt := flags.BoolP("prompt", "p", false, "prompt for the provider password on the terminal")
	secretDir := flags.String("secret-dir", defaultSecretDir, "controller secrets directory for local shared-secret auth")
	target := flags.String("target", "", "target expression for publish actions")
	matchType := flags.String("match", "", "target match type (glob, list, pcre, grain, compound, nodegroup)")
	timeout := flags.Duration("timeout", 60*time.Second, "overall request timeout")
	showVersion := flags.Bool("version", false, "print version information and exit")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: drover-call [flags] <action> [function [args...]]\n")
		fmt.Fprintf(os.Stderr, "example: drover-call --target 'web-*' publish test.ping\n")
		fmt.Fprintf(os.Stderr, "         drover-call --load request.jsonc publish\n")
		fmt.Fprintf(os.Stderr, "         drover-call --eauth static --username deploy -p mint_token\n")
		fmt.Fprintf(os.Stderr, "\nflags:\n%s", flags.FlagUsages())
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *showVersion {
		fmt.Printf("drover-call %s\n", version.Info())
		return 0
	}

	args := flags.Args()
	if len(args) < 1 {
		flags.Usage()
		return 2
	}
	action := args[0]

	fields := map[string]any{}
	if *loadPath != "" {
		loaded, err := loadFields(*loadPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		fields = loaded
	}
	if len(args) > 1 {
		fields["fun"] = args[1]
	}
	if len(args) > 2 {
		positional := make([]any, len(args)-2)
		for i, arg := range args[2:] {
			positional[i] = arg
		}
		fields["arg"] = positional
	}
	if *target != "" {
		fields["tgt"] = *target
	}
	if *matchType != "" {
		fields["tgt_type"] = *matchType
	}

	// A loaded file may carry its own auth block; flags override it.
	if _, present := fields["auth"]; !present || *token != "" || *eauth != "" || *username != "" {
		credentials, err := buildCredentials(*token, *eauth, *username, *secretDir, *prompt)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		fields["auth"] = credentials
	}

	socket := *socketPath
	if socket == "" {
		socket = os.Getenv("DROVER_OPERATOR_SOCKET")
	}
	if socket == "" {
		socket = defaultSocketPath
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var result any
	err := transport.NewClient(socket).Call(ctx, action, fields, &result)
	if err != nil {
		var callErr *transport.CallError
		if errors.As(err, &callErr) {
			fmt.Fprintf(os.Stderr, "refused: %s\n", callErr.Message)
			return 1
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	if result == nil {
		fmt.Println("ok")
		return 0
	}
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: encoding response: %v\n", err)
		return 1
	}
	fmt.Println(string(encoded))
	return 0
}

// loadFields reads a JSONC request file and returns its top-level
// object. Line comments, block comments, and trailing commas are
// stripped before parsing.
func loadFields(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading request file: %w", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(jsonc.ToJSON(raw), &fields); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return fields, nil
}

// buildCredentials assembles the auth block the controller's ladder
// expects, in scheme precedence order: bearer token, provider login,
// local shared secret.
func buildCredentials(token, eauth, username, secretDir string, prompt bool) (auth.Credentials, error) {
	if token != "" {
		return auth.Credentials{Token: token}, nil
	}

	if username == "" {
		username = os.Getenv("USER")
	}
	if username == "" {
		return auth.Credentials{}, fmt.Errorf("no user: set --username or $USER")
	}

	if eauth != "" {
		password, err := readPassword(prompt)
		if err != nil {
			return auth.Credentials{}, err
		}
		return auth.Credentials{
			Provider: eauth,
			Username: username,
			Password: password,
		}, nil
	}

	secret, err := auth.ReadSecret(secretDir, username)
	if err != nil {
		return auth.Credentials{}, fmt.Errorf("reading secret for %s: %w", username, err)
	}
	return auth.Credentials{Username: username, Secret: secret}, nil
}

// readPassword takes the provider password from DROVER_PASSWORD, or
// from the terminal with echo disabled when --prompt is set.
func readPassword(prompt bool) (string, error) {
	if password := os.Getenv("DROVER_PASSWORD"); password != "" {
		return password, nil
	}
	if !prompt {
		return "", fmt.Errorf("no password: set DROVER_PASSWORD or pass --prompt")
	}
	stdin := int(os.Stdin.Fd())
	if !term.IsTerminal(stdin) {
		return "", fmt.Errorf("no terminal available for the password prompt")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	raw, err := term.ReadPassword(stdin)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(raw), nil
}
