// Copyright 2026 The TauseStack Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/pflag"

	"github.com/tausestack/tausestack/cmd/tausestack/cli"
	"github.com/tausestack/tausestack/federation"
	"github.com/tausestack/tausestack/internal/node"
	"github.com/tausestack/tausestack/lib/tenant"
)

func federationCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "federation",
		Summary: "Manage federation keys and tokens",
		Subcommands: []*cli.Command{
			keygenCommand(stdout),
			tokenCommand(stdout),
		},
	}
}

func keygenCommand(stdout io.Writer) *cli.Command {
	var out string
	return &cli.Command{
		Name:    "keygen",
		Summary: "Generate an Ed25519 signing key",
		Description: `Write a new PEM-encoded Ed25519 private key with 0600 permissions
and print the public key. Give the public key to peers as their
public_key for this node. An existing file is never overwritten.`,
		Usage: "tausestack federation keygen --out <path>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
			flagSet.StringVarP(&out, "out", "o", "", "private key path")
			return flagSet
		},
		Run: func(_ context.Context, _ []string, logger *slog.Logger) error {
			if out == "" {
				return errors.New("--out is required")
			}
			key, err := federation.GenerateKey()
			if err != nil {
				return err
			}
			if err := federation.SavePrivateKey(out, key); err != nil {
				return err
			}
			logger.Info("signing key written", "path", out)
			_, err = fmt.Fprintln(stdout, federation.EncodePublicKey(key.Public().(ed25519.PublicKey)))
			return err
		},
	}
}

type tokenOutput struct {
	Token     string    `json:"token"`
	ID        string    `json:"id"`
	Issuer    string    `json:"issuer"`
	Audience  string    `json:"audience"`
	Tenant    tenant.ID `json:"tenant"`
	Subject   string    `json:"subject"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
}

func tokenCommand(stdout io.Writer) *cli.Command {
	var (
		configPath string
		audience   string
		tenantID   string
		subject    string
		scopes     []string
		asJSON     bool
	)
	return &cli.Command{
		Name:    "token",
		Summary: "Mint a federation token for a peer",
		Description: `Mint a token with this node's federation credentials, the same way
the node does before calling a peer. Useful for calling a peer's
federation API by hand.`,
		Usage: "tausestack federation token --audience <peer-url> [flags]",
		Examples: []cli.Example{{
			Command: "curl -H \"Authorization: Bearer $(tausestack federation token --audience https://beta.example.com)\" https://beta.example.com/federation/v1/info",
		}},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("token", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file (default $TAUSESTACK_CONFIG)")
			flagSet.StringVar(&audience, "audience", "", "peer URL the token is for")
			flagSet.StringVarP(&tenantID, "tenant", "t", "", "tenant (default tenant.default)")
			flagSet.StringVar(&subject, "subject", "", "agent the token is limited to (default any)")
			flagSet.StringSliceVar(&scopes, "scope", []string{federation.ScopeRead}, "scopes to grant")
			flagSet.BoolVar(&asJSON, "json", false, "output token and claims as JSON")
			return flagSet
		},
		Run: func(_ context.Context, _ []string, _ *slog.Logger) error {
			if audience == "" {
				return errors.New("--audience is required")
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if !cfg.Federation.Enabled {
				return errors.New("federation is not enabled in the configuration")
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
			if tenantID == "" {
				tenantID = cfg.Tenant.Default
			}

			signer, err := node.NewSigner(cfg.Federation)
			if err != nil {
				return err
			}
			token, claims, err := signer.Mint(audience, tenant.ID(tenantID), subject, scopes)
			if err != nil {
				return err
			}
			if !asJSON {
				_, err = fmt.Fprintln(stdout, token)
				return err
			}
			return cli.WriteJSON(stdout, tokenOutput{
				Token:     token,
				ID:        claims.ID,
				Issuer:    claims.Issuer,
				Audience:  claims.Audience[0],
				Tenant:    claims.Tenant,
				Subject:   claims.Subject,
				Scopes:    claims.Scopes,
				ExpiresAt: claims.ExpiresAt.Time,
			})
		},
	}
}
