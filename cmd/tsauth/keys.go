package main

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"thunderstorm.io/auth/internal/auth"
	"thunderstorm.io/auth/internal/jwks"
	"thunderstorm.io/auth/internal/store/pg"
	"thunderstorm.io/auth/internal/token"
)

// groupTypes parses --group-type values into group types.
func groupTypes(names []string) ([]auth.GroupType, error) {
	out := make([]auth.GroupType, 0, len(names))
	for _, name := range names {
		gt, err := auth.NewGroupType(name)
		if err != nil {
			return nil, err
		}
		out = append(out, gt)
	}
	return out, nil
}

func newSchemaCommand(a *app) *cobra.Command {
	var (
		names []string
		down  bool
	)
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the DDL of the auth tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			gts, err := groupTypes(names)
			if err != nil {
				return err
			}
			if !down {
				fmt.Fprint(cmd.OutOrStdout(), pg.SchemaSQL(a.cfg.Schema, gts...))
				return nil
			}
			tables := pg.Schema(a.cfg.Schema, gts...)
			for i := len(tables) - 1; i >= 0; i-- {
				fmt.Fprint(cmd.OutOrStdout(), tables[i].DropSQL())
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&names, "group-type", []string{auth.ComplexGroup.Name}, "group types to create membership tables for")
	cmd.Flags().BoolVar(&down, "down", false, "print drop statements instead")
	return cmd
}

func newKeysCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage token signing keys",
	}
	var (
		privateOut string
		jwksOut    string
	)
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate an RSA signing key and its JWKS",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jwksOut == "" {
				jwksOut = a.cfg.JWKSPath
			}
			priv, kid, set, err := jwks.Generate()
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			raw, err := set.Marshal()
			if err != nil {
				return err
			}
			der, err := x509.MarshalPKCS8PrivateKey(priv)
			if err != nil {
				return err
			}
			block := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
			if err := writeFile(privateOut, block, 0o600); err != nil {
				return err
			}
			if err := writeFile(jwksOut, append(raw, '\n'), 0o644); err != nil {
				return err
			}
			a.log.Info("signing key generated",
				zap.String("kid", kid),
				zap.String("private_key", privateOut),
				zap.String("jwks", jwksOut),
			)
			fmt.Fprintln(cmd.OutOrStdout(), kid)
			return nil
		},
	}
	generate.Flags().StringVar(&privateOut, "private-key", "signing-key.pem", "where to write the PKCS#8 private key")
	generate.Flags().StringVar(&jwksOut, "jwks", "", "where to write the public JWKS (default TS_AUTH_JWKS_PATH)")
	cmd.AddCommand(generate)
	return cmd
}

func writeFile(path string, data []byte, perm os.FileMode) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func newTokenCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Work with access tokens",
	}
	var ignoreExpiry bool
	inspect := &cobra.Command{
		Use:   "inspect <token>",
		Short: "Verify a token against the configured JWKS and print its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := jwks.LoadFile(a.cfg.JWKSPath)
			if err != nil {
				return err
			}
			codec, err := token.NewCodec(set, token.WithDefaultLeeway(a.cfg.Leeway))
			if err != nil {
				return err
			}
			var opts []token.DecodeOption
			if ignoreExpiry {
				opts = append(opts, token.WithoutExpiry())
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			claims, err := codec.Decode(ctx, strings.TrimSpace(args[0]), opts...)
			if err != nil {
				return err
			}
			parsed, err := auth.ParseClaims(claims)
			if err != nil {
				return err
			}
			user := auth.UserFrom(parsed)
			kind := "roles"
			if _, ok := parsed.(auth.LegacyClaims); ok {
				kind = "legacy"
			}
			out, err := json.MarshalIndent(map[string]any{
				"format":       kind,
				"username":     user.Username(),
				"organization": user.Organization(),
				"roles":        user.Roles(),
				"groups":       user.Groups(),
				"permissions":  user.Permissions(),
				"claims":       claims,
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	inspect.Flags().BoolVar(&ignoreExpiry, "ignore-expiry", false, "accept expired tokens")
	cmd.AddCommand(inspect)
	return cmd
}
