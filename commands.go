package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"taskboard/config"
	"taskboard/internal/testutil"
	"taskboard/storage"
)

func newInitStorageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-storage",
		Short: "Create the Azure tables and queues used by the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Read(flagConfigPath)
			if err != nil {
				return err
			}
			if cfg.StorageConnectionString == "" {
				return errors.New("missing STORAGE_CONNECTION_STRING")
			}
			logger := newLogger(cfg.Debug)
			logger.Info("storage init starting")
			if err := storage.Provision(cmd.Context(), cfg.StorageConnectionString,
				[]string{cfg.TasksTable}, []string{cfg.JournalQueue}, logger); err != nil {
				return fmt.Errorf("provision: %w", err)
			}
			logger.Info("storage init complete")
			return nil
		},
	}
}

type genTokenFlags struct {
	user     string
	count    int
	prefix   string
	start    int
	output   string
	ttl      time.Duration
	audience string
}

func newGenTokenCmd() *cobra.Command {
	var f genTokenFlags
	cmd := &cobra.Command{
		Use:   "gen-token",
		Short: "Print HS256 tokens signed with the shared test secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Read(flagConfigPath)
			if err != nil {
				return err
			}
			secret := cfg.SharedSecret()
			if len(secret) == 0 && cfg.TestJWTSecret != "" {
				secret = []byte(cfg.TestJWTSecret)
			}
			if len(secret) == 0 && cfg.LocalAuthSharedSecret != "" {
				secret = []byte(cfg.LocalAuthSharedSecret)
			}
			if len(secret) == 0 {
				return errors.New("TEST_JWT_SECRET or LOCAL_AUTH_SHARED_SECRET must be set")
			}
			if f.audience == "" {
				f.audience = cfg.Auth0Audience
			}
			return genTokens(cmd.OutOrStdout(), secret, cfg.Issuer(), f)
		},
	}
	cmd.Flags().StringVar(&f.user, "user", "", "explicit user ID (single token only)")
	cmd.Flags().IntVar(&f.count, "count", 1, "number of tokens to generate")
	cmd.Flags().StringVar(&f.prefix, "prefix", "perf-user", "prefix for generated user IDs when count > 1")
	cmd.Flags().IntVar(&f.start, "start", 1, "starting index for generated user IDs when count > 1")
	cmd.Flags().StringVar(&f.output, "output", "", "file to write generated tokens as a JSON array")
	cmd.Flags().DurationVar(&f.ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&f.audience, "audience", "", "aud claim (defaults to AUTH0_AUDIENCE)")
	return cmd
}

func genTokens(w io.Writer, secret []byte, issuer string, f genTokenFlags) error {
	if f.count < 1 {
		return errors.New("count must be at least 1")
	}
	if f.start < 1 {
		return errors.New("start index must be at least 1")
	}
	if f.user != "" && f.count > 1 {
		return errors.New("explicit user ID cannot be provided when generating multiple tokens")
	}

	tokens := make([]string, f.count)
	for i := range tokens {
		userID := f.user
		switch {
		case userID != "":
		case f.count == 1:
			userID = f.prefix
		default:
			userID = fmt.Sprintf("%s-%d", f.prefix, f.start+i)
		}
		tok, err := testutil.Token(secret, testutil.TokenClaims{Subject: userID, Audience: f.audience, Issuer: issuer, TTL: f.ttl})
		if err != nil {
			return fmt.Errorf("generate token: %w", err)
		}
		tokens[i] = tok
	}

	if f.output != "" {
		if err := writeTokens(f.output, tokens); err != nil {
			return fmt.Errorf("write tokens: %w", err)
		}
	}
	_, err := fmt.Fprint(w, tokens[0])
	return err
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
