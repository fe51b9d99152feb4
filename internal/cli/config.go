package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/redloop-ai/redloop/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print merged configuration as TOML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return config.Write(cmd.OutOrStdout())
		},
	}
	cmd.AddCommand(newConfigInitCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			home, err := config.HomeDir()
			if err != nil {
				return err
			}
			path := filepath.Join(home, config.ConfigFilePath)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config file already exists at %s", path)
			} else if !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("stat config file %q: %w", path, err)
			}

			body, err := config.DefaultUserConfigTOML()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(home, 0o755); err != nil {
				return fmt.Errorf("create home dir %q: %w", home, err)
			}
			// The file holds the target password and API key references.
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				return fmt.Errorf("write config file %q: %w", path, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote starter config to %s\nEdit it, then start an assessment with `redloop run`.\n", path)
			return nil
		},
	}
}
