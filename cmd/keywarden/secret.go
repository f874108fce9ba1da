// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keywarden Contributors

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/keywarden-dev/keywarden/internal/vault"
	wardenerr "github.com/keywarden-dev/keywarden/pkg/errors"
)

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets in the local store",
		Long:  "Administer the secret store directly, without going through the HTTP API.",
	}

	cmd.AddCommand(
		newSecretSetCmd(),
		newSecretGetCmd(),
		newSecretListCmd(),
		newSecretVersionsCmd(),
		newSecretDeleteCmd(),
		newSecretRecoverInfoCmd(),
	)

	return cmd
}

func newSecretSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a new version of a secret",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretSet,
	}

	cmd.Flags().String("value", "", "secret value (prompted when omitted)")
	cmd.Flags().String("content-type", "", "content type hint")
	cmd.Flags().StringArray("tag", nil, "tag in key=value form (repeatable)")
	cmd.Flags().Bool("disabled", false, "create the version disabled")

	return cmd
}

func newSecretGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Print a secret value",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretGet,
	}

	cmd.Flags().String("version", "", "version id (latest when omitted)")

	return cmd
}

func newSecretListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all active secret names",
		RunE:  runSecretList,
	}
}

func newSecretVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <name>",
		Short: "List the versions of a secret, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretVersions,
	}
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Soft-delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretDelete,
	}
}

func newSecretRecoverInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover-info <name>",
		Short: "Show the recovery metadata of a deleted secret",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretRecoverInfo,
	}
}

func runSecretSet(cmd *cobra.Command, args []string) error {
	name := args[0]

	rawTags, _ := cmd.Flags().GetStringArray("tag")
	tags, err := parseTags(rawTags)
	if err != nil {
		return err
	}

	value, _ := cmd.Flags().GetString("value")
	if !cmd.Flags().Changed("value") {
		value, err = promptValue(cmd)
		if err != nil {
			return err
		}
	}

	contentType, _ := cmd.Flags().GetString("content-type")
	params := vault.SetSecretParams{
		Value:       value,
		ContentType: contentType,
		Tags:        tags,
	}
	if disabled, _ := cmd.Flags().GetBool("disabled"); disabled {
		enabled := false
		params.Enabled = &enabled
	}

	return withStore(cmd, func(store *vault.Store) error {
		version, err := store.SetSecret(name, params)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Set secret %s (version %s)\n", name, version.ID)
		return nil
	})
}

func runSecretGet(cmd *cobra.Command, args []string) error {
	name := args[0]
	versionID, _ := cmd.Flags().GetString("version")

	return withStore(cmd, func(store *vault.Store) error {
		version, err := store.GetSecret(name, versionID)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Value)
		return nil
	})
}

func runSecretList(cmd *cobra.Command, _ []string) error {
	return withStore(cmd, func(store *vault.Store) error {
		out := cmd.OutOrStdout()

		count := 0
		marker := ""
		for {
			page, err := store.ListSecrets(0, marker)
			if err != nil {
				return err
			}
			for _, item := range page.Items {
				_, _ = fmt.Fprintln(out, item.Name)
				count++
			}
			if page.NextMarker == "" {
				break
			}
			marker = page.NextMarker
		}

		if count == 0 {
			_, _ = fmt.Fprintln(out, "No secrets stored.")
		}
		return nil
	})
}

func runSecretVersions(cmd *cobra.Command, args []string) error {
	name := args[0]

	return withStore(cmd, func(store *vault.Store) error {
		out := cmd.OutOrStdout()

		marker := ""
		for {
			page, err := store.ListSecretVersions(name, 0, marker)
			if err != nil {
				return err
			}
			for _, item := range page.Items {
				_, _ = fmt.Fprintf(out, "%s\tcreated %s\tenabled %t\n",
					item.ID,
					item.Attributes.CreatedAt.Format(time.RFC3339),
					item.Attributes.Enabled,
				)
			}
			if page.NextMarker == "" {
				break
			}
			marker = page.NextMarker
		}
		return nil
	})
}

func runSecretDelete(cmd *cobra.Command, args []string) error {
	name := args[0]

	return withStore(cmd, func(store *vault.Store) error {
		deleted, err := store.DeleteSecret(name)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted secret %s (recovery id: %s)\n",
			deleted.Name, deleted.RecoveryID)
		return nil
	})
}

func runSecretRecoverInfo(cmd *cobra.Command, args []string) error {
	name := args[0]

	return withStore(cmd, func(store *vault.Store) error {
		deleted, err := store.GetDeletedSecret(name)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "Name:         %s\n", deleted.Name)
		_, _ = fmt.Fprintf(out, "Recovery ID:  %s\n", deleted.RecoveryID)
		_, _ = fmt.Fprintf(out, "Deleted at:   %s\n", deleted.DeletedAt.Format(time.RFC3339))
		_, _ = fmt.Fprintf(out, "Last version: %s\n", deleted.VersionID)
		return nil
	})
}

// withStore opens the store for a one-shot admin command and closes it when
// the command finishes.
func withStore(cmd *cobra.Command, fn func(store *vault.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Admin commands print to stdout; keep the logger quiet unless asked.
	logger := newLogger("warn", viper.GetBool("verbose"))

	store, err := openStore(cfg, nil, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.Error("closing store", "error", cerr)
		}
	}()

	return fn(store)
}

func promptValue(cmd *cobra.Command) (string, error) {
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprint(out, "Enter secret value: ")

	fd := int(syscall.Stdin)
	if term.IsTerminal(fd) {
		// Read without echo for sensitive data.
		raw, err := term.ReadPassword(fd)
		_, _ = fmt.Fprintln(out)
		if err != nil {
			return "", wardenerr.Errorf(wardenerr.CodeCLIInputInvalid, "reading value: %w", err)
		}
		return string(raw), nil
	}

	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", wardenerr.Errorf(wardenerr.CodeCLIInputInvalid, "reading value: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseTags(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	tags := make(map[string]string, len(raw))
	for _, entry := range raw {
		key, val, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			return nil, wardenerr.Errorf(wardenerr.CodeCLIInputInvalid, "invalid tag %q, want key=value", entry)
		}
		tags[key] = val
	}
	return tags, nil
}
