package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/convlog/credentials"
)

// NewCredentialsCommand creates the credentials command.
func NewCredentialsCommand(deps *CommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultDeps(nil)
	}

	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage stored secrets",
		Long: `Store the PostgreSQL password outside the config file.

The password is kept in the system keyring (macOS Keychain, Windows Credential
Manager, Linux Secret Service). Without a keyring, set CONVLOG_ENCRYPTION_KEY
or CONVLOG_PASSPHRASE to keep it in an encrypted file instead.

Resolution order when connecting: CONVLOG_DB_PASSWORD, database.password in
the config file, then the stored secret.`,
		Aliases: []string{"creds"},
	}

	cmd.AddCommand(newSetDBPasswordCommand(deps))
	cmd.AddCommand(newClearDBPasswordCommand(deps))
	cmd.AddCommand(newCredentialsStatusCommand(deps))

	return cmd
}

// dbUser returns --user or the configured database user.
func dbUser(deps *CommandDeps, user string) (string, error) {
	if user != "" {
		return user, nil
	}
	cfg, err := deps.LoadConfig()
	if err != nil {
		return "", fmt.Errorf("loading configuration: %w", err)
	}
	return cfg.Database.User, nil
}

func newSetDBPasswordCommand(deps *CommandDeps) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "set-db-password",
		Short: "Store the database password",
		Long: `Prompt for the PostgreSQL password and store it for the database user.

The password is read without echo. Piped input is read as a single line:
  echo "$PW" | convlog credentials set-db-password`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := dbUser(deps, user)
			if err != nil {
				return err
			}

			store, err := deps.SecretStore()
			if err != nil {
				return err
			}

			pw, err := deps.ReadSecret(fmt.Sprintf("Password for database user %s: ", u))
			if err != nil {
				return err
			}
			if strings.TrimSpace(pw) == "" {
				return fmt.Errorf("no password provided")
			}

			if err := store.Set(credentials.DBAccount(u), pw); err != nil {
				return fmt.Errorf("storing password: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Stored password for database user %s in %s.\n", u, store.Description())
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Database user (default: database.user from config)")
	return cmd
}

func newClearDBPasswordCommand(deps *CommandDeps) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "clear-db-password",
		Short: "Remove the stored database password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := dbUser(deps, user)
			if err != nil {
				return err
			}

			store, err := deps.SecretStore()
			if err != nil {
				return err
			}

			if err := store.Delete(credentials.DBAccount(u)); err != nil {
				return fmt.Errorf("removing password: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Removed stored password for database user %s.\n", u)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Database user (default: database.user from config)")
	return cmd
}

// CredentialStatus reports where the database password would come from.
type CredentialStatus struct {
	User   string `json:"user" yaml:"user"`
	Source string `json:"source" yaml:"source"`
	Store  string `json:"store,omitempty" yaml:"store,omitempty"`
	Masked string `json:"password,omitempty" yaml:"password,omitempty"`
}

func newCredentialsStatusCommand(deps *CommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show where the database password comes from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}

			status := CredentialStatus{User: cfg.Database.User}

			store, storeErr := deps.SecretStore()
			if storeErr == nil {
				status.Store = store.Description()
			}

			pw, source, err := credentials.ResolveDBPassword(store, cfg.Database.Password, cfg.Database.User)
			if err != nil {
				return err
			}
			status.Source = string(source)
			status.Masked = credentials.MaskCredential(pw)

			return WriteOutput(cmd.OutOrStdout(), formatOf(cmd, cfg), status, func(w io.Writer) error {
				fmt.Fprintf(w, "Database user: %s\n", status.User)
				fmt.Fprintf(w, "Password source: %s\n", status.Source)
				if status.Masked != "" {
					fmt.Fprintf(w, "Password: %s\n", status.Masked)
				}
				if status.Store != "" {
					fmt.Fprintf(w, "Secret store: %s\n", status.Store)
				} else {
					fmt.Fprintf(w, "Secret store: unavailable (%v)\n", storeErr)
				}
				return nil
			})
		},
	}
}
