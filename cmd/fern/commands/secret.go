package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fernhq/fern/pkg/fern/config"
)

// newSecretCmd creates the `fern secret` command group.
func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets in the encrypted vault",
		Long: `Store API keys and other secrets in the local vault (AES-256-GCM,
passphrase-derived key). The daemon reads them at startup; set
FERN_VAULT_PASSWORD to skip the passphrase prompt.

With --keyring the OS keyring is used instead of the vault. The daemon
consults the keyring entry "api_key" for the model API key.

Examples:
  fern secret set OPENAI_API_KEY
  fern secret set api_key --keyring
  fern secret get FERN_API_SECRET
  fern secret rm OPENAI_API_KEY`,
	}
	cmd.AddCommand(newSecretSetCmd(), newSecretGetCmd(), newSecretRmCmd())
	return cmd
}

func newSecretSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretSet,
	}
	cmd.Flags().Bool("keyring", false, "store in the OS keyring instead of the vault")
	return cmd
}

func runSecretSet(cmd *cobra.Command, args []string) error {
	name := args[0]
	value, err := readSecretValue(name)
	if err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("empty value")
	}

	if useKeyring, _ := cmd.Flags().GetBool("keyring"); useKeyring {
		if err := config.StoreKeyring(name, value); err != nil {
			return fmt.Errorf("storing in keyring: %w", err)
		}
		fmt.Printf("stored %s in the OS keyring\n", name)
		return nil
	}

	vault, err := unlockVault(cmd, true)
	if err != nil {
		return err
	}
	defer vault.Lock()

	if err := vault.Set(name, value); err != nil {
		return fmt.Errorf("storing secret: %w", err)
	}
	fmt.Printf("stored %s in the vault\n", name)
	return nil
}

func newSecretGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Print a secret value",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretGet,
	}
	cmd.Flags().Bool("keyring", false, "read from the OS keyring instead of the vault")
	return cmd
}

func runSecretGet(cmd *cobra.Command, args []string) error {
	name := args[0]

	if useKeyring, _ := cmd.Flags().GetBool("keyring"); useKeyring {
		value := config.GetKeyring(name)
		if value == "" {
			return fmt.Errorf("no keyring entry %q", name)
		}
		fmt.Println(value)
		return nil
	}

	vault, err := unlockVault(cmd, false)
	if err != nil {
		return err
	}
	defer vault.Lock()

	value, err := vault.Get(name)
	if err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("no vault entry %q", name)
	}
	fmt.Println(value)
	return nil
}

func newSecretRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a secret",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretRm,
	}
	cmd.Flags().Bool("keyring", false, "remove from the OS keyring instead of the vault")
	return cmd
}

func runSecretRm(cmd *cobra.Command, args []string) error {
	name := args[0]

	if useKeyring, _ := cmd.Flags().GetBool("keyring"); useKeyring {
		if err := config.DeleteKeyring(name); err != nil {
			return fmt.Errorf("removing from keyring: %w", err)
		}
		fmt.Printf("removed %s from the OS keyring\n", name)
		return nil
	}

	vault, err := unlockVault(cmd, false)
	if err != nil {
		return err
	}
	defer vault.Lock()

	if err := vault.Delete(name); err != nil {
		return err
	}
	fmt.Printf("removed %s from the vault\n", name)
	return nil
}

// unlockVault opens the configured vault, creating it first when
// createIfMissing is set. The passphrase comes from FERN_VAULT_PASSWORD
// or a hidden prompt.
func unlockVault(cmd *cobra.Command, createIfMissing bool) (*config.Vault, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	vault := config.NewVault(cfg.VaultPath())

	if !vault.Exists() {
		if !createIfMissing {
			return nil, fmt.Errorf("no vault at %s, create one with `fern secret set`", vault.Path())
		}
		pass, err := config.ReadPassword("New vault passphrase: ")
		if err != nil {
			return nil, err
		}
		if pass == "" {
			return nil, fmt.Errorf("empty passphrase")
		}
		confirm, err := config.ReadPassword("Confirm passphrase: ")
		if err != nil {
			return nil, err
		}
		if pass != confirm {
			return nil, fmt.Errorf("passphrases do not match")
		}
		if err := vault.Create(pass); err != nil {
			return nil, err
		}
		fmt.Println("vault created at", vault.Path())
		return vault, nil
	}

	if pass := os.Getenv("FERN_VAULT_PASSWORD"); pass != "" {
		if err := vault.Unlock(pass); err != nil {
			return nil, fmt.Errorf("unlocking vault: %w", err)
		}
		return vault, nil
	}

	pass, err := config.ReadPassword("Vault passphrase: ")
	if err != nil {
		return nil, err
	}
	if err := vault.Unlock(pass); err != nil {
		return nil, fmt.Errorf("unlocking vault: %w", err)
	}
	return vault, nil
}

// readSecretValue reads the secret value with echo disabled on a
// terminal, or from stdin when piped.
func readSecretValue(name string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return config.ReadPassword(fmt.Sprintf("Value for %s: ", name))
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading value from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}
