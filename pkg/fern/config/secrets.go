// secrets.go resolves API keys through the priority chain:
//
//  1. Encrypted vault (fern.vault, AES-256-GCM + Argon2id)
//  2. OS keyring (Linux Secret Service, macOS Keychain, Windows
//     Credential Manager)
//  3. Environment variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, …)
//  4. Config file value (least secure, plaintext on disk)
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "fern"

	// keyringAPIKey is the keyring entry for the LLM API key.
	keyringAPIKey = "api_key"
)

// ProviderKeyNames maps provider ids to their conventional API key
// variable names.
var ProviderKeyNames = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"google":     "GOOGLE_API_KEY",
	"groq":       "GROQ_API_KEY",
	"mistral":    "MISTRAL_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"custom":     "CUSTOM_API_KEY",
}

// ProviderKeyName returns the conventional key variable for a provider,
// falling back to "API_KEY" for unknown providers.
func ProviderKeyName(provider string) string {
	if name, ok := ProviderKeyNames[strings.ToLower(provider)]; ok {
		return name
	}
	return "API_KEY"
}

// StoreKeyring saves a secret in the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring reads a secret from the OS keyring, "" if absent.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// ResolveSecrets fills in the model API key using the vault → keyring →
// env → config chain and returns the unlocked vault when one was used.
// A vault that exists but cannot be unlocked (wrong or absent
// FERN_VAULT_PASSWORD, non-interactive session) is skipped with a log
// line rather than failing startup.
func ResolveSecrets(cfg *Config, logger *slog.Logger) *Vault {
	vault := NewVault(cfg.VaultPath())
	if vault.Exists() {
		if envPass := os.Getenv("FERN_VAULT_PASSWORD"); envPass != "" {
			if err := vault.Unlock(envPass); err != nil {
				logger.Warn("failed to unlock vault with FERN_VAULT_PASSWORD", "error", err)
			}
		}
		if !vault.IsUnlocked() && term.IsTerminal(int(os.Stdin.Fd())) {
			pass, err := ReadPassword("Vault passphrase: ")
			if err != nil {
				logger.Warn("failed to read vault passphrase", "error", err)
			} else if err := vault.Unlock(pass); err != nil {
				logger.Warn("failed to unlock vault", "error", err)
			}
		}
		if vault.IsUnlocked() {
			if err := vault.InjectEnv(); err != nil {
				logger.Warn("failed to inject vault secrets", "error", err)
			}
			providerKey := ProviderKeyName(cfg.Model.Provider)
			if val, err := vault.Get(providerKey); err == nil && val != "" {
				cfg.Model.APIKey = val
				logger.Debug("model API key loaded from vault", "key", providerKey)
			}
			if val, err := vault.Get("FERN_API_SECRET"); err == nil && val != "" {
				cfg.API.Secret = val
			}
			return vault
		}
		logger.Info("vault present but locked, falling back to keyring/env")
	}

	if val := GetKeyring(keyringAPIKey); val != "" {
		cfg.Model.APIKey = val
		logger.Debug("model API key loaded from OS keyring")
		return nil
	}

	if cfg.Model.APIKey == "" {
		if val := os.Getenv(ProviderKeyName(cfg.Model.Provider)); val != "" {
			cfg.Model.APIKey = val
			logger.Debug("model API key loaded from environment")
		}
	}

	if cfg.Model.APIKey == "" {
		logger.Warn("no model API key found",
			"hint", "set one with `fern secret set` or "+ProviderKeyName(cfg.Model.Provider))
	}
	return nil
}

// ReadPassword prompts on stderr and reads a line with echo disabled.
func ReadPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// secretPattern matches values that look like live credentials.
var secretPattern = regexp.MustCompile(`(sk-[A-Za-z0-9_-]{16,}|xoxb-[A-Za-z0-9-]+|AC[a-f0-9]{32})`)

// AuditSecrets warns when the config file carries what looks like a
// hardcoded credential. Checks the raw file text so references like
// ${OPENAI_API_KEY} never trigger it.
func AuditSecrets(path string, logger *slog.Logger) {
	if path == "" {
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.Contains(line, "${") {
			continue
		}
		if secretPattern.MatchString(line) {
			logger.Warn("config file appears to contain a hardcoded secret",
				"path", path,
				"hint", "move it to the vault (`fern secret set`) or an environment variable")
			return
		}
	}
}
