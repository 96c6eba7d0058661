// Package vault loads exchange credentials from HashiCorp Vault so API
// keys never have to live in the environment on production hosts.
package vault

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"

	"trading-supervisor/config"
)

// Credentials are the exchange API credentials stored under the configured
// KV v2 path.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// Load reads the credentials from Vault. Both keys must be present and
// non-empty; a partial secret is an error, not a fallback.
func Load(ctx context.Context, cfg config.VaultConfig) (*Credentials, error) {
	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("creating vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	secret, err := client.KVv2(cfg.MountPath).Get(ctx, cfg.SecretPath)
	if err != nil {
		return nil, fmt.Errorf("reading secret %s/%s: %w", cfg.MountPath, cfg.SecretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("secret %s/%s not found", cfg.MountPath, cfg.SecretPath)
	}

	creds := &Credentials{
		APIKey:    getString(secret.Data, "api_key"),
		SecretKey: getString(secret.Data, "secret_key"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("secret %s/%s missing api_key or secret_key", cfg.MountPath, cfg.SecretPath)
	}
	return creds, nil
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
