// Package vault fetches broker credentials from HashiCorp Vault. With
// Vault disabled, credentials come straight from configuration; the rest of
// the bot never knows the difference.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"triad-trading-bot/config"
)

// BrokerCredentials is the credential pair stored per bot.
type BrokerCredentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

// Client wraps the HashiCorp Vault client with a read-through cache.
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu    sync.RWMutex
	cache map[string]*BrokerCredentials // botID -> credentials
}

// NewClient creates a new Vault client. With Vault disabled the client only
// serves values seeded through StoreCredentials.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	c := &Client{
		config: cfg,
		cache:  make(map[string]*BrokerCredentials),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// StoreCredentials stores broker credentials for a bot.
func (c *Client) StoreCredentials(ctx context.Context, botID string, creds BrokerCredentials) error {
	if !c.config.Enabled {
		c.mu.Lock()
		c.cache[botID] = &creds
		c.mu.Unlock()
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    creds.APIKey,
			"secret_key": creds.SecretKey,
		},
	}
	if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(botID), secretData); err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	c.mu.Lock()
	c.cache[botID] = &creds
	c.mu.Unlock()
	return nil
}

// GetCredentials retrieves broker credentials for a bot, cache first.
func (c *Client) GetCredentials(ctx context.Context, botID string) (*BrokerCredentials, error) {
	c.mu.RLock()
	if cached, ok := c.cache[botID]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, fmt.Errorf("credentials not found and vault is disabled")
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(botID))
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no credentials stored for bot %s", botID)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected secret format for bot %s", botID)
	}

	creds := &BrokerCredentials{}
	if v, ok := data["api_key"].(string); ok {
		creds.APIKey = v
	}
	if v, ok := data["secret_key"].(string); ok {
		creds.SecretKey = v
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("incomplete credentials for bot %s", botID)
	}

	c.mu.Lock()
	c.cache[botID] = creds
	c.mu.Unlock()
	return creds, nil
}

// secretPath returns the KV v2 data path for a bot's credentials.
func (c *Client) secretPath(botID string) string {
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, botID)
}
