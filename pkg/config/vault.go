package config

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	vault "github.com/hashicorp/vault/api"
)

const (
	vaultValueField = "value"
	vaultTimeout    = 10 * time.Second
)

// VaultSecretStore keeps secrets in a KV version 2 engine. Each secret is
// stored at <prefix>/<key> with its value under the "value" field.
type VaultSecretStore struct {
	client *vault.Client
	kv     *vault.KVv2
	mount  string
	prefix string
	logger Logger
}

type VaultConfig struct {
	Address string `json:"address" yaml:"address"`
	Token   string `json:"token" yaml:"token"`
	Mount   string `json:"mount" yaml:"mount"`
	Prefix  string `json:"prefix" yaml:"prefix"`
}

func NewVaultSecretStore(cfg VaultConfig, logger Logger) (*VaultSecretStore, error) {
	vcfg := vault.DefaultConfig()
	if cfg.Address != "" {
		vcfg.Address = cfg.Address
	}
	vcfg.Timeout = vaultTimeout

	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "plugind"
	}

	return &VaultSecretStore{
		client: client,
		kv:     client.KVv2(mount),
		mount:  mount,
		prefix: prefix,
		logger: logger,
	}, nil
}

func (s *VaultSecretStore) GetSecret(key string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), vaultTimeout)
	defer cancel()

	secret, err := s.kv.Get(ctx, s.secretPath(key))
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
		}
		return "", fmt.Errorf("failed to read secret %s from vault: %w", key, err)
	}

	value, ok := secret.Data[vaultValueField].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s has no string %q field", ErrSecretNotFound, key, vaultValueField)
	}
	return value, nil
}

func (s *VaultSecretStore) SetSecret(key string, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), vaultTimeout)
	defer cancel()

	if _, err := s.kv.Put(ctx, s.secretPath(key), map[string]interface{}{vaultValueField: value}); err != nil {
		return fmt.Errorf("failed to write secret %s to vault: %w", key, err)
	}
	return nil
}

func (s *VaultSecretStore) DeleteSecret(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), vaultTimeout)
	defer cancel()

	if err := s.kv.DeleteMetadata(ctx, s.secretPath(key)); err != nil {
		return fmt.Errorf("failed to delete secret %s from vault: %w", key, err)
	}
	s.logger.Debug("deleted vault secret", "key", key)
	return nil
}

func (s *VaultSecretStore) ListSecrets() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), vaultTimeout)
	defer cancel()

	secret, err := s.client.Logical().ListWithContext(ctx, path.Join(s.mount, "metadata", s.prefix))
	if err != nil {
		return nil, fmt.Errorf("failed to list vault secrets: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	raw, _ := secret.Data["keys"].([]interface{})
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if name, ok := k.(string); ok {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *VaultSecretStore) secretPath(key string) string {
	return path.Join(s.prefix, sanitizeKey(key))
}
