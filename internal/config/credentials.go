package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoCredentials is returned by Load when nothing has been saved yet
var ErrNoCredentials = errors.New("credentials file not found")

// HostCredentials overrides the default credentials for one device
type HostCredentials struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Credentials holds the device web credentials saved by `tasmotactl login`
type Credentials struct {
	Username string                     `json:"username,omitempty"`
	Password string                     `json:"password,omitempty"`
	Hosts    map[string]HostCredentials `json:"hosts,omitempty"`
}

// For returns the credentials to use for host: its override if one was
// saved, the defaults otherwise
func (c *Credentials) For(host string) (username, password string) {
	if c == nil {
		return "", ""
	}
	if hc, ok := c.Hosts[host]; ok {
		return hc.Username, hc.Password
	}
	return c.Username, c.Password
}

// Set stores credentials for host, or the defaults when host is empty
func (c *Credentials) Set(host, username, password string) {
	if host == "" {
		c.Username, c.Password = username, password
		return
	}
	if c.Hosts == nil {
		c.Hosts = make(map[string]HostCredentials)
	}
	c.Hosts[host] = HostCredentials{Username: username, Password: password}
}

// Forget removes the credentials of host, or the defaults when host is
// empty. It reports whether anything is left to save.
func (c *Credentials) Forget(host string) bool {
	if host == "" {
		c.Username, c.Password = "", ""
	} else {
		delete(c.Hosts, host)
	}
	return c.Username != "" || c.Password != "" || len(c.Hosts) > 0
}

// CredentialStore manages credential storage
type CredentialStore struct {
	path string
}

// NewCredentialStore creates a new credential store
func NewCredentialStore(path string) *CredentialStore {
	return &CredentialStore{path: path}
}

// DefaultCredentialsPath returns ~/.tasmotactl/credentials.json
func DefaultCredentialsPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "credentials.json"), nil
}

// Path returns the file backing the store
func (cs *CredentialStore) Path() string {
	return cs.path
}

// Save saves credentials to the credentials file
func (cs *CredentialStore) Save(creds Credentials) error {
	dir := filepath.Dir(cs.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	// Write with restricted permissions
	if err := os.WriteFile(cs.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	// WriteFile keeps the mode of an existing file
	if err := os.Chmod(cs.path, 0600); err != nil {
		return fmt.Errorf("failed to restrict credentials file: %w", err)
	}

	return nil
}

// Load loads credentials from the credentials file
func (cs *CredentialStore) Load() (*Credentials, error) {
	data, err := os.ReadFile(cs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCredentials
		}
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}

	return &creds, nil
}

// LoadOrEmpty is Load, but a missing file yields empty credentials
func (cs *CredentialStore) LoadOrEmpty() (*Credentials, error) {
	creds, err := cs.Load()
	if errors.Is(err, ErrNoCredentials) {
		return &Credentials{}, nil
	}
	return creds, err
}

// Delete deletes the credentials file. A missing file is not an error.
func (cs *CredentialStore) Delete() error {
	if err := os.Remove(cs.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}

// Exists checks if credentials file exists
func (cs *CredentialStore) Exists() bool {
	_, err := os.Stat(cs.path)
	return err == nil
}
