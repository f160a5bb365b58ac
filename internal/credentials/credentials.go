// Package credentials resolves the CalDAV account password: an OS keyring
// entry, then the config file's password field, then an environment
// variable. cfait manages exactly one CalDAV account, so there is no
// per-backend service namespace to resolve — just the one keyring/config/
// env priority chain.
package credentials

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// service is the fixed keyring service name; cfait manages exactly one
// CalDAV account, so there is no per-backend service namespace to resolve.
const service = "cfait"

// envPasswordVar is the environment variable checked as the last-resort
// credential source.
const envPasswordVar = "CFAIT_PASSWORD"

// Source indicates where a resolved password came from.
type Source string

const (
	SourceKeyring Source = "keyring"
	SourceConfig  Source = "config"
	SourceEnv     Source = "environment"
	SourceNone    Source = "none"
)

// Resolved is the outcome of Get.
type Resolved struct {
	Source   Source
	Password string
	Found    bool
}

// Keyring is the interface for keyring operations, so tests can substitute
// an in-memory fake instead of touching the real OS keyring.
type Keyring interface {
	Set(service, account, password string) error
	Get(service, account string) (string, error)
	Delete(service, account string) error
}

// Manager resolves and stores the CalDAV account password.
type Manager struct {
	keyring Keyring
}

// ManagerOption is a functional option for Manager.
type ManagerOption func(*Manager)

// WithKeyring sets a custom keyring implementation.
func WithKeyring(k Keyring) ManagerOption {
	return func(m *Manager) { m.keyring = k }
}

// NewManager creates a new credential manager backed by the system keyring
// unless overridden with WithKeyring.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{keyring: &systemKeyring{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Set stores the password in the keyring under username.
func (m *Manager) Set(username, password string) error {
	return m.keyring.Set(service, username, password)
}

// Get resolves the password for username in priority order: keyring,
// then configPassword (the config file's own password field, already
// expanded by config.ExpandPath), then the CFAIT_PASSWORD environment
// variable.
func (m *Manager) Get(username, configPassword string) Resolved {
	if password, err := m.keyring.Get(service, username); err == nil && password != "" {
		return Resolved{Source: SourceKeyring, Password: password, Found: true}
	}
	if configPassword != "" {
		return Resolved{Source: SourceConfig, Password: configPassword, Found: true}
	}
	if envPassword := os.Getenv(envPasswordVar); envPassword != "" {
		return Resolved{Source: SourceEnv, Password: envPassword, Found: true}
	}
	return Resolved{Source: SourceNone}
}

// Delete removes the stored password for username. Idempotent: deleting an
// absent entry is not an error.
func (m *Manager) Delete(username string) error {
	err := m.keyring.Delete(service, username)
	if err != nil && strings.Contains(err.Error(), "not found") {
		return nil
	}
	return err
}

// PromptPassword prompts for a password on writer and reads a line from
// reader. The CLI passes a terminal reader wrapped with golang.org/x/term's
// ReadPassword so input is not echoed; tests pass a plain string reader.
func PromptPassword(reader io.Reader, writer io.Writer, username string) (string, error) {
	_, _ = fmt.Fprintf(writer, "Enter CalDAV password for %s: ", username)
	scanner := bufio.NewScanner(reader)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no input received")
}
