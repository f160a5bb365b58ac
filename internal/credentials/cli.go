package credentials

import (
	"encoding/json"
	"fmt"
	"io"
)

// CLIHandler wires the credential manager into `cfait credentials`
// subcommands, with its input/output streams passed in explicitly so
// tests can substitute buffers for the real terminal.
type CLIHandler struct {
	manager *Manager
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
}

// NewCLIHandler creates a new CLI handler for credential commands.
func NewCLIHandler(manager *Manager, stdin io.Reader, stdout, stderr io.Writer) *CLIHandler {
	return &CLIHandler{manager: manager, stdin: stdin, stdout: stdout, stderr: stderr}
}

// Set prompts for a password and stores it in the system keyring.
func (h *CLIHandler) Set(username string) error {
	password, err := PromptPassword(h.stdin, h.stdout, username)
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	if err := h.manager.Set(username, password); err != nil {
		return h.keyringNotAvailableError(err)
	}
	_, _ = fmt.Fprintln(h.stdout, "Credentials stored in system keyring")
	return nil
}

func (h *CLIHandler) keyringNotAvailableError(err error) error {
	if err == ErrKeyringNotAvailable {
		return fmt.Errorf(`system keyring not available in this build

Alternative: set the password in the config file, or export %s instead`, envPasswordVar)
	}
	return fmt.Errorf("failed to store credentials: %w", err)
}

// credentialStatusJSON is the `cfait credentials get --json` payload.
// Password is deliberately excluded.
type credentialStatusJSON struct {
	Username string `json:"username"`
	Source   string `json:"source"`
	Found    bool   `json:"found"`
}

// Get resolves and displays where the password for username would come
// from, without printing the password itself. configPassword is the
// config file's own password field (empty if unset), checked as the
// second-priority source.
func (h *CLIHandler) Get(username, configPassword string, jsonOutput bool) error {
	resolved := h.manager.Get(username, configPassword)
	if jsonOutput {
		out, err := json.Marshal(credentialStatusJSON{Username: username, Source: string(resolved.Source), Found: resolved.Found})
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(h.stdout, string(out))
		return nil
	}

	if !resolved.Found {
		_, _ = fmt.Fprintf(h.stdout, "No credentials found for %s\n", username)
		_, _ = fmt.Fprintf(h.stdout, "Searched: system keyring, config file, %s\n", envPasswordVar)
		_, _ = fmt.Fprintf(h.stdout, "Suggestion: run 'cfait credentials set %s'\n", username)
		return nil
	}
	_, _ = fmt.Fprintf(h.stdout, "Source: %s\n", resolved.Source)
	_, _ = fmt.Fprintf(h.stdout, "Username: %s\n", username)
	_, _ = fmt.Fprintf(h.stdout, "Password: ******** (hidden)\n")
	return nil
}

// Delete removes the stored password from the keyring.
func (h *CLIHandler) Delete(username string) error {
	if err := h.manager.Delete(username); err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	_, _ = fmt.Fprintln(h.stdout, "Credentials removed from system keyring")
	return nil
}
