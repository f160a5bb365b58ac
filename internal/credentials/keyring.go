package credentials

import (
	"errors"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

// ErrKeyringNotAvailable is returned when no OS secret-storage backend is
// reachable (no D-Bus/Secret Service on headless Linux, a login keychain
// that isn't unlocked, etc).
var ErrKeyringNotAvailable = errors.New("system keyring not available in this build")

// errPasswordNotFound is the Keyring-level sentinel for a missing entry;
// Manager.Get treats it as "fall through to the next credential source"
// rather than a hard error.
var errPasswordNotFound = errors.New("password not found")

// fakeKeyring is an in-memory Keyring for tests, keyed by service then
// account, so credential resolution can be exercised without touching the
// real OS keyring.
type fakeKeyring struct {
	mu    sync.RWMutex
	store map[string]map[string]string
}

// NewMockKeyring returns a Keyring backed by memory instead of the OS.
func NewMockKeyring() *fakeKeyring {
	return &fakeKeyring{store: make(map[string]map[string]string)}
}

func (k *fakeKeyring) Set(service, account, password string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.store[service] == nil {
		k.store[service] = make(map[string]string)
	}
	k.store[service][account] = password
	return nil
}

func (k *fakeKeyring) Get(service, account string) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if password, ok := k.store[service][account]; ok {
		return password, nil
	}
	return "", errPasswordNotFound
}

func (k *fakeKeyring) Delete(service, account string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.store[service][account]; !ok {
		return errPasswordNotFound
	}
	delete(k.store[service], account)
	return nil
}

// systemKeyring talks to the real OS keyring via go-keyring (Secret
// Service on Linux, Keychain on macOS, Credential Manager on Windows).
type systemKeyring struct{}

func (systemKeyring) Set(service, account, password string) error {
	if err := keyring.Set(service, account, password); err != nil {
		if isKeyringNotAvailable(err) {
			return ErrKeyringNotAvailable
		}
		return err
	}
	return nil
}

func (systemKeyring) Get(service, account string) (string, error) {
	password, err := keyring.Get(service, account)
	if err != nil {
		if isKeyringNotAvailable(err) {
			return "", ErrKeyringNotAvailable
		}
		return "", err
	}
	return password, nil
}

func (systemKeyring) Delete(service, account string) error {
	if err := keyring.Delete(service, account); err != nil {
		if isKeyringNotAvailable(err) {
			return ErrKeyringNotAvailable
		}
		return err
	}
	return nil
}

// isKeyringNotAvailable distinguishes "no entry for this account" (which
// go-keyring reports as keyring.ErrNotFound and callers treat as a normal
// cache miss) from "no usable keyring backend at all" — the latter shows
// up as a D-Bus/Secret Service/X11 error string on headless Linux rather
// than a typed error, since go-keyring doesn't expose one.
func isKeyringNotAvailable(err error) bool {
	if err == nil || errors.Is(err, keyring.ErrNotFound) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "dbus") ||
		strings.Contains(msg, "secrets") ||
		strings.Contains(msg, "X11") ||
		(strings.Contains(msg, "not found") && strings.Contains(msg, "executable"))
}
