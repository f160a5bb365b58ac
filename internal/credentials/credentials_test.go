package credentials

import (
	"strings"
	"testing"
)

func TestGetPrefersKeyringOverConfigAndEnv(t *testing.T) {
	mock := NewMockKeyring()
	m := NewManager(WithKeyring(mock))
	if err := m.Set("alice", "from-keyring"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	t.Setenv(envPasswordVar, "from-env")
	resolved := m.Get("alice", "from-config")
	if resolved.Source != SourceKeyring || resolved.Password != "from-keyring" {
		t.Errorf("Get() = %+v, want keyring source", resolved)
	}
}

func TestGetFallsBackToConfigThenEnv(t *testing.T) {
	m := NewManager(WithKeyring(NewMockKeyring()))

	t.Setenv(envPasswordVar, "from-env")
	resolved := m.Get("alice", "from-config")
	if resolved.Source != SourceConfig || resolved.Password != "from-config" {
		t.Errorf("Get() = %+v, want config source", resolved)
	}

	resolved = m.Get("alice", "")
	if resolved.Source != SourceEnv || resolved.Password != "from-env" {
		t.Errorf("Get() = %+v, want env source", resolved)
	}
}

func TestGetNoneFoundWhenAllSourcesEmpty(t *testing.T) {
	m := NewManager(WithKeyring(NewMockKeyring()))
	resolved := m.Get("alice", "")
	if resolved.Found {
		t.Errorf("Get() = %+v, want not found", resolved)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	m := NewManager(WithKeyring(NewMockKeyring()))
	if err := m.Delete("never-set"); err != nil {
		t.Errorf("Delete() of absent entry: %v, want nil", err)
	}
}

func TestPromptPasswordReadsLine(t *testing.T) {
	var out strings.Builder
	password, err := PromptPassword(strings.NewReader("hunter2\n"), &out, "alice")
	if err != nil {
		t.Fatalf("PromptPassword() error = %v", err)
	}
	if password != "hunter2" {
		t.Errorf("password = %q, want hunter2", password)
	}
	if !strings.Contains(out.String(), "alice") {
		t.Errorf("prompt = %q, want it to mention the username", out.String())
	}
}
