package secret

import (
	"errors"
	"io"
	"testing"
)

func newTestSource(env map[string]string, terminal bool, typed string, readErr error) *Source {
	s := NewSource("REQGUARD_SECRET")
	s.prompt = io.Discard
	s.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	s.isTerminal = func(int) bool { return terminal }
	s.readSecret = func(int) ([]byte, error) { return []byte(typed), readErr }
	return s
}

func TestSourcePrefersEnvironment(t *testing.T) {
	s := newTestSource(map[string]string{"REQGUARD_SECRET": "s3cr3t"}, true, "typed", nil)
	got, err := s.Get()
	if err != nil || got != "s3cr3t" {
		t.Fatalf("expected environment secret, got %q %v", got, err)
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	s := newTestSource(map[string]string{"REQGUARD_SECRET": "  "}, true, "typed", nil)
	if _, err := s.Get(); err == nil {
		t.Fatalf("expected blank environment secret to fail")
	}
}

func TestSourcePromptsOnTerminal(t *testing.T) {
	s := newTestSource(nil, true, "typed-secret", nil)
	got, err := s.Get()
	if err != nil || got != "typed-secret" {
		t.Fatalf("expected prompted secret, got %q %v", got, err)
	}
	s.readSecret = func(int) ([]byte, error) { return nil, errors.New("must be cached") }
	if again, err := s.Get(); err != nil || again != "typed-secret" {
		t.Fatalf("expected cached secret, got %q %v", again, err)
	}
}

func TestSourceWithoutTerminal(t *testing.T) {
	if _, err := newTestSource(nil, false, "", nil).Get(); err == nil {
		t.Fatalf("expected error without environment or terminal")
	}
	if _, err := newTestSource(nil, true, "", errors.New("eof")).Get(); err == nil {
		t.Fatalf("expected read failure to surface")
	}
	if _, err := newTestSource(nil, true, "   ", nil).Get(); err == nil {
		t.Fatalf("expected empty typed secret to fail")
	}
}
