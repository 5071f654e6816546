package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves the wallet keystore passphrase from a file, an
// environment variable or an interactive prompt, in that order. The value is
// cached after the first successful retrieval.
type Source struct {
	envVar string
	file   string

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a passphrase source that checks envVar before
// interactively prompting on the terminal.
func NewSource(envVar string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar)}
}

// WithFile makes the source read the passphrase from path first. Trailing
// newlines are stripped.
func (s *Source) WithFile(path string) *Source {
	s.file = strings.TrimSpace(path)
	return s
}

// Get returns the cached passphrase or resolves it if this is the first call.
// Whitespace-only passphrases are rejected to avoid unprotected keystores.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.file != "" {
		raw, err := os.ReadFile(s.file)
		if err != nil {
			return "", fmt.Errorf("read passphrase file: %w", err)
		}
		value := strings.TrimRight(string(raw), "\r\n")
		if strings.TrimSpace(value) == "" {
			return "", fmt.Errorf("passphrase file %s is empty", s.file)
		}
		return value, nil
	}

	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		if s.envVar != "" {
			return "", fmt.Errorf("wallet keystore passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("wallet keystore passphrase required and no terminal available")
	}

	fmt.Fprint(os.Stderr, "Enter wallet keystore passphrase: ")
	bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	passphrase := string(bytes)
	if strings.TrimSpace(passphrase) == "" {
		return "", errors.New("wallet keystore passphrase cannot be empty")
	}
	return passphrase, nil
}
