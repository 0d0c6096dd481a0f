package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// TermsVersion identifies the terms text a user accepted. Bumping it asks
// everyone to accept again.
const TermsVersion = "1"

type Consent struct {
	Accepted   bool      `json:"accepted"`
	Version    string    `json:"version,omitempty"`
	AcceptedAt time.Time `json:"accepted_at,omitempty"`
}

// Valid reports whether the consent covers the current terms.
func (c Consent) Valid() bool {
	return c.Accepted && c.Version == TermsVersion
}

// LoadConsentFile reads the consent flag. A missing file means not accepted.
func LoadConsentFile(path string) (Consent, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Consent{}, nil
	}
	if err != nil {
		return Consent{}, err
	}
	var consent Consent
	if err := json.Unmarshal(data, &consent); err != nil {
		return Consent{}, fmt.Errorf("invalid consent file: %w", err)
	}
	return consent, nil
}

func WriteConsentFile(path string, consent Consent) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	content, err := json.MarshalIndent(consent, "", "  ")
	if err != nil {
		return err
	}
	content = append(content, '\n')

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

type ConsentStore struct {
	path string

	mu      sync.RWMutex
	current Consent
}

func NewConsentStore(path string) (*ConsentStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("consent file path is required")
	}
	current, err := LoadConsentFile(path)
	if err != nil {
		return nil, err
	}
	return &ConsentStore{
		path:    path,
		current: current,
	}, nil
}

func (s *ConsentStore) Get() Consent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update records acceptance or withdrawal and persists it.
func (s *ConsentStore) Update(accepted bool) (Consent, error) {
	next := Consent{Accepted: accepted}
	if accepted {
		next.Version = TermsVersion
		next.AcceptedAt = time.Now().UTC()
	}
	if err := WriteConsentFile(s.path, next); err != nil {
		return Consent{}, err
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	return next, nil
}
