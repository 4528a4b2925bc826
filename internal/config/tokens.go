package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/intake-cli/internal/clio"
)

type tokenFile struct {
	AccessToken  string    `yaml:"access_token"`
	RefreshToken string    `yaml:"refresh_token"`
	Expiry       time.Time `yaml:"expiry,omitempty"`
}

// InitialTokens returns the token pair to seed the credential manager with:
// the token file when it exists, otherwise the configured tokens.
func (c ClioConfig) InitialTokens() (clio.TokenState, error) {
	st := clio.TokenState{
		AccessToken:  strings.TrimSpace(c.AccessToken),
		RefreshToken: strings.TrimSpace(c.RefreshToken),
	}
	if c.TokenFile == "" {
		return st, nil
	}
	if _, err := os.Stat(c.TokenFile); errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	saved, err := LoadTokens(c.TokenFile)
	if err != nil {
		return clio.TokenState{}, err
	}
	if saved.RefreshToken == "" {
		return st, nil
	}
	return saved, nil
}

// LoadTokens reads a token pair written by SaveTokens.
func LoadTokens(path string) (clio.TokenState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return clio.TokenState{}, eris.Wrapf(err, "config: read token file %s", path)
	}
	var tf tokenFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return clio.TokenState{}, eris.Wrapf(err, "config: parse token file %s", path)
	}
	return clio.TokenState{AccessToken: tf.AccessToken, RefreshToken: tf.RefreshToken, Expiry: tf.Expiry}, nil
}

// SaveTokens writes the token pair with owner-only permissions. The file is
// replaced atomically so a crash never leaves a truncated token file.
func SaveTokens(path string, st clio.TokenState) error {
	data, err := yaml.Marshal(tokenFile{AccessToken: st.AccessToken, RefreshToken: st.RefreshToken, Expiry: st.Expiry})
	if err != nil {
		return eris.Wrap(err, "config: marshal tokens")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tokens-*")
	if err != nil {
		return eris.Wrap(err, "config: create temp token file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return eris.Wrap(err, "config: chmod token file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return eris.Wrap(err, "config: write token file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "config: close token file")
	}
	return eris.Wrapf(os.Rename(tmp.Name(), path), "config: install token file %s", path)
}
