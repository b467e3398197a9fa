// Package store provides the local backing for secrets and character
// definitions: environment variables first, then small JSON files under the
// config directory.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/normanking/avatartalk/internal/session"
)

// ErrNotFound is returned when a credential is absent from both the
// environment and the secrets file.
var ErrNotFound = errors.New("credential not found")

const envPrefix = "AVATARTALK_"

// Credentials resolves named secrets. An environment variable of the form
// AVATARTALK_<NAME> wins over the secrets file.
type Credentials struct {
	path   string
	logger zerolog.Logger

	mu     sync.Mutex
	loaded bool
	values map[string]string
}

// NewCredentials creates a credential store over the given secrets file.
// The file may be absent; the environment still works.
func NewCredentials(path string, logger zerolog.Logger) *Credentials {
	return &Credentials{
		path:   path,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

// Get resolves one credential by name.
func (c *Credentials) Get(name string) (string, error) {
	if v := os.Getenv(envPrefix + strings.ToUpper(name)); v != "" {
		return v, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		c.loaded = true
		c.values = map[string]string{}

		data, err := os.ReadFile(c.path)
		if err != nil {
			if !os.IsNotExist(err) {
				return "", fmt.Errorf("read secrets file: %w", err)
			}
		} else if err := json.Unmarshal(data, &c.values); err != nil {
			return "", fmt.Errorf("parse secrets file: %w", err)
		}
	}

	if v := c.values[name]; v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Definitions loads the active character definition from a JSON file.
type Definitions struct {
	path   string
	logger zerolog.Logger
}

// NewDefinitions creates a definition store over the given file.
func NewDefinitions(path string, logger zerolog.Logger) *Definitions {
	return &Definitions{
		path:   path,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

// Active returns the configured character, or nil when no definition file
// exists. A missing definition is not an error; the session runs without
// instructions.
func (d *Definitions) Active() (*session.Character, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read character file: %w", err)
	}

	var character session.Character
	if err := json.Unmarshal(data, &character); err != nil {
		return nil, fmt.Errorf("parse character file: %w", err)
	}

	d.logger.Debug().Str("name", character.Name).Msg("Character definition loaded")
	return &character, nil
}
