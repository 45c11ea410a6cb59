// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/drover-systems/drover/lib/codec"
	"github.com/drover-systems/drover/lib/ref"
)

// cacheFileName is the per-agent envelope file inside the agent's
// cache subdirectory.
const cacheFileName = "data.cbor"

// envelope is the on-disk cache record: the grains an agent reported
// and the bundle compiled from that same request.
type envelope struct {
	Grains map[string]any `cbor:"grains"`
	Data   map[string]any `cbor:"data"`
}

// Cache persists the last compiled bundle per agent, one subdirectory
// per agent id. Entries are replaced atomically (temp file + rename),
// so readers never observe a partial write.
//
// Cache implements target.MetadataSource: grain and data targeting
// read the cached envelopes.
type Cache struct {
	dir    string
	logger *slog.Logger

	// writeMu serializes Save and Evict. Reads are lock-free; the
	// rename makes concurrent read/replace benign.
	writeMu sync.Mutex
}

// NewCache creates the cache root directory if needed.
func NewCache(dir string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("bundle: creating cache directory: %w", err)
	}
	return &Cache{dir: dir, logger: logger}, nil
}

// Save stores the agent's envelope, replacing any previous one.
func (c *Cache) Save(agent ref.AgentID, grains, data map[string]any) error {
	if agent.IsZero() {
		return fmt.Errorf("bundle: save: zero agent id")
	}

	blob, err := codec.Marshal(envelope{Grains: grains, Data: data})
	if err != nil {
		return fmt.Errorf("bundle: encoding cache entry for %s: %w", agent, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	agentDir := filepath.Join(c.dir, agent.String())
	if err := os.MkdirAll(agentDir, 0o700); err != nil {
		return fmt.Errorf("bundle: creating cache directory for %s: %w", agent, err)
	}

	// Atomic write: temp file + rename.
	tmpFile, err := os.CreateTemp(agentDir, "data-*.tmp")
	if err != nil {
		return fmt.Errorf("bundle: creating temp cache file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(blob); err != nil {
		tmpFile.Close()
		return fmt.Errorf("bundle: writing cache entry for %s: %w", agent, err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("bundle: closing temp cache file: %w", err)
	}

	if err := os.Rename(tmpPath, filepath.Join(agentDir, cacheFileName)); err != nil {
		return fmt.Errorf("bundle: renaming cache entry for %s: %w", agent, err)
	}

	success = true
	return nil
}

// Evict removes the agent's cache entry, if any. Called when an
// agent's enrollment key is deleted so stale facts stop feeding
// targeting.
func (c *Cache) Evict(agent ref.AgentID) error {
	if agent.IsZero() {
		return fmt.Errorf("bundle: evict: zero agent id")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := os.RemoveAll(filepath.Join(c.dir, agent.String())); err != nil {
		return fmt.Errorf("bundle: evicting cache entry for %s: %w", agent, err)
	}
	return nil
}

// Grains implements target.MetadataSource.
func (c *Cache) Grains(ctx context.Context, agent ref.AgentID) (map[string]any, bool) {
	env, ok := c.load(agent)
	if !ok {
		return nil, false
	}
	return env.Grains, true
}

// Data implements target.MetadataSource.
func (c *Cache) Data(ctx context.Context, agent ref.AgentID) (map[string]any, bool) {
	env, ok := c.load(agent)
	if !ok {
		return nil, false
	}
	return env.Data, true
}

// load reads and decodes the agent's envelope. Unreadable or corrupt
// entries report false: targeting treats the agent as fact-less
// rather than failing the whole resolution.
func (c *Cache) load(agent ref.AgentID) (*envelope, bool) {
	if agent.IsZero() {
		return nil, false
	}

	raw, err := os.ReadFile(filepath.Join(c.dir, agent.String(), cacheFileName))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("unreadable bundle cache entry",
				"agent", agent.String(),
				"error", err,
			)
		}
		return nil, false
	}

	var env envelope
	if err := codec.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("corrupt bundle cache entry",
			"agent", agent.String(),
			"error", err,
		)
		return nil, false
	}
	return &env, true
}
