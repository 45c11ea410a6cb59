// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package enrollment

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/drover-systems/drover/lib/acl"
	"github.com/drover-systems/drover/lib/clock"
	"github.com/drover-systems/drover/lib/ref"
)

// DefaultStubTimeout is how long an autosign stub stays valid when the
// config does not say otherwise.
const DefaultStubTimeout = 120 * time.Minute

// PolicyConfig wires a Policy.
type PolicyConfig struct {
	// AutoAccept accepts every submitted key. Lab use only.
	AutoAccept bool

	// AutoSignFile and AutoRejectFile are operator-edited pattern
	// files, one expression per line, '#' comments and blanks
	// skipped. Empty disables the check.
	AutoSignFile   string
	AutoRejectFile string

	// AutoSignDir holds single-use stub files, each named exactly
	// like the key id it pre-approves. Empty disables the check.
	AutoSignDir string

	// StubTimeout bounds a stub's life from its mtime; expired stubs
	// are swept on every check. Zero or negative disables the sweep.
	// Config defaulting happens upstream (DefaultStubTimeout).
	StubTimeout time.Duration

	// KeyOwner is the account expected to own policy files, consulted
	// when Permissive allows group-writable files. Defaults to root.
	KeyOwner string

	// Permissive permits group-writable policy files under the
	// KeyOwner conditions; see CheckPermissions.
	Permissive bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// Policy decides what happens to a newly submitted key. It never
// writes to the key store; consuming an autosign stub is its only side
// effect.
type Policy struct {
	autoAccept     bool
	autoSignFile   string
	autoRejectFile string
	autoSignDir    string
	stubTimeout    time.Duration
	keyOwner       string
	permissive     bool
	clock          clock.Clock
	logger         *slog.Logger
}

// NewPolicy builds a Policy.
func NewPolicy(cfg PolicyConfig) *Policy {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	owner := cfg.KeyOwner
	if owner == "" {
		owner = "root"
	}
	return &Policy{
		autoAccept:     cfg.AutoAccept,
		autoSignFile:   cfg.AutoSignFile,
		autoRejectFile: cfg.AutoRejectFile,
		autoSignDir:    cfg.AutoSignDir,
		stubTimeout:    cfg.StubTimeout,
		keyOwner:       owner,
		permissive:     cfg.Permissive,
		clock:          c,
		logger:         logger,
	}
}

// CheckAutoSign reports whether keyid may be accepted without an
// operator: the global auto-accept toggle, a signing-file match, or a
// single-use stub. A matching stub is consumed.
func (p *Policy) CheckAutoSign(keyid ref.AgentID) bool {
	if p.autoAccept {
		return true
	}
	if p.CheckSigningFile(keyid, p.autoSignFile) {
		return true
	}
	return p.CheckAutosignDir(keyid)
}

// CheckAutoReject reports whether keyid is denylisted.
func (p *Policy) CheckAutoReject(keyid ref.AgentID) bool {
	return p.CheckSigningFile(keyid, p.autoRejectFile)
}

// CheckSigningFile reports whether keyid matches a pattern in the
// given policy file. A file that is missing, unreadable, or too widely
// writable matches nothing.
func (p *Policy) CheckSigningFile(keyid ref.AgentID, path string) bool {
	if path == "" {
		return false
	}
	if !p.CheckPermissions(path) {
		p.logger.Warn("ignoring policy file with unsafe permissions", "path", path)
		return false
	}
	file, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn("reading policy file", "path", path, "error", err)
		}
		return false
	}
	defer file.Close()

	id := keyid.String()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if acl.ExprMatch(line, id) {
			return true
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("reading policy file", "path", path, "error", err)
	}
	return false
}

// CheckAutosignDir sweeps expired stubs, then consumes the stub named
// exactly like keyid if one remains. Each stub approves one
// enrollment: a hit deletes it.
func (p *Policy) CheckAutosignDir(keyid ref.AgentID) bool {
	if p.autoSignDir == "" {
		return false
	}
	p.sweepStubs()

	stub := filepath.Join(p.autoSignDir, keyid.String())
	if _, err := os.Stat(stub); err != nil {
		return false
	}
	if err := os.Remove(stub); err != nil {
		p.logger.Warn("consuming autosign stub", "path", stub, "error", err)
		return false
	}
	p.logger.Info("autosign stub consumed", "agent", keyid)
	return true
}

// CheckPermissions reports whether a policy file may be trusted on
// this platform. On POSIX a group- or other-writable file is refused
// unless the configured key owner is root, permissive mode is on, and
// the file's group is one of the owner's groups. Any stat or lookup
// failure refuses.
func (p *Policy) CheckPermissions(path string) bool {
	return p.checkPermissions(path)
}

// sweepStubs removes stubs older than the timeout, measured against
// file mtime.
func (p *Policy) sweepStubs() {
	if p.stubTimeout <= 0 {
		return
	}
	entries, err := os.ReadDir(p.autoSignDir)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn("listing autosign directory", "path", p.autoSignDir, "error", err)
		}
		return
	}
	cutoff := p.clock.Now().Add(-p.stubTimeout)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			stub := filepath.Join(p.autoSignDir, entry.Name())
			if err := os.Remove(stub); err == nil {
				p.logger.Warn("autosign stub expired", "agent", entry.Name())
			}
		}
	}
}
