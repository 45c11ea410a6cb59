// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads controller configuration.
//
// Configuration is a single YAML file, named by the DROVER_CONFIG
// environment variable or the --config flag. There are no fallback
// search paths and environment variables never override file values;
// the only expansion performed is ${VAR} substitution inside path
// strings, for portability of home-relative installs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/drover-systems/drover/lib/acl"
)

// Config is the controller configuration.
type Config struct {
	// RunUser is the account the controller runs as. It anchors the
	// superuser authentication paths and always receives an operator
	// secret. Default "root".
	RunUser string `yaml:"run_user"`

	// StatusFunction is the function name interactive clients poll
	// for job progress. It is permitted to any authenticated caller
	// regardless of ACL outcome. Default "job.find".
	StatusFunction string `yaml:"status_function"`

	Paths      PathsConfig      `yaml:"paths"`
	Listen     ListenConfig     `yaml:"listen"`
	Enrollment EnrollmentConfig `yaml:"enrollment"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Upload     UploadConfig     `yaml:"upload"`
	Bundle     BundleConfig     `yaml:"bundle"`
	Access     AccessConfig     `yaml:"access"`

	// Eauth maps an external auth provider name to the ACL table
	// enumerating its principals. A provider absent here cannot
	// authenticate anyone, token or not.
	Eauth map[string]acl.Table `yaml:"eauth"`

	// StaticUsers is the built-in "static" provider's account table:
	// principal name to argon2id PHC hash.
	StaticUsers map[string]string `yaml:"static_users"`

	// Nodegroups maps group names to compound target expressions.
	Nodegroups map[string]string `yaml:"nodegroups"`
}

// PathsConfig locates the controller's on-disk state. Everything
// defaults to a subdirectory of Root.
type PathsConfig struct {
	// Root is the base directory for controller state.
	// Default /var/lib/drover.
	Root string `yaml:"root"`

	// Keys holds enrollment keys (accepted/pending/rejected subdirs).
	Keys string `yaml:"keys"`

	// Secrets holds per-user operator secret files.
	Secrets string `yaml:"secrets"`

	// Tokens holds minted bearer token records.
	Tokens string `yaml:"tokens"`

	// Database is the controller's SQLite file (job ledger and mine).
	Database string `yaml:"database"`

	// BundleCache holds per-agent compiled bundle envelopes.
	BundleCache string `yaml:"bundle_cache"`

	// Uploads receives agent file uploads, one subdirectory per
	// agent.
	Uploads string `yaml:"uploads"`
}

// ListenConfig names the controller's listening endpoints.
type ListenConfig struct {
	// OperatorSocket is the Unix socket for operator requests.
	// Default /run/drover/operator.sock.
	OperatorSocket string `yaml:"operator_socket"`

	// EventSocket is the Unix socket event subscribers connect to.
	// Default /run/drover/events.sock.
	EventSocket string `yaml:"event_socket"`

	// AgentAddress is the TCP address the agent listener binds.
	// Default ":4506".
	AgentAddress string `yaml:"agent_address"`
}

// EnrollmentConfig tunes the enrollment policy engine.
type EnrollmentConfig struct {
	// AutoAccept accepts every submitted key. Lab use only.
	AutoAccept bool `yaml:"auto_accept"`

	// AutosignFile and AutorejectFile are operator-edited pattern
	// files. Empty disables the respective check.
	AutosignFile   string `yaml:"autosign_file"`
	AutorejectFile string `yaml:"autoreject_file"`

	// AutosignDir holds single-use pre-approval stubs.
	AutosignDir string `yaml:"autosign_dir"`

	// AutosignTimeoutMinutes bounds a stub's life from its mtime.
	// Zero disables expiry. Default 120.
	AutosignTimeoutMinutes int `yaml:"autosign_timeout_minutes"`

	// KeyOwner is the account expected to own policy files.
	// Default root.
	KeyOwner string `yaml:"key_owner"`

	// Permissive allows group-writable policy files under the
	// KeyOwner conditions.
	Permissive bool `yaml:"permissive"`
}

// JobsConfig tunes the job ledger.
type JobsConfig struct {
	// CacheEnabled persists request loads and returns. Disabling
	// keeps id allocation (ids must stay unique across a
	// controller's lifetime) but drops the stored payloads.
	CacheEnabled bool `yaml:"cache_enabled"`

	// TrackEndTimes records a completion timestamp as returns
	// arrive.
	TrackEndTimes bool `yaml:"track_end_times"`

	// KeepHours is the ledger retention horizon. Default 24.
	KeepHours int `yaml:"keep_hours"`

	// DispatchEmpty publishes jobs even when target resolution finds
	// no agents, for controllers aggregating downstream
	// sub-controllers that may know agents this one does not.
	DispatchEmpty bool `yaml:"dispatch_empty"`
}

// UploadConfig bounds agent file uploads.
type UploadConfig struct {
	// MaxBytes caps the cumulative size of one uploaded file.
	// Default 100 MiB.
	MaxBytes int64 `yaml:"max_bytes"`
}

// BundleConfig feeds the static bundle compiler and cache.
type BundleConfig struct {
	// CacheEnabled persists compiled bundles per agent.
	CacheEnabled bool `yaml:"cache_enabled"`

	// Common is the bundle document shared by every agent.
	Common map[string]any `yaml:"common"`

	// Overlays are applied in order to agents whose id matches the
	// pattern. Later overlays win on conflicts.
	Overlays []BundleOverlay `yaml:"overlays"`
}

// BundleOverlay is one pattern-scoped bundle fragment.
type BundleOverlay struct {
	Pattern string         `yaml:"pattern"`
	Data    map[string]any `yaml:"data"`
}

// AccessConfig carries the authorization tables and the blacklist.
type AccessConfig struct {
	// Publish governs operator command publication: function,
	// arguments, and target all evaluated.
	Publish acl.Table `yaml:"publish"`

	// Orchestration and Admin govern the two function registries,
	// by function name only.
	Orchestration acl.Table `yaml:"orchestration"`
	Admin         acl.Table `yaml:"admin"`

	// Peer governs agent-initiated publication, keyed by the calling
	// agent's id.
	Peer acl.Table `yaml:"peer"`

	// PeerRun governs agent-initiated orchestration calls.
	PeerRun acl.Table `yaml:"peer_run"`

	// MineGet is the coarse mine-read policy: which agents may read
	// which mine functions. Empty leaves mine reads open; per-entry
	// allow-list wrappers supersede it.
	MineGet acl.Table `yaml:"mine_get"`

	// Blacklist refuses callers and functions before authentication.
	Blacklist acl.Blacklist `yaml:"blacklist"`
}

// Default returns the baseline configuration. The config file merges
// over it; fields left unset keep these values.
func Default() *Config {
	return &Config{
		RunUser:        "root",
		StatusFunction: "job.find",
		Paths: PathsConfig{
			Root: "/var/lib/drover",
		},
		Listen: ListenConfig{
			OperatorSocket: "/run/drover/operator.sock",
			EventSocket:    "/run/drover/events.sock",
			AgentAddress:   ":4506",
		},
		Enrollment: EnrollmentConfig{
			AutosignTimeoutMinutes: 120,
			KeyOwner:               "root",
		},
		Jobs: JobsConfig{
			CacheEnabled:  true,
			TrackEndTimes: true,
			KeepHours:     24,
		},
		Upload: UploadConfig{
			MaxBytes: 100 << 20,
		},
		Bundle: BundleConfig{
			CacheEnabled: true,
		},
	}
}

// Load loads configuration from the DROVER_CONFIG environment
// variable. It fails when the variable is unset: configuration must
// be explicit.
func Load() (*Config, error) {
	path := os.Getenv("DROVER_CONFIG")
	if path == "" {
		return nil, errors.New("DROVER_CONFIG environment variable not set; " +
			"set it to the path of your drover.yaml config file, or use --config flag")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path, merging over Default and
// filling derived paths.
func LoadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.expandVariables()
	cfg.fillDerivedPaths()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// fillDerivedPaths defaults every unset path to a location under
// Root.
func (c *Config) fillDerivedPaths() {
	fill := func(field *string, name string) {
		if *field == "" {
			*field = filepath.Join(c.Paths.Root, name)
		}
	}
	fill(&c.Paths.Keys, "keys")
	fill(&c.Paths.Secrets, "secrets")
	fill(&c.Paths.Tokens, "tokens")
	fill(&c.Paths.Database, "controller.db")
	fill(&c.Paths.BundleCache, "bundle-cache")
	fill(&c.Paths.Uploads, "uploads")
}

// variablePattern matches ${VAR} references in path values.
var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandVariables substitutes ${VAR} in every path field. Unset
// variables expand to the empty string, which Validate then rejects
// as a non-absolute path.
func (c *Config) expandVariables() {
	expand := func(s string) string {
		return variablePattern.ReplaceAllStringFunc(s, func(match string) string {
			name := variablePattern.FindStringSubmatch(match)[1]
			return os.Getenv(name)
		})
	}
	for _, field := range []*string{
		&c.Paths.Root, &c.Paths.Keys, &c.Paths.Secrets, &c.Paths.Tokens,
		&c.Paths.Database, &c.Paths.BundleCache, &c.Paths.Uploads,
		&c.Listen.OperatorSocket, &c.Listen.EventSocket,
		&c.Enrollment.AutosignFile, &c.Enrollment.AutorejectFile,
		&c.Enrollment.AutosignDir,
	} {
		*field = expand(*field)
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.RunUser == "" {
		return errors.New("run_user is empty")
	}
	if c.StatusFunction == "" {
		return errors.New("status_function is empty")
	}
	if !filepath.IsAbs(c.Paths.Root) {
		return fmt.Errorf("paths.root %q is not absolute", c.Paths.Root)
	}
	for name, path := range map[string]string{
		"paths.keys":         c.Paths.Keys,
		"paths.secrets":      c.Paths.Secrets,
		"paths.tokens":       c.Paths.Tokens,
		"paths.database":     c.Paths.Database,
		"paths.bundle_cache": c.Paths.BundleCache,
		"paths.uploads":      c.Paths.Uploads,
	} {
		if !filepath.IsAbs(path) {
			return fmt.Errorf("%s %q is not absolute", name, path)
		}
	}
	if c.Listen.OperatorSocket == "" {
		return errors.New("listen.operator_socket is empty")
	}
	if c.Listen.EventSocket == "" {
		return errors.New("listen.event_socket is empty")
	}
	if c.Listen.AgentAddress == "" {
		return errors.New("listen.agent_address is empty")
	}
	if c.Enrollment.AutosignTimeoutMinutes < 0 {
		return errors.New("enrollment.autosign_timeout_minutes is negative")
	}
	if c.Jobs.KeepHours <= 0 {
		return errors.New("jobs.keep_hours must be positive")
	}
	if c.Upload.MaxBytes <= 0 {
		return errors.New("upload.max_bytes must be positive")
	}
	for _, overlay := range c.Bundle.Overlays {
		if overlay.Pattern == "" {
			return errors.New("bundle overlay with empty pattern")
		}
	}
	return nil
}

// StubTimeout converts the autosign stub expiry to a duration. Zero
// means stubs never expire.
func (c *Config) StubTimeout() time.Duration {
	return time.Duration(c.Enrollment.AutosignTimeoutMinutes) * time.Minute
}

// LedgerRetention converts the job retention horizon to a duration.
func (c *Config) LedgerRetention() time.Duration {
	return time.Duration(c.Jobs.KeepHours) * time.Hour
}

// EnsurePaths creates every state directory the controller writes to.
func (c *Config) EnsurePaths() error {
	for _, dir := range []string{
		c.Paths.Root,
		c.Paths.Keys,
		c.Paths.Secrets,
		c.Paths.Tokens,
		filepath.Dir(c.Paths.Database),
		c.Paths.BundleCache,
		c.Paths.Uploads,
	} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
