// Package manifest handles hybrid.toml runtime configuration.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// FileName is the name of the configuration file.
const FileName = "hybrid.toml"

// Defaults applied to a loaded manifest.
const (
	DefaultStackSlots = 65536
	DefaultMaxFrames  = 4096
	DefaultLogLevel   = "notice"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid manifest")

// Manifest represents a hybrid.toml configuration.
type Manifest struct {
	Runtime    Runtime    `toml:"runtime"`
	Assemblies Assemblies `toml:"assemblies"`
	Entry      Entry      `toml:"entry"`

	// Dir is the directory containing the hybrid.toml file (set at load time).
	Dir string `toml:"-"`
}

// Runtime configures the interpreter.
type Runtime struct {
	StackSlots int    `toml:"stack-slots"`
	MaxFrames  int    `toml:"max-frames"`
	LogLevel   string `toml:"log-level"`
	LogFile    string `toml:"log-file"`
}

// Assemblies configures where referenced assemblies are found.
type Assemblies struct {
	SearchPaths []string `toml:"search-paths"`
	Preload     []string `toml:"preload"`
}

// Entry names the program to run.
type Entry struct {
	Assembly string `toml:"assembly"`
	Method   string `toml:"method"`
}

// Load parses a hybrid.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// Parse decodes and validates a manifest. Dir is left empty.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown key %s", ErrInvalid, undecoded[0])
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Default returns the manifest used when no hybrid.toml exists.
func Default(dir string) *Manifest {
	m := &Manifest{Dir: dir}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	if m.Runtime.StackSlots == 0 {
		m.Runtime.StackSlots = DefaultStackSlots
	}
	if m.Runtime.MaxFrames == 0 {
		m.Runtime.MaxFrames = DefaultMaxFrames
	}
	if m.Runtime.LogLevel == "" {
		m.Runtime.LogLevel = DefaultLogLevel
	}
	if len(m.Assemblies.SearchPaths) == 0 {
		m.Assemblies.SearchPaths = []string{"."}
	}
}

// Validate checks the values a loaded manifest carries.
func (m *Manifest) Validate() error {
	if m.Runtime.StackSlots < 1024 {
		return fmt.Errorf("%w: stack-slots %d is below 1024", ErrInvalid, m.Runtime.StackSlots)
	}
	if m.Runtime.MaxFrames < 1 {
		return fmt.Errorf("%w: max-frames must be positive", ErrInvalid)
	}
	if _, ok := verbosities[strings.ToLower(m.Runtime.LogLevel)]; !ok {
		return fmt.Errorf("%w: unknown log-level %q", ErrInvalid, m.Runtime.LogLevel)
	}
	for _, p := range m.Assemblies.Preload {
		if IsCorlibAssembly(filepath.Base(p)) {
			return fmt.Errorf("%w: preload %q names the built-in core library", ErrInvalid, p)
		}
	}
	if m.Entry.Method != "" {
		if _, err := ParseMethodName(m.Entry.Method); err != nil {
			return fmt.Errorf("%w: entry method: %v", ErrInvalid, err)
		}
	}
	return nil
}

// FindAndLoad walks up from startDir to find a hybrid.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// SearchDirPaths returns absolute paths for the configured search paths.
func (m *Manifest) SearchDirPaths() []string {
	var paths []string
	for _, d := range m.Assemblies.SearchPaths {
		paths = append(paths, m.abs(d))
	}
	return paths
}

// EntryAssemblyPath returns the absolute path of the entry assembly, or ""
// when none is configured.
func (m *Manifest) EntryAssemblyPath() string {
	if m.Entry.Assembly == "" {
		return ""
	}
	return m.abs(m.Entry.Assembly)
}

// LogFilePath returns the absolute log file path, or nil for stderr.
func (m *Manifest) LogFilePath() *string {
	if m.Runtime.LogFile == "" {
		return nil
	}
	p := m.abs(m.Runtime.LogFile)
	return &p
}

// LockFilePath returns the path to hybrid.lock.
func (m *Manifest) LockFilePath() string {
	return filepath.Join(m.Dir, "hybrid.lock")
}

func (m *Manifest) abs(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// verbosities maps log-level names to commonlog verbosity.
var verbosities = map[string]int{
	"none":     -4,
	"critical": -3,
	"error":    -2,
	"warning":  -1,
	"notice":   0,
	"info":     1,
	"debug":    2,
}

// Verbosity returns the commonlog verbosity of the configured log level.
func (m *Manifest) Verbosity() int {
	return verbosities[strings.ToLower(m.Runtime.LogLevel)]
}
