package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[runtime]
stack-slots = 8192
max-frames = 256
log-level = "debug"
log-file = "logs/hybrid.log"

[assemblies]
search-paths = ["lib", "/opt/assemblies"]
preload = ["lib/Game.Data.dll"]

[entry]
assembly = "Game.Logic.dll"
method = "Game.Program::Main"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Runtime.StackSlots != 8192 {
		t.Errorf("stack-slots = %d, want 8192", m.Runtime.StackSlots)
	}
	if m.Runtime.MaxFrames != 256 {
		t.Errorf("max-frames = %d, want 256", m.Runtime.MaxFrames)
	}
	if m.Verbosity() != 2 {
		t.Errorf("verbosity = %d, want 2 for debug", m.Verbosity())
	}
	if got := *m.LogFilePath(); got != filepath.Join(m.Dir, "logs", "hybrid.log") {
		t.Errorf("log file = %q", got)
	}
	paths := m.SearchDirPaths()
	if len(paths) != 2 || paths[0] != filepath.Join(m.Dir, "lib") || paths[1] != "/opt/assemblies" {
		t.Errorf("search paths = %v", paths)
	}
	if len(m.Assemblies.Preload) != 1 {
		t.Errorf("preload = %v", m.Assemblies.Preload)
	}
	if got := m.EntryAssemblyPath(); got != filepath.Join(m.Dir, "Game.Logic.dll") {
		t.Errorf("entry assembly = %q", got)
	}
	if m.Entry.Method != "Game.Program::Main" {
		t.Errorf("entry method = %q", m.Entry.Method)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[entry]
assembly = "App.exe"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Runtime.StackSlots != DefaultStackSlots || m.Runtime.MaxFrames != DefaultMaxFrames {
		t.Errorf("runtime defaults = %+v", m.Runtime)
	}
	if m.Runtime.LogLevel != DefaultLogLevel || m.Verbosity() != 0 {
		t.Errorf("log level = %q (verbosity %d)", m.Runtime.LogLevel, m.Verbosity())
	}
	if len(m.Assemblies.SearchPaths) != 1 || m.Assemblies.SearchPaths[0] != "." {
		t.Errorf("default search paths = %v, want [.]", m.Assemblies.SearchPaths)
	}
	if m.LogFilePath() != nil {
		t.Error("log file set without log-file")
	}
}

func TestLoadManifestInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"small stack", "[runtime]\nstack-slots = 10\n"},
		{"negative frames", "[runtime]\nmax-frames = -1\n"},
		{"log level", "[runtime]\nlog-level = \"loud\"\n"},
		{"entry method", "[entry]\nmethod = \"Main\"\n"},
		{"unknown key", "[runtime]\nstack = 1\n"},
		{"corlib preload", "[assemblies]\npreload = [\"lib/mscorlib.dll\"]\n"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.content))
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Parse error = %v, want ErrInvalid", err)
			}
		})
	}

	if _, err := Parse([]byte("[runtime\n")); err == nil {
		t.Error("malformed TOML parsed")
	}
}

func TestFindAndLoad(t *testing.T) {
	// Create nested directory structure
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, dir, "[entry]\nassembly = \"found.dll\"\n")

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Entry.Assembly != "found.dll" {
		t.Errorf("entry assembly = %q, want found.dll", m.Entry.Assembly)
	}
	abs, _ := filepath.Abs(dir)
	if m.Dir != abs {
		t.Errorf("Dir = %q, want %q", m.Dir, abs)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no hybrid.toml exists")
	}
}

func TestDefaultManifest(t *testing.T) {
	m := Default("/app")
	if err := m.Validate(); err != nil {
		t.Fatalf("default manifest invalid: %v", err)
	}
	if paths := m.SearchDirPaths(); len(paths) != 1 || paths[0] != "/app" {
		t.Errorf("paths = %v, want [/app]", paths)
	}
	if m.EntryAssemblyPath() != "" {
		t.Error("default manifest has an entry assembly")
	}
}
