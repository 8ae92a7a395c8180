// hyb runs and inspects CIL assemblies with the hybrid interpreter.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/hybrid/manifest"
	"github.com/chazu/hybrid/vm"
)

// exitCode is returned by a command that finished but wants a nonzero
// process status.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

// app holds the global flags shared by every subcommand.
type app struct {
	dir      string
	verbose  int
	logLevel string

	log commonlog.Logger
}

func main() {
	err := newRootCmd().Execute()
	var code exitCode
	switch {
	case errors.As(err, &code):
		os.Exit(int(code))
	case err != nil:
		fmt.Fprintf(os.Stderr, "hyb: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{log: commonlog.GetLogger("hybrid.cli")}
	root := &cobra.Command{
		Use:           "hyb",
		Short:         "Run and inspect CIL assemblies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.dir, "dir", "C", ".", "directory to search for "+manifest.FileName)
	root.PersistentFlags().CountVarP(&a.verbose, "verbose", "v", "raise log verbosity (repeatable)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		a.runCmd(),
		a.dumpCmd(),
		a.disasmCmd(),
		a.indexCmd(),
		a.verifyCmd(),
	)
	return root
}

// manifest loads the nearest hybrid.toml, or the defaults when there is
// none, and configures logging from it.
func (a *app) manifest() (*manifest.Manifest, error) {
	m, err := manifest.FindAndLoad(a.dir)
	if err != nil {
		return nil, err
	}
	if m == nil {
		dir, err := filepath.Abs(a.dir)
		if err != nil {
			return nil, err
		}
		m = manifest.Default(dir)
	}
	if a.logLevel != "" {
		m.Runtime.LogLevel = a.logLevel
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}
	commonlog.Configure(m.Verbosity()+a.verbose, m.LogFilePath())
	return m, nil
}

// session is a runtime with the manifest's assemblies loaded.
type session struct {
	m      *manifest.Manifest
	rt     *vm.Runtime
	images []*vm.Image
	entry  *vm.Image
}

// load resolves the manifest's assemblies plus extra and loads them in
// dependency order. extra paths are taken relative to the working
// directory and are treated as preloads.
func (a *app) load(m *manifest.Manifest, opts vm.Options, extra ...string) (*session, error) {
	for _, p := range extra {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		m.Assemblies.Preload = append(m.Assemblies.Preload, abs)
	}
	resolved, err := manifest.NewResolver(m).Resolve()
	if err != nil {
		return nil, err
	}
	if len(resolved) == 0 {
		return nil, fmt.Errorf("no assemblies to load: name one or set [entry] in %s", manifest.FileName)
	}

	opts.StackSlots = m.Runtime.StackSlots
	opts.MaxFrames = m.Runtime.MaxFrames
	opts.SearchPaths = m.SearchDirPaths()
	rt, err := vm.NewRuntime(opts)
	if err != nil {
		return nil, err
	}
	s := &session{m: m, rt: rt}
	entry := m.EntryAssemblyPath()
	for _, ra := range resolved {
		img, err := rt.LoadFile(ra.Path)
		if err != nil {
			return nil, err
		}
		s.images = append(s.images, img)
		if entry != "" && sameFile(ra.Path, entry) {
			s.entry = img
		}
	}
	a.log.Infof("loaded %d assemblies", len(s.images))
	return s, nil
}

// image returns the loaded image called name, or the entry image (the
// last loaded one without an entry) when name is empty.
func (s *session) image(name string) (*vm.Image, error) {
	if name == "" {
		if s.entry != nil {
			return s.entry, nil
		}
		return s.images[len(s.images)-1], nil
	}
	for _, img := range s.rt.Images() {
		if strings.EqualFold(img.Name, name) {
			return img, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", manifest.ErrNotFound, name)
}

// findMethod resolves "Ns.Outer+Inner::Method" in img.
func findMethod(img *vm.Image, qualified string) (*vm.MethodInfo, error) {
	mn, err := manifest.ParseMethodName(qualified)
	if err != nil {
		return nil, err
	}
	c := findClass(img, mn)
	if c == nil {
		return nil, fmt.Errorf("type %s not found in %s", mn.TypeName(), img.Name)
	}
	m := c.FindMethod(mn.Method, -1)
	if m == nil {
		return nil, fmt.Errorf("method %s not found", mn)
	}
	return m, nil
}

func findClass(img *vm.Image, mn manifest.MethodName) *vm.Class {
	path := append([]string{mn.Type}, mn.Nested...)
	return img.FindType(mn.Namespace, strings.Join(path, "/"))
}

func sameFile(a, b string) bool {
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}
