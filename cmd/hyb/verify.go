package main

import (
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/hybrid/manifest"
	"github.com/chazu/hybrid/vm"
)

func (a *app) verifyCmd() *cobra.Command {
	var update bool
	cmd := &cobra.Command{
		Use:   "verify [assemblies...]",
		Short: "Check the lock file and transform every method body",
		Long: `Verify resolves the manifest's assemblies and compares them against
hybrid.lock, reporting any assembly whose MVID changed. It then loads them
and transforms every non-generic method body, reporting the ones the
interpreter would reject. --update rewrites hybrid.lock instead of
comparing against it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manifest()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			failed := false

			r := manifest.NewResolver(m)
			resolved, err := r.Resolve()
			if err != nil {
				return err
			}
			if update {
				if err := manifest.WriteLock(m.LockFilePath(), r.NewLock(resolved)); err != nil {
					return err
				}
				fmt.Fprintf(w, "wrote %s (%d assemblies)\n", m.LockFilePath(), len(resolved))
			} else {
				lf, err := manifest.ReadLock(m.LockFilePath())
				if err != nil {
					return err
				}
				if len(lf.Assemblies) > 0 {
					for _, d := range r.Verify(lf, resolved) {
						fmt.Fprintf(w, "lock: %s\n", d)
						failed = true
					}
				}
			}

			s, err := a.load(m, vm.Options{}, args...)
			if err != nil {
				return err
			}
			problems := transformAll(s)
			for _, p := range problems {
				fmt.Fprintln(w, p)
			}
			if len(problems) > 0 {
				failed = true
			}
			methods := 0
			for _, img := range s.images {
				methods += len(img.Methods())
			}
			fmt.Fprintf(w, "%d assemblies, %d methods, %d problems\n", len(s.images), methods, len(problems))
			if failed {
				return exitCode(1)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&update, "update", false, "rewrite hybrid.lock from the resolved assemblies")
	return cmd
}

// transformAll transforms every method body of the session's images on
// a bounded set of goroutines and returns the failures, sorted.
func transformAll(s *session) []string {
	var (
		mu       sync.Mutex
		problems []string
	)
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, img := range s.images {
		for _, m := range img.Methods() {
			m := m
			if m.Body == nil || m.IsGenericMethodDef() || m.Class.ContainsGenericParameters() {
				continue
			}
			g.Go(func() error {
				if _, err := s.rt.Transform(m); err != nil {
					mu.Lock()
					problems = append(problems, fmt.Sprintf("%s: %v", m.FullName(), err))
					mu.Unlock()
				}
				return nil
			})
		}
	}
	g.Wait()
	sort.Strings(problems)
	return problems
}
