package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/chazu/hybrid/vm"
)

func (a *app) runCmd() *cobra.Command {
	var method string
	var profile int
	cmd := &cobra.Command{
		Use:   "run [assembly] [-- args...]",
		Short: "Run an assembly's entry point",
		Long: `Run loads the entry assembly and everything it references, then calls
its entry point. The assembly defaults to [entry] in hybrid.toml. Arguments
after -- are passed to Main as a string array. The process exits with the
value Main returns.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manifest()
			if err != nil {
				return err
			}
			argv := args
			if dash := cmd.ArgsLenAtDash(); dash != 0 && len(args) > 0 {
				abs, err := filepath.Abs(args[0])
				if err != nil {
					return err
				}
				m.Entry.Assembly = abs
				argv = args[1:]
			}
			if method != "" {
				m.Entry.Method = method
			}

			opts := vm.Options{Stdout: cmd.OutOrStdout()}
			if profile > 0 {
				opts.Profiler = vm.NewProfiler()
				defer printProfile(cmd, opts.Profiler, profile)
			}
			s, err := a.load(m, opts)
			if err != nil {
				return err
			}
			if s.entry == nil {
				return fmt.Errorf("no entry assembly: name one or set [entry] assembly in hybrid.toml")
			}

			var code int32
			if m.Entry.Method != "" {
				em, err := findMethod(s.entry, m.Entry.Method)
				if err != nil {
					return err
				}
				code, err = s.rt.RunEntry(em, argv)
				if err != nil {
					return unhandled(cmd, err)
				}
			} else if code, err = s.rt.RunMain(s.entry, argv); err != nil {
				return unhandled(cmd, err)
			}
			if code != 0 {
				return exitCode(code)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&method, "method", "m", "", "static method to run instead of the entry point (Ns.Type::Name)")
	cmd.Flags().IntVar(&profile, "profile", 0, "print the `N` most called methods to stderr on exit")
	return cmd
}

// unhandled reports an exception that escaped the entry point.
func unhandled(cmd *cobra.Command, err error) error {
	me, ok := vm.AsManagedException(err)
	if !ok {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Unhandled exception. %s\n", me.Error())
	if trace := vm.ExceptionStackTrace(me.Object); trace != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), trace)
	}
	return exitCode(1)
}

func printProfile(cmd *cobra.Command, p *vm.Profiler, n int) {
	st := p.Stats()
	fmt.Fprintf(cmd.ErrOrStderr(), "%s calls to %d methods (%s native)\n",
		humanize.Comma(int64(st.Invocations)), st.Methods, humanize.Comma(int64(st.NativeInvocations)))
	w := tabwriter.NewWriter(cmd.ErrOrStderr(), 0, 4, 2, ' ', tabwriter.AlignRight)
	for _, prof := range p.Top(n) {
		kind := ""
		if prof.Native {
			kind = " [native]"
		}
		fmt.Fprintf(w, "%s\t %s%s\n", humanize.Comma(int64(prof.Invocations())), prof.Method.FullName(), kind)
	}
	w.Flush()
}
