package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/chazu/hybrid/metadump"
	"github.com/chazu/hybrid/vm"
)

func (a *app) dumpCmd() *cobra.Command {
	var out string
	var all bool
	cmd := &cobra.Command{
		Use:   "dump [assemblies...]",
		Short: "Write a metadata snapshot of loaded assemblies",
		Long: `Dump loads the named assemblies (or the manifest's) and writes the
resolved metadata, with field layouts, vtables and IL body hashes, as a
compressed CBOR snapshot. The core library is included with --all.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manifest()
			if err != nil {
				return err
			}
			s, err := a.load(m, vm.Options{}, args...)
			if err != nil {
				return err
			}
			images := s.images
			if all {
				images = s.rt.Images()
			}
			snap := metadump.Capture(s.rt, images...)

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := metadump.Write(f, snap); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			info, err := os.Stat(out)
			if err != nil {
				return err
			}

			types, failed := 0, 0
			for _, asm := range snap.Assemblies {
				types += len(asm.Types)
				for _, t := range asm.Types {
					if t.Error != "" {
						failed++
					}
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d assemblies, %s types, %s\n",
				out, len(snap.Assemblies), humanize.Comma(int64(types)), humanize.Bytes(uint64(info.Size())))
			if failed > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%d types failed to lay out\n", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "hybrid.snap", "snapshot file")
	cmd.Flags().BoolVar(&all, "all", false, "include the core library")
	return cmd
}

func (a *app) disasmCmd() *cobra.Command {
	var asm string
	cmd := &cobra.Command{
		Use:   "disasm <Ns.Type[::Method]>...",
		Short: "Disassemble methods",
		Long: `Disasm prints the IL of a method, or of every method of a type, with
tokens resolved to names. Names are looked up in the entry assembly
unless --assembly picks another loaded one.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manifest()
			if err != nil {
				return err
			}
			s, err := a.load(m, vm.Options{})
			if err != nil {
				return err
			}
			img, err := s.image(asm)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, name := range args {
				if strings.Contains(name, "::") {
					meth, err := findMethod(img, name)
					if err != nil {
						return err
					}
					fmt.Fprintln(w, metadump.DisassembleMethod(s.rt, meth))
					continue
				}
				c := typeByName(img, name)
				if c == nil {
					return fmt.Errorf("type %s not found in %s", name, img.Name)
				}
				for _, meth := range c.Methods {
					fmt.Fprintln(w, metadump.DisassembleMethod(s.rt, meth))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&asm, "assembly", "a", "", "assembly to search (default: the entry assembly)")
	return cmd
}

// typeByName finds "Ns.Outer+Inner" in img.
func typeByName(img *vm.Image, name string) *vm.Class {
	ns, typ := "", strings.ReplaceAll(name, "+", "/")
	outer, _, _ := strings.Cut(typ, "/")
	if i := strings.LastIndexByte(outer, '.'); i >= 0 {
		ns, typ = typ[:i], typ[i+1:]
	}
	return img.FindType(ns, typ)
}
