package main

import (
	"fmt"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/chazu/dispatch/vm"
)

func (env *environment) class(name string) (*vm.Class, error) {
	cls := env.rt.Classes.Lookup(name)
	if cls == nil {
		return nil, fmt.Errorf("%w: %s", vm.ErrUnknownClass, name)
	}
	return cls, nil
}

func (env *environment) lookup(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: dispatchctl lookup CLASS SELECTOR")
	}
	cls, err := env.class(args[0])
	if err != nil {
		return err
	}
	sel, ok := env.rt.Selectors.Lookup(args[1])
	if !ok {
		fmt.Printf("%s does not respond to %s\n", cls.Name(), args[1])
		return nil
	}
	imp, ok := env.rt.Lookup(cls, sel)
	if !ok {
		fmt.Printf("%s does not respond to %s\n", cls.Name(), args[1])
		return nil
	}
	source := "dynamic cache"
	if cls.Cache().IsPreoptimized() {
		source = "shared cache"
	}
	fmt.Printf("%s>>%s = %#x (%s)\n", cls.DisplayName(), args[1], uintptr(imp), source)
	return nil
}

func (env *environment) methods(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: dispatchctl methods CLASS")
	}
	cls, err := env.class(args[0])
	if err != nil {
		return err
	}
	impls, err := env.rt.Implementations(cls)
	if err != nil {
		return err
	}
	own := make(map[vm.SEL]bool)
	for m := range cls.Methods() {
		own[m.Name] = true
	}

	names := make([]string, 0, len(impls))
	bySel := make(map[string]vm.SEL, len(impls))
	for sel := range impls {
		name := env.rt.Selectors.Name(sel)
		names = append(names, name)
		bySel[name] = sel
	}
	slices.Sort(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "SELECTOR\tIMP\tDEFINED\n")
	for _, name := range names {
		sel := bySel[name]
		where := "inherited"
		if own[sel] {
			where = "own"
		}
		fmt.Fprintf(w, "%s\t%#x\t%s\n", name, uintptr(impls[sel]), where)
	}
	return w.Flush()
}

// warm looks up every selector every class responds to, twice, so the
// second pass is answered by the caches.
func (env *environment) warm() error {
	for _, cls := range env.rt.Classes.All() {
		impls, err := env.rt.Implementations(cls)
		if err != nil {
			return fmt.Errorf("class %s: %w", cls.Name(), err)
		}
		for range 2 {
			for sel, want := range impls {
				if imp, ok := env.rt.Lookup(cls, sel); !ok || imp != want {
					return fmt.Errorf("%s>>%s resolved to %#x, want %#x",
						cls.Name(), env.rt.Selectors.Name(sel), uintptr(imp), uintptr(want))
				}
			}
		}
	}
	return nil
}

func (env *environment) stats(args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: dispatchctl stats")
	}
	if err := env.warm(); err != nil {
		return err
	}
	printStats(env.rt)
	return nil
}

func printStats(rt *vm.Runtime) {
	s := rt.Stats()
	preopt := 0
	for _, cls := range rt.Classes.All() {
		if cls.Cache().IsPreoptimized() {
			preopt++
		}
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "classes\t%d\t(%d on shared tables)\n", s.Classes, preopt)
	fmt.Fprintf(w, "selectors\t%d\n", s.Selectors)
	fmt.Fprintf(w, "hits\t%d\t(%.1f%%)\n", s.Hits, s.HitRate())
	fmt.Fprintf(w, "misses\t%d\n", s.Misses)
	fmt.Fprintf(w, "slow lookups\t%d\n", s.SlowLookups)
	fmt.Fprintf(w, "not found\t%d\n", s.NotFound)
	fmt.Fprintf(w, "growths\t%d\n", s.Growths)
	fmt.Fprintf(w, "flushes\t%d\n", s.Flushes)
	fmt.Fprintf(w, "preopt conversions\t%d\n", s.PreoptConversions)
	fmt.Fprintf(w, "retired\t%d\t(%d bytes)\n", s.Retired, s.RetiredBytes)
	fmt.Fprintf(w, "reclaimed\t%d\t(%d bytes)\n", s.Reclaimed, s.ReclaimedBytes)
	w.Flush()
}
