package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/chazu/dispatch/vm"
	"golang.org/x/sync/errgroup"
)

// swapBit flips an entry point between its original and swapped value.
const swapBit = 0x8

type probe struct {
	cls  *vm.Class
	sel  vm.SEL
	want vm.IMP
}

type swap struct {
	cls *vm.Class
	sel vm.SEL
	imp vm.IMP
}

// stress races lookups on every (class, selector) pair against a writer
// that swaps implementations back and forth. A reader fails if it ever sees
// an entry point other than the original or its swapped value.
func (env *environment) stress(args []string) error {
	fs := flag.NewFlagSet("stress", flag.ContinueOnError)
	readers := fs.Int("readers", 8, "Concurrent reader goroutines")
	iterations := fs.Int("iterations", 100000, "Lookups per reader")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var probes []probe
	var swaps []swap
	for _, cls := range env.rt.Classes.All() {
		impls, err := env.rt.Implementations(cls)
		if err != nil {
			return fmt.Errorf("class %s: %w", cls.Name(), err)
		}
		for sel, imp := range impls {
			probes = append(probes, probe{cls, sel, imp})
		}
		seen := make(map[vm.SEL]bool)
		for m := range cls.Methods() {
			if seen[m.Name] {
				continue
			}
			seen[m.Name] = true
			// A category may shadow a base method; swap the one lookup finds.
			if def, ok := env.rt.LookupMethod(cls, m.Name); ok {
				swaps = append(swaps, swap{cls, m.Name, def.Imp})
			}
		}
	}
	if len(probes) == 0 {
		return fmt.Errorf("image defines no methods")
	}

	stop := make(chan struct{})
	var writer errgroup.Group
	writer.Go(func() error {
		if len(swaps) == 0 {
			return nil
		}
		for n := 0; ; n++ {
			select {
			case <-stop:
				return nil
			default:
			}
			s := swaps[n%len(swaps)]
			if _, err := env.rt.SetImplementation(s.cls, s.sel, s.imp^swapBit); err != nil {
				return err
			}
			if _, err := env.rt.SetImplementation(s.cls, s.sel, s.imp); err != nil {
				return err
			}
		}
	})

	start := time.Now()
	g, ctx := errgroup.WithContext(context.Background())
	for r := range *readers {
		rng := rand.New(rand.NewPCG(uint64(r), uint64(start.UnixNano())))
		g.Go(func() error {
			for i := range *iterations {
				if i%1024 == 0 && ctx.Err() != nil {
					return nil
				}
				p := probes[rng.IntN(len(probes))]
				imp, ok := env.rt.Lookup(p.cls, p.sel)
				if !ok || (imp != p.want && imp != p.want^swapBit) {
					return fmt.Errorf("reader %d: %s>>%s resolved to %#x, want %#x",
						r, p.cls.Name(), env.rt.Selectors.Name(p.sel), uintptr(imp), uintptr(p.want))
				}
			}
			return nil
		})
	}
	err := g.Wait()
	close(stop)
	if werr := writer.Wait(); err == nil {
		err = werr
	}
	if err != nil {
		return err
	}

	elapsed := time.Since(start)
	total := *readers * *iterations
	fmt.Printf("%d lookups by %d readers in %s (%.0f/s)\n",
		total, *readers, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())
	env.rt.Collect()
	printStats(env.rt)
	return nil
}
