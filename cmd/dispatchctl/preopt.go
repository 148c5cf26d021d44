package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chazu/dispatch/config"
	"github.com/chazu/dispatch/image"
	"github.com/chazu/dispatch/sharedcache"
	"github.com/chazu/dispatch/vm"
	"github.com/google/uuid"
)

// runBuildPreopt loads the image into a runtime with no shared cache and
// writes a shared cache file for it.
func runBuildPreopt(cfg *config.Config, opts options, args []string) error {
	fs := flag.NewFlagSet("build-preopt", flag.ContinueOnError)
	out := fs.String("o", "", "Output file")
	id := fs.String("uuid", "", "File identity (default: random)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return fmt.Errorf("build-preopt: -o is required")
	}
	if opts.image == "" {
		return fmt.Errorf("build-preopt: no class image; pass -image")
	}

	var bo sharedcache.BuildOptions
	if *id != "" {
		u, err := uuid.Parse(*id)
		if err != nil {
			return fmt.Errorf("build-preopt: -uuid: %w", err)
		}
		bo.UUID = u
	}

	img, err := image.ReadFile(opts.image)
	if err != nil {
		return err
	}
	rt := vm.NewRuntime(cfg.RuntimeOptions()...)
	if _, err := image.Load(rt, img); err != nil {
		return err
	}
	data, err := sharedcache.Build(rt, bo)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return err
	}

	f, err := sharedcache.Parse(data, uuid.Nil)
	if err != nil {
		return err
	}
	fmt.Printf("Wrote %s: %s, %d class tables, %d selectors, %d bytes\n",
		*out, f.UUID(), len(f.Classes()), len(f.Selectors()), f.Size())
	return nil
}
