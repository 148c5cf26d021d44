// dispatchctl inspects and exercises the dispatch runtime: it loads a class
// image, optionally maps a shared cache file, and runs lookups against them.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chazu/dispatch/config"
	"github.com/chazu/dispatch/image"
	"github.com/chazu/dispatch/sharedcache"
	"github.com/chazu/dispatch/vm"
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("dispatch.ctl")

type options struct {
	configDir string
	image     string
	preopt    string
	verbose   bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configDir, "config", "", "Directory holding dispatch.toml (default: search upward from the working directory)")
	flag.StringVar(&opts.image, "image", "", "Class image to load")
	flag.StringVar(&opts.preopt, "preopt", "", "Shared cache file to map (overrides [preopt] path)")
	flag.BoolVar(&opts.verbose, "v", false, "Verbose output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: dispatchctl [options] <command> [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nCommands:\n")
		fmt.Fprintf(os.Stderr, "  lookup CLASS SELECTOR         Resolve a selector and print the entry point\n")
		fmt.Fprintf(os.Stderr, "  methods CLASS                 List every selector a class responds to\n")
		fmt.Fprintf(os.Stderr, "  stats                         Warm every cache and print runtime counters\n")
		fmt.Fprintf(os.Stderr, "  build-preopt -o FILE          Write a shared cache file for the image\n")
		fmt.Fprintf(os.Stderr, "  stress [-readers N] [-iterations M]\n")
		fmt.Fprintf(os.Stderr, "                                Race lookups against implementation swaps\n")
		fmt.Fprintf(os.Stderr, "  sample -o FILE                Write a demo class image\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  dispatchctl sample -o demo.img\n")
		fmt.Fprintf(os.Stderr, "  dispatchctl -image demo.img build-preopt -o demo.dspc\n")
		fmt.Fprintf(os.Stderr, "  dispatchctl -image demo.img -preopt demo.dspc lookup Array count\n")
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(opts.configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if opts.verbose && cfg.Log.Verbosity < 2 {
		cfg.Log.Verbosity = 2
	}
	cfg.ConfigureLogging()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "sample":
		err = runSample(rest)
	case "build-preopt":
		err = runBuildPreopt(cfg, opts, rest)
	case "lookup", "methods", "stats", "stress":
		err = withEnvironment(cfg, opts, func(env *environment) error {
			return env.run(cmd, rest)
		})
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(dir string) (*config.Config, error) {
	if dir != "" {
		return config.Load(dir)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.FindAndLoad(wd)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// environment is a runtime populated from the image, with the shared cache
// mapped when one is configured.
type environment struct {
	rt      *vm.Runtime
	cache   *sharedcache.File
	classes []*vm.Class
}

func newEnvironment(cfg *config.Config, opts options) (*environment, error) {
	env := &environment{rt: vm.NewRuntime(cfg.RuntimeOptions()...)}

	path := opts.preopt
	if path == "" {
		path = cfg.PreoptPath()
	}
	if path != "" {
		want, err := cfg.PreoptUUID()
		if err != nil {
			return nil, err
		}
		if env.cache, err = sharedcache.Open(path, want); err != nil {
			return nil, err
		}
		if err := env.cache.Install(env.rt); err != nil {
			env.close()
			return nil, err
		}
	}

	if opts.image == "" {
		env.close()
		return nil, fmt.Errorf("no class image; pass -image")
	}
	img, err := image.ReadFile(opts.image)
	if err != nil {
		env.close()
		return nil, err
	}
	if env.classes, err = image.Load(env.rt, img); err != nil {
		env.close()
		return nil, err
	}
	log.Infof("loaded %d classes from %s", len(env.classes), opts.image)
	return env, nil
}

// withEnvironment calls fn with a fresh environment and closes it before
// returning, so callers may exit right after.
func withEnvironment(cfg *config.Config, opts options, fn func(*environment) error) error {
	env, err := newEnvironment(cfg, opts)
	if err != nil {
		return err
	}
	defer env.close()
	return fn(env)
}

func (env *environment) close() {
	if env.cache != nil {
		if err := env.cache.Close(); err != nil {
			log.Warningf("closing shared cache: %v", err)
		}
		env.cache = nil
	}
}

func (env *environment) run(cmd string, args []string) error {
	switch cmd {
	case "lookup":
		return env.lookup(args)
	case "methods":
		return env.methods(args)
	case "stats":
		return env.stats(args)
	case "stress":
		return env.stress(args)
	}
	return fmt.Errorf("unknown command %s", cmd)
}
