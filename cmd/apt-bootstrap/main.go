package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/open-edge-platform/apt-bootstrap/internal/apt"
	"github.com/open-edge-platform/apt-bootstrap/internal/bootstrap"
	"github.com/open-edge-platform/apt-bootstrap/internal/chroot"
	"github.com/open-edge-platform/apt-bootstrap/internal/config"
	"github.com/open-edge-platform/apt-bootstrap/internal/dpkg"
	"github.com/open-edge-platform/apt-bootstrap/internal/utils/logger"
)

func main() {
	_, cleanup := logger.InitWithLevel("info")
	defer cleanup()

	rootCmd := createRootCommand()
	rootCmd.AddCommand(createVersionCommand())
	rootCmd.AddCommand(createCompletionCommand())

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, config.ErrConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// rootFlags collects everything the command line can override.
type rootFlags struct {
	configFile  string
	arch        string
	keyring     string
	components  []string
	packages    []string
	required    bool
	noRequired  bool
	important   bool
	noImportant bool
	recommends  bool
	noRecommend bool
	dryRun      bool
	verbose     bool
	debug       bool
	workers     int
}

func createRootCommand() *cobra.Command {
	var flags rootFlags

	rootCmd := &cobra.Command{
		Use:   "apt-bootstrap [flags] SUITE TARGET [MIRROR]",
		Short: "Bootstrap a Debian or Ubuntu root filesystem from a package archive",
		Long: `apt-bootstrap populates an empty directory with an installed package set
equivalent to the archive's required and important priorities plus any
requested packages, configured by the target's own package tooling running
under a changed root. It needs privileges for chroot, mount, mknod and
chown.`,
		Args:         cobra.RangeArgs(2, 3),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeBootstrap(cmd, args, &flags)
		},
	}

	f := rootCmd.Flags()
	f.StringVar(&flags.configFile, "config", "", "Path to a YAML defaults file")
	f.BoolVarP(&flags.dryRun, "dry-run", "n", false, "Resolve and print the selection without installing")
	f.StringVarP(&flags.arch, "arch", "a", "", "Target architecture (default: host architecture)")
	f.StringSliceVar(&flags.components, "components", nil, "Archive components to enable")
	f.StringSliceVar(&flags.packages, "packages", nil, "Extra packages to install")
	f.StringVar(&flags.keyring, "keyring", "", "Archive keyring for signature verification")
	f.BoolVar(&flags.required, "required", true, "Include Priority: required packages")
	f.BoolVar(&flags.noRequired, "no-required", false, "Exclude Priority: required packages")
	f.BoolVar(&flags.important, "important", true, "Include Priority: important packages")
	f.BoolVar(&flags.noImportant, "no-important", false, "Exclude Priority: important packages")
	f.BoolVar(&flags.recommends, "recommends", true, "Follow Recommends when resolving dependencies")
	f.BoolVar(&flags.noRecommend, "no-recommends", false, "Ignore Recommends when resolving dependencies")
	f.IntVar(&flags.workers, "workers", config.DefaultWorkers, "Concurrent download workers")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "Verbose output")
	f.BoolVar(&flags.debug, "debug", false, "Include child command lines and exit statuses in errors")

	return rootCmd
}

// resolveOptions folds flags, positionals and the defaults file into a
// finished option set.
func resolveOptions(args []string, flags *rootFlags) (*config.Options, error) {
	opts := config.NewOptions()
	opts.Suite = args[0]
	opts.Target = args[1]
	if len(args) > 2 {
		opts.Mirror = args[2]
	}

	opts.Arch = flags.arch
	opts.Keyring = flags.keyring
	if len(flags.components) > 0 {
		opts.Components = flags.components
	}
	opts.Packages = flags.packages
	opts.Required = flags.required && !flags.noRequired
	opts.Important = flags.important && !flags.noImportant
	opts.Recommends = flags.recommends && !flags.noRecommend
	opts.DryRun = flags.dryRun
	opts.Verbose = flags.verbose
	opts.Debug = flags.debug
	opts.Workers = flags.workers

	path := flags.configFile
	if path == "" {
		path = config.FindDefaultsFile()
	}
	if path != "" {
		defaults, err := config.LoadDefaults(path)
		if err != nil {
			return nil, err
		}
		opts.Apply(defaults)
		logger.Logger().Infof("using defaults from %s", path)
	}

	if err := opts.Finish(); err != nil {
		return nil, err
	}
	return opts, nil
}

func executeBootstrap(cmd *cobra.Command, args []string, flags *rootFlags) error {
	if flags.verbose || flags.debug {
		logger.SetLogLevel("debug")
	}

	opts, err := resolveOptions(args, flags)
	if err != nil {
		return err
	}

	env := chroot.NewEnv(opts.Target, chroot.Options{
		Mirror:     opts.Mirror,
		Suite:      opts.Suite,
		Components: opts.Components,
		Keyring:    opts.Keyring,
		Debug:      opts.Debug,
	})
	db := dpkg.NewDB(opts.Target)
	idx := apt.NewFileIndex(apt.IndexConfig{
		Mirror:     opts.Mirror,
		Suite:      opts.Suite,
		Components: opts.Components,
		Arch:       opts.Arch,
		Keyring:    opts.Keyring,
		Recommends: opts.Recommends,
		Workers:    opts.Workers,
	}, env, db)

	return bootstrap.New(opts, env, db, idx).Run()
}
