// Package cli is the cobra command surface of updall.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/updall/updall/common"
	"github.com/updall/updall/config"
	"github.com/updall/updall/connector"
	"github.com/updall/updall/logger"
	"github.com/updall/updall/orchestrator"
	"github.com/updall/updall/report"
	"github.com/updall/updall/retry"
)

// Version is stamped at build time.
var Version = "dev"

type flags struct {
	configFile     string
	systems        []string
	only           []string
	dryRun         bool
	jsonOut        bool
	verbose        bool
	logFile        string
	maxConcurrency int
	noProbe        bool
}

// Execute runs the root command and returns a process exit code: 0 when
// every selected system completed, 1 otherwise.
func Execute() int {
	var f flags

	root := &cobra.Command{
		Use:           common.AppName,
		Short:         "Run software updates across local and remote systems",
		Long:          "updall runs configured update commands (package managers, language toolchains, SDK managers) on local and SSH-reachable systems and reports per-system results.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, &f)
		},
	}

	root.Flags().StringVarP(&f.configFile, "config", "c", "", "config file (default: ./config.yaml, ~/.config/updall/config.yaml, /etc/updall/config.yaml)")
	root.Flags().StringSliceVarP(&f.systems, "system", "s", nil, "only update the named system(s)")
	root.Flags().StringSliceVar(&f.only, "only", nil, "only run the named update categories")
	root.Flags().BoolVarP(&f.dryRun, "dry-run", "n", false, "show what would run without executing anything")
	root.Flags().BoolVar(&f.jsonOut, "json", false, "emit the run report as JSON")
	root.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "enable debug logging")
	root.Flags().StringVar(&f.logFile, "log-file", "", "also write logs to this file (rotated)")
	root.Flags().IntVar(&f.maxConcurrency, "max-concurrency", 0, "systems updated in parallel (overrides update_settings.parallel)")
	root.Flags().BoolVar(&f.noProbe, "no-probe", false, "skip the /etc/os-release platform cross-check")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", common.AppName, Version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return exitCode
}

// exitCode is set by run so Execute can surface partial failures without
// treating them as command errors.
var exitCode int

func run(cmd *cobra.Command, f *flags) error {
	if err := logger.InitGlobalLogger(f.logFile, f.verbose); err != nil {
		return errors.Wrap(err, "init logging")
	}

	path, err := resolveConfigPath(f.configFile)
	if err != nil {
		return err
	}
	cfg, err := config.NewLoader(path).Load()
	if err != nil {
		return err
	}

	hosts, err := BuildHosts(cfg)
	if err != nil {
		return err
	}

	categories, err := parseCategories(f.only)
	if err != nil {
		return err
	}

	maxConc := cfg.Settings.Parallel
	if f.maxConcurrency > 0 {
		maxConc = f.maxConcurrency
	}

	opts := orchestrator.Options{
		MaxConcurrency: maxConc,
		Retry: retry.Policy{
			Limit:     cfg.Settings.RetryLimit,
			BaseDelay: cfg.Settings.BaseBackoff,
		},
		DryRun:        f.dryRun,
		Systems:       f.systems,
		Categories:    categories,
		ProbePlatform: !f.noProbe,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Settings.OverallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Settings.OverallTimeout)
		defer cancel()
	}

	orch := orchestrator.New(opts, connector.NewDialer(), cfg.Settings.CommandTimeout, secretResolver(f.dryRun))
	runReport := orch.Run(ctx, hosts)

	if f.jsonOut {
		err = report.RenderJSON(cmd.OutOrStdout(), runReport)
	} else {
		err = report.RenderText(cmd.OutOrStdout(), runReport)
	}
	if err != nil {
		return err
	}

	c := runReport.Counts()
	if c.Failed > 0 || c.PartiallyFailed > 0 {
		exitCode = 1
	}
	return nil
}

// resolveConfigPath returns the explicit path or the first existing default
// location.
func resolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	candidates := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", common.AppName, "config.yaml"))
	}
	candidates = append(candidates, filepath.Join("/etc", common.AppName, "config.yaml"))
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", errors.Errorf("no config file found (searched %v); use --config", candidates)
}

// BuildHosts converts the validated configuration into host profiles in
// stable name order.
func BuildHosts(cfg *config.Config) ([]connector.Host, error) {
	hosts := make([]connector.Host, 0, len(cfg.Systems))
	for _, name := range cfg.SystemNames() {
		sys := cfg.Systems[name]
		host := connector.NewHost()
		host.Name = name
		host.Address = sys.Hostname
		host.Platform = common.Platform(sys.Type)
		if sys.SudoMethod != "" {
			host.Escalation = common.Escalation(sys.SudoMethod)
		}
		host.SudoPasswordEnv = sys.SudoPasswordEnv
		if host.SudoPasswordEnv == "" {
			host.SudoPasswordEnv = config.DefaultSudoPasswordEnv
		}
		for _, u := range sys.Updates {
			host.Categories = append(host.Categories, common.Category(u))
		}
		if sys.SSH != nil {
			host.User = sys.SSH.User
			if sys.SSH.Port > 0 {
				host.Port = sys.SSH.Port
			}
			host.PrivateKeyPath = expandHome(sys.SSH.KeyFile)
			host.AgentSocket = sys.SSH.AgentSocket
			if sys.SSH.ConnectTimeout > 0 {
				host.ConnectTimeout = sys.SSH.ConnectTimeout
			}
		}
		if cfg.Settings.CommandTimeout > 0 {
			host.CommandTimeout = cfg.Settings.CommandTimeout
		}
		if err := host.Validate(); err != nil {
			return nil, errors.Wrapf(err, "system %q", name)
		}
		hosts = append(hosts, host)
	}
	return hosts, nil
}

func expandHome(path string) string {
	if path == "~" || len(path) > 1 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

func parseCategories(names []string) ([]common.Category, error) {
	cats := make([]common.Category, 0, len(names))
	for _, n := range names {
		c := common.Category(n)
		switch c {
		case common.CategorySystemPackages, common.CategoryRust, common.CategoryNode,
			common.CategorySdkman, common.CategoryGcloud:
			cats = append(cats, c)
		default:
			return nil, errors.Errorf("unknown update category %q", n)
		}
	}
	return cats, nil
}

// secretResolver builds the per-host secret lookup. The secret is read from
// the host's configured environment variable, falling back to an interactive
// terminal prompt. The value is handed to the orchestrator and never logged
// or written anywhere.
func secretResolver(dryRun bool) orchestrator.SecretFunc {
	return func(host connector.Host) string {
		if dryRun {
			return ""
		}
		if envName := host.GetSudoPasswordEnv(); envName != "" {
			if v := os.Getenv(envName); v != "" {
				return v
			}
		}
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return ""
		}
		fmt.Fprintf(os.Stderr, "[%s] privilege password: ", host.GetName())
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			logger.Log.WithError(err).Warn("password prompt failed")
			return ""
		}
		return string(pw)
	}
}
