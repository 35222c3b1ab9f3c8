package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/toregeschliman/puma/internal/cluster"
	"github.com/toregeschliman/puma/internal/config"
	"github.com/toregeschliman/puma/internal/monitor"
	"github.com/toregeschliman/puma/internal/pipes"
	"github.com/toregeschliman/puma/internal/statsock"
	"github.com/toregeschliman/puma/internal/worker"
	"github.com/toregeschliman/puma/pkg/consts"
	"github.com/toregeschliman/puma/pkg/engine"
	"github.com/toregeschliman/puma/pkg/logger"
)

var cfgFile string

// hooks are registered by embedders before Execute; they apply in the
// master and, because workers re-exec this same binary, in every child.
var hooks config.Hooks

// SetHooks installs in-process lifecycle hooks.
func SetHooks(h config.Hooks) { hooks = h }

var rootCmd = &cobra.Command{
	Use:   "puma",
	Short: "puma: preforking cluster supervisor",
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the cluster master",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		cfg.Hooks = hooks

		logger.InitLogger(cfg.Observability.LogLevel)
		monitor.InitMetrics(cfg.Observability.MetricsPort)

		if path := cfg.Observability.Pidfile; path != "" {
			if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
				logger.Log.Error("Could not write pidfile", "path", path, "err", err)
				os.Exit(1)
			}
			defer os.Remove(path)
		}

		set, err := pipes.NewSet()
		if err != nil {
			logger.Log.Error("Could not create pipe fabric", "err", err)
			os.Exit(1)
		}
		binary, err := os.Executable()
		if err != nil {
			logger.Log.Error("Could not resolve own binary", "err", err)
			os.Exit(1)
		}

		sup, err := cluster.New(cfg, set, binary, logger.Log)
		if err != nil {
			logger.Log.Error("Could not build supervisor", "err", err)
			os.Exit(1)
		}

		if path := cfg.Observability.StatsSocket; path != "" {
			srv := statsock.New(path, func() any { return sup.Snapshot() }, logger.Log)
			if err := srv.Start(); err != nil {
				logger.Log.Error("Could not start stats socket", "path", path, "err", err)
				os.Exit(1)
			}
			defer srv.Stop()
		}

		logger.Log.Info("Booting cluster master", "service", cfg.Service.Name)
		if err := sup.Run(); err != nil {
			logger.Log.Error("Master fatal error", "err", err)
			os.Exit(1)
		}
	},
}

var workerCmd = &cobra.Command{
	Use:    "worker",
	Hidden: true,
	Short:  "Run as a cluster worker (spawned by the master)",
	Run: func(cmd *cobra.Command, args []string) {
		cfgPath := os.Getenv(consts.EnvConfigPath)
		if cfgPath == "" {
			cfgPath = cfgFile
		}
		cfg, err := config.Load(cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "worker: %v\n", err)
			os.Exit(1)
		}
		cfg.Hooks = hooks
		logger.InitLogger(cfg.Observability.LogLevel)

		index, err := strconv.Atoi(os.Getenv(consts.EnvWorkerIndex))
		if err != nil {
			logger.Log.Error("Missing worker index", "err", err)
			os.Exit(1)
		}
		masterPid, err := strconv.Atoi(os.Getenv(consts.EnvMasterPid))
		if err != nil {
			logger.Log.Error("Missing master pid", "err", err)
			os.Exit(1)
		}
		set, err := pipes.Inherited()
		if err != nil {
			logger.Log.Error("Not spawned by a cluster master", "err", err)
			os.Exit(1)
		}
		binary, err := os.Executable()
		if err != nil {
			logger.Log.Error("Could not resolve own binary", "err", err)
			os.Exit(1)
		}

		code := worker.Run(worker.Options{
			Index:     index,
			MasterPid: masterPid,
			Cfg:       cfg,
			Pipes:     set,
			Engine:    engine.NewExec(cfg.Service.Command, cfg.Service.Env, logger.Log),
			Binary:    binary,
			Log:       logger.Log,
		})
		os.Exit(code)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the master's stats snapshot",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if cfg.Observability.StatsSocket == "" {
			fmt.Fprintln(os.Stderr, "no stats_socket configured")
			os.Exit(1)
		}
		raw, err := statsock.Fetch(cfg.Observability.StatsSocket)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fetching stats: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(string(raw))
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Trigger a phased restart of the running cluster",
	Run: func(cmd *cobra.Command, args []string) {
		signalMaster(syscall.SIGUSR1, "phased restart requested")
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Gracefully stop the running cluster",
	Run: func(cmd *cobra.Command, args []string) {
		signalMaster(syscall.SIGTERM, "stop requested")
	},
}

func signalMaster(sig syscall.Signal, what string) {
	cfg := loadConfig()
	if cfg.Observability.Pidfile == "" {
		fmt.Fprintln(os.Stderr, "no pidfile configured")
		os.Exit(1)
	}
	raw, err := os.ReadFile(cfg.Observability.Pidfile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading pidfile: %v\n", err)
		os.Exit(1)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad pidfile contents: %v\n", err)
		os.Exit(1)
	}
	if err := syscall.Kill(pid, sig); err != nil {
		fmt.Fprintf(os.Stderr, "signalling master: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s (pid %d)\n", what, pid)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "puma.yaml", "config file path")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(stopCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
