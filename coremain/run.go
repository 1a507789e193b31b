package coremain

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/go-viper/mapstructure/v2"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pmkol/offsync/constant"
	"github.com/pmkol/offsync/mlog"
	"github.com/pmkol/offsync/pkg/syncqueue"
)

type serverFlags struct {
	c         string
	dir       string
	cpu       int
	asService bool
}

var rootCmd = &cobra.Command{
	Use: "offsync",
}

func init() {
	sf := new(serverFlags)
	startCmd := &cobra.Command{
		Use:   "start [-c config_file] [-d working_dir]",
		Short: "Start the offsync engine and its servers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.asService {
				svc, err := service.New(newServerService(sf), svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				return svc.Run()
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return StartServer(sf, ctx.Done())
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(startCmd)
	fs := startCmd.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	fs.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	fs.MarkHidden("as-service")

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage offsync as a system service.",
	}
	serviceCmd.PersistentPreRunE = initService
	serviceCmd.AddCommand(
		newSvcInstallCmd(),
		newSvcUninstallCmd(),
		newSvcStartCmd(),
		newSvcStopCmd(),
		newSvcRestartCmd(),
		newSvcStatusCmd(),
	)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(newQueueCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version.",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), constant.Version)
		},
	})
}

func AddSubCmd(c *cobra.Command) {
	rootCmd.AddCommand(c)
}

func Run() error {
	return rootCmd.Execute()
}

// StartServer loads the config and runs offsync until stop is closed.
func StartServer(sf *serverFlags, stop <-chan struct{}) error {
	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}

	if len(sf.dir) > 0 {
		err := os.Chdir(sf.dir)
		if err != nil {
			return fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}

	cfg, fileUsed, err := loadConfig(sf.c)
	if err != nil {
		return fmt.Errorf("fail to load config, %w", err)
	}

	if err := mergeInclude(cfg, 0, []string{fileUsed}); err != nil {
		return fmt.Errorf("failed to load sub config file, %w", err)
	}

	if err := RunOffsync(cfg, stop); err != nil {
		return fmt.Errorf("offsync exited, %w", err)
	}
	return nil
}

// loadConfig load a config from a file. If filePath is empty, it will
// automatically search and load a file which name start with "config".
func loadConfig(filePath string) (*Config, string, error) {
	v := viper.New()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, "", fmt.Errorf("failed to read config: %w", err)
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, v.ConfigFileUsed(), nil
}

// mergeInclude merges the classify rules and the sync tags of included
// files into cfg. Rules of included files come first. Tags defined in
// cfg win over included ones.
func mergeInclude(cfg *Config, depth int, paths []string) error {
	depth++
	if depth > 8 {
		return fmt.Errorf("maximum include depth reached, include path is %s", strings.Join(paths, " -> "))
	}

	included := new(Config)
	for _, subCfgFile := range cfg.Include {
		subPaths := append(paths, subCfgFile)
		mlog.L().Info("reading sub config", zap.String("file", subCfgFile))
		subCfg, _, err := loadConfig(subCfgFile)
		if err != nil {
			return fmt.Errorf("failed to load sub config, %w", err)
		}
		if err := mergeInclude(subCfg, depth, subPaths); err != nil {
			return err
		}

		included.Classify.Rules = append(included.Classify.Rules, subCfg.Classify.Rules...)
		for tag, prefixes := range subCfg.Sync.Tags {
			if included.Sync.Tags == nil {
				included.Sync.Tags = make(map[string][]string)
			}
			included.Sync.Tags[tag] = prefixes
		}
	}

	cfg.Classify.Rules = append(included.Classify.Rules, cfg.Classify.Rules...)
	if len(included.Sync.Tags) > 0 {
		if cfg.Sync.Tags == nil {
			cfg.Sync.Tags = make(map[string][]string)
		}
		for tag, prefixes := range included.Sync.Tags {
			if _, ok := cfg.Sync.Tags[tag]; !ok {
				cfg.Sync.Tags[tag] = prefixes
			}
		}
	}
	return nil
}

// newQueueCmd inspects and repairs the queue database directly. It must
// not be used on a queue that a running engine is draining.
func newQueueCmd() *cobra.Command {
	var configFile string
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the sync queue.",
	}
	queueCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file")

	withQueue := func(f func(ctx context.Context, q syncqueue.Queue) error) error {
		cfg, _, err := loadConfig(configFile)
		if err != nil {
			return fmt.Errorf("fail to load config, %w", err)
		}
		cfg.Queue.init()
		q, err := openQueue(&cfg.Queue, mlog.L())
		if err != nil {
			return err
		}
		defer q.Close()
		return f(context.Background(), q)
	}

	var format string
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print queue counters.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(func(ctx context.Context, q syncqueue.Queue) error {
				stats, err := q.Stats(ctx)
				if err != nil {
					return err
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				defer enc.Close()
				return enc.Encode(stats)
			})
		},
		SilenceUsage: true,
	}

	deadCmd := &cobra.Command{
		Use:   "dead [--format yaml|json]",
		Short: "Export dead-lettered mutations.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(func(ctx context.Context, q syncqueue.Queue) error {
				dead, err := q.ListDead(ctx)
				if err != nil {
					return err
				}
				return syncqueue.Export(cmd.OutOrStdout(), format, dead)
			})
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	deadCmd.Flags().StringVar(&format, "format", "yaml", "output format, yaml or json")

	requeueCmd := &cobra.Command{
		Use:   "requeue <id>",
		Short: "Move a dead-lettered mutation back to pending.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			return withQueue(func(ctx context.Context, q syncqueue.Queue) error {
				if err := q.Requeue(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %d\n", id)
				return nil
			})
		},
		SilenceUsage: true,
	}

	purgeCmd := &cobra.Command{
		Use:   "purge-dead",
		Short: "Delete all dead-lettered mutations.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withQueue(func(ctx context.Context, q syncqueue.Queue) error {
				n, err := q.PurgeDead(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d\n", n)
				return nil
			})
		},
		SilenceUsage: true,
	}

	queueCmd.AddCommand(statsCmd, deadCmd, requeueCmd, purgeCmd)
	return queueCmd
}
