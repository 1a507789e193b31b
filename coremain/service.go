package coremain

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pmkol/offsync/mlog"
)

var svcCfg = &service.Config{
	Name:        "offsync",
	DisplayName: "offsync",
	Description: "Offline-first request cache and sync engine.",
}

var svc service.Service

type serverService struct {
	f    *serverFlags
	stop chan struct{}
	done chan struct{}
}

func newServerService(f *serverFlags) *serverService {
	return &serverService{f: f, stop: make(chan struct{}), done: make(chan struct{})}
}

func (ss *serverService) Start(s service.Service) error {
	go func() {
		defer close(ss.done)
		if err := StartServer(ss.f, ss.stop); err != nil {
			mlog.L().Error("server exited", zap.Error(err))
			os.Exit(1)
		}
	}()
	return nil
}

func (ss *serverService) Stop(s service.Service) error {
	close(ss.stop)
	<-ss.done
	return nil
}

func initService(_ *cobra.Command, _ []string) error {
	s, err := service.New(newServerService(new(serverFlags)), svcCfg)
	if err != nil {
		return fmt.Errorf("cannot init service, %w", err)
	}
	svc = s
	return nil
}

func newSvcInstallCmd() *cobra.Command {
	sf := new(serverFlags)
	c := &cobra.Command{
		Use:   "install [-d working_dir] [-c config_file]",
		Short: "Install offsync as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(sf.dir) == 0 {
				return errors.New("working dir is required")
			}
			dir, err := filepath.Abs(sf.dir)
			if err != nil {
				return fmt.Errorf("cannot resolve working dir, %w", err)
			}
			cfg := *svcCfg
			cfg.Arguments = []string{"start", "--as-service", "-d", dir}
			if len(sf.c) > 0 {
				cfg.Arguments = append(cfg.Arguments, "-c", sf.c)
			}
			s, err := service.New(newServerService(sf), &cfg)
			if err != nil {
				return fmt.Errorf("cannot init service, %w", err)
			}
			return s.Install()
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	c.Flags().StringVarP(&sf.dir, "dir", "d", "", "working dir")
	c.Flags().StringVarP(&sf.c, "config", "c", "", "config file")
	return c
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "uninstall",
		Short:        "Uninstall offsync from system service.",
		RunE:         func(cmd *cobra.Command, args []string) error { return svc.Uninstall() },
		SilenceUsage: true,
	}
}

func newSvcStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "start",
		Short:        "Start offsync system service.",
		RunE:         func(cmd *cobra.Command, args []string) error { return svc.Start() },
		SilenceUsage: true,
	}
}

func newSvcStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "stop",
		Short:        "Stop offsync system service.",
		RunE:         func(cmd *cobra.Command, args []string) error { return svc.Stop() },
		SilenceUsage: true,
	}
}

func newSvcRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "restart",
		Short:        "Restart offsync system service.",
		RunE:         func(cmd *cobra.Command, args []string) error { return svc.Restart() },
		SilenceUsage: true,
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Status of offsync system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := svc.Status()
			if err != nil {
				return fmt.Errorf("cannot get service status, %w", err)
			}
			var out string
			switch s {
			case service.StatusRunning:
				out = "running"
			case service.StatusStopped:
				out = "stopped"
			default:
				out = "unknown"
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
		SilenceUsage: true,
	}
}
