package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/SoarinFerret/TimeWarden/internal/activity"
	"github.com/SoarinFerret/TimeWarden/internal/config"
	"github.com/SoarinFerret/TimeWarden/internal/engine"
	"github.com/SoarinFerret/TimeWarden/internal/history"
	"github.com/SoarinFerret/TimeWarden/internal/ipc"
	"github.com/SoarinFerret/TimeWarden/internal/loginctl"
	"github.com/SoarinFerret/TimeWarden/internal/notify"
	"github.com/SoarinFerret/TimeWarden/internal/state"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "timewardend",
	Short: "timewardend accounts and limits computer time per user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(configPath)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "/etc/timewarden/timewarden.toml", "path to the daemon config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(path string) error {
	log.Println("Using config file at:", path)
	cfg, err := config.LoadConfigFromFile(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	configs, err := config.NewStore(cfg.Daemon.UsersDir, cfg.Default)
	if err != nil {
		return fmt.Errorf("failed to open policy store: %w", err)
	}
	controls, err := state.NewManager(cfg.Daemon.StateDir)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	usage, err := history.Open(cfg.Daemon.HistoryDB)
	if err != nil {
		return fmt.Errorf("failed to open usage history: %w", err)
	}
	defer usage.Close()

	sessions, err := loginctl.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to login manager: %w", err)
	}
	defer sessions.Close()

	// a private connection owns the service name and emits the user signals
	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("failed to connect to system bus: %w", err)
	}
	defer bus.Close()

	eng := engine.New(engine.Options{
		Daemon:   cfg.Daemon,
		Configs:  configs,
		Controls: controls,
		Sessions: sessions,
		Notifier: notify.New(bus),
		Activity: activity.NewProbe(),
		History:  usage,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Println("Monitoring dbus for session changes...")
		if err := loginctl.Watch(ctx, eng); err != nil {
			log.Println("logind watcher error:", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ipc.Serve(ctx, bus, ipc.NewService(eng)); err != nil {
			log.Println("timewarden service error:", err)
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := eng.Run(ctx); err != nil {
			log.Println("engine error:", err)
		}
	}()

	wg.Wait()
	log.Println("Shutdown complete")
	return nil
}
