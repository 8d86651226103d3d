package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lautenbacher.net/robotd/config"
	"lautenbacher.net/robotd/logging"
	"lautenbacher.net/robotd/platform"
	"lautenbacher.net/robotd/rpc"
	"lautenbacher.net/robotd/session"
	"lautenbacher.net/robotd/tui"
)

const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "robotd.yml", "Configuration file")
	envFile := flag.String("env", "", "Environment store file (default from the config file)")
	listen := flag.String("listen", "", "Listen address (default from the config file)")
	sim := flag.Bool("sim", false, "Simulate the hardware instead of driving a Raspberry Pi")
	viewer := flag.Bool("viewer", false, "Show the terminal dashboard")
	flag.Parse()

	conf, err := config.ReadConfig(*configFile)
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "%v, using defaults\n", err)
		conf = config.Default()
	} else if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	lc := conf.Logging.Daemon
	if *viewer {
		lc = conf.Logging.Viewer
	}
	if err := logging.Init(*viewer, lc); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		return 2
	}
	defer logging.Close()

	if *envFile == "" {
		*envFile = conf.Server.EnvFile
	}
	env, err := config.LoadEnv(*envFile)
	if err != nil {
		slog.Error("Failed to load environment", "file", *envFile, "error", err)
		return 2
	}
	if *listen == "" {
		*listen = conf.Server.Listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var plat platform.Platform
	var simPlat *platform.SimPlatform
	if *sim {
		simPlat = platform.NewSimPlatform(conf)
		plat = simPlat
	} else {
		plat = platform.NewRaspberryPiPlatform(conf)
	}

	opts := session.Options{ConfigFile: *configFile, Env: env}
	var view *tui.Viewer
	if *viewer {
		view = tui.NewViewer(conf, simPlat, stop)
		opts.Monitor = view
	}

	robot := session.NewServer(conf, plat, opts)
	if err := robot.Start(); err != nil {
		slog.Error("Failed to start the hardware", "error", err)
		return 1
	}
	defer robot.Stop()

	if err := config.Watch(ctx, *configFile, robot.Reload); err != nil {
		slog.Warn("Config file is not watched", "error", err)
	}

	rpcServer := rpc.NewServer(robot)
	httpServer := &http.Server{
		Addr:    *listen,
		Handler: rpcServer.Handler(*configFile),
	}
	httpServer.RegisterOnShutdown(rpcServer.Close)
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Listening", "address", *listen)
		serveErr <- httpServer.ListenAndServe()
	}()

	if view != nil {
		go func() {
			if err := view.Run(ctx); err != nil {
				slog.Error("Viewer failed", "error", err)
			}
			stop()
		}()
	}

	code := 0
	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
	case err := <-serveErr:
		slog.Error("Server failed", "error", err)
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Server did not shut down cleanly", "error", err)
	}
	if view != nil {
		if err := logging.SetOutput(os.Stderr); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to flush logs: %v\n", err)
		}
	}
	return code
}
