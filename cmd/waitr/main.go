// Command waitr is the prefork HTTP reverse proxy and static file
// server's single entrypoint. A freshly started process is always the
// master; it re-executes itself to become a worker, passing the
// WAITR_ROLE/WAITR_WORKER_FD environment pair documented in
// internal/master. Operators only ever invoke the master form.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/rs/zerolog"

	"waitr/internal/config"
	"waitr/internal/logging"
	"waitr/internal/master"
	"waitr/internal/worker"
)

func main() {
	configPath := flag.String("config", "config/waitr.toml", "path to the waitr TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "waitr: fatal: %v\n", err)
		os.Exit(1)
	}

	base := logging.New(cfg.Logging)

	if os.Getenv(master.RoleEnv) == master.RoleWorker {
		runWorker(cfg, base)
		return
	}

	runMaster(cfg, base)
}

func runMaster(cfg *config.Config, base zerolog.Logger) {
	log := logging.Component(base, "master")

	selfPath, err := os.Executable()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve own executable path")
	}

	m := master.New(cfg, log)
	if err := m.Run(selfPath); err != nil {
		log.Fatal().Err(err).Msg("master exited with error")
	}
}

func runWorker(cfg *config.Config, base zerolog.Logger) {
	fdStr := os.Getenv(master.WorkerFDEnv)
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "waitr: worker: invalid %s=%q: %v\n", master.WorkerFDEnv, fdStr, err)
		os.Exit(1)
	}

	file := os.NewFile(uintptr(fd), "control")
	conn, err := net.FileConn(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "waitr: worker: failed to wrap control fd: %v\n", err)
		os.Exit(1)
	}
	file.Close()

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		fmt.Fprintf(os.Stderr, "waitr: worker: control fd is not a unix socket\n")
		os.Exit(1)
	}

	log := logging.ForWorker(base, os.Getpid())
	log.Info().Msg("worker process started")

	w := worker.New(unixConn, cfg, log)
	if err := w.Run(); err != nil {
		log.Fatal().Err(err).Msg("worker exited with error")
	}
}
