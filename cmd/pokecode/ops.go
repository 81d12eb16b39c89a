package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/justbecauselabs/pokecode/internal/common/config"
	"github.com/justbecauselabs/pokecode/internal/common/logger"
	"github.com/justbecauselabs/pokecode/internal/store"
)

// cmdStop sends SIGTERM to the pid recorded by a running serve process.
func cmdStop() int {
	pid, err := readPIDFile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "no running pokecode daemon found: %v\n", err)
		return 1
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "failed to stop pid %d: %v\n", pid, err)
		return 1
	}
	fmt.Printf("sent SIGTERM to pid %d\n", pid)
	return 0
}

// cmdStatus reports whether a recorded pid is alive.
func cmdStatus() int {
	pid, err := readPIDFile()
	if err != nil {
		fmt.Println("pokecode: not running")
		return 1
	}
	if err := syscall.Kill(pid, 0); err != nil {
		fmt.Printf("pokecode: pid %d recorded but not running\n", pid)
		return 1
	}
	fmt.Printf("pokecode: running (pid %d)\n", pid)
	return 0
}

// cmdMigrate opens the store (applying every pending migration as a side
// effect of Open) and exits.
func cmdMigrate() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 2
	}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: cfg.LogLevel})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 2
	}
	defer log.Sync()

	st, err := store.Open(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		return 1
	}
	defer st.Close()

	fmt.Println("migrations applied")
	return 0
}
