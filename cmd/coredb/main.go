// Command coredb opens (or creates) a database file, stands the engine
// up, and launches the interactive inspector.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"coredb/pkg/concurrency/lock"
	"coredb/pkg/concurrency/transaction"
	"coredb/pkg/debug"
	"coredb/pkg/logging"
	"coredb/pkg/memory"
	"coredb/pkg/storage/disk"
)

func main() {
	dbPath := flag.String("db", "coredb.db", "path to the database file")
	poolSize := flag.Int("pool", 256, "buffer pool size in frames")
	lruK := flag.Int("k", memory.DefaultLRUK, "LRU-K history window")
	logPath := flag.String("log", "coredb.log", "log file path")
	flag.Parse()

	if err := logging.Init(logging.Config{Level: slog.LevelInfo, OutputPath: *logPath}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Close()

	if err := run(*dbPath, *poolSize, *lruK); err != nil {
		fmt.Fprintf(os.Stderr, "coredb: %v\n", err)
		os.Exit(1)
	}
}

func run(dbPath string, poolSize, lruK int) error {
	// Construction order: disk, then pool, then lock manager, then
	// transaction manager. Teardown runs in reverse.
	dm, err := disk.NewManager(dbPath)
	if err != nil {
		return err
	}
	defer dm.ShutDown()

	pool := memory.NewBufferPool(poolSize, lruK, dm)
	defer func() {
		if err := pool.FlushAll(); err != nil {
			logging.Error("flush on shutdown failed", "error", err)
		}
	}()

	locks := lock.NewManager(lock.DefaultDetectionInterval)
	locks.StartDetection()
	defer locks.StopDetection()

	txns := transaction.NewManager(locks)

	logging.Info("engine up", "db", dbPath, "pool", poolSize, "k", lruK)
	return debug.Run(debug.Sources{Pool: pool, Locks: locks, Disk: dm, Txns: txns})
}
