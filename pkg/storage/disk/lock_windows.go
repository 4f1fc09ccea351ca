//go:build windows

package disk

import "os"

// Advisory file locking is not supported on Windows; opening the same
// database file twice from different processes is unguarded there.
func lockFile(f *os.File) error { return nil }

func unlockFile(f *os.File) error { return nil }
