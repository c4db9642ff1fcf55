package util

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// EnsureDirExists creates the given directory path if it doesn't already exist.
func EnsureDirExists(path string) error {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return fmt.Errorf("ensure directory exists (%s): %w", path, err)
	}
	return nil
}

// FileExists checks if a file exists and is not a directory.
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	return !os.IsNotExist(err) && info != nil && !info.IsDir()
}

// SetupCloseHandler creates a listener on a new goroutine that will notify
// the program if it receives an interrupt signal from the OS.
func SetupCloseHandler() chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	return c
}
