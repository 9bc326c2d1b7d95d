package util

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
)

// EnsureDirExists creates the given directory path if it doesn't already exist
func EnsureDirExists(path string) error {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return fmt.Errorf("ensure directory exists (%s): %w", path, err)
	}

	return nil
}

// FileExists checks if a file exists and is not a directory before we
// try using it to prevent further errors
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}

	return err == nil && !info.IsDir()
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS
func SetupCloseHandler() chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	return c
}

// CreateMutex takes a pid lock file so only one instance drives the audio
// server at a time
func CreateMutex(name string) error {
	lockFile := name + ".lock"
	currentPid := os.Getpid()

	lockContent, err := os.ReadFile(lockFile)
	if err == nil && len(lockContent) > 0 && string(lockContent) != strconv.Itoa(currentPid) {
		lockPid, _ := strconv.Atoi(string(lockContent))
		if process, err := os.FindProcess(lockPid); err == nil && lockPid > 0 {
			if process.Signal(syscall.Signal(0)) == nil {
				return fmt.Errorf("another instance of %s is running (pid %d)", name, lockPid)
			}
		}
	}

	if err := os.WriteFile(lockFile, []byte(strconv.Itoa(currentPid)), 0664); err != nil {
		return fmt.Errorf("write lock file %s: %w", lockFile, err)
	}

	return nil
}

// ReleaseMutex removes the lock file taken by CreateMutex
func ReleaseMutex(name string) error {
	if err := os.Remove(name + ".lock"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}

	return nil
}
