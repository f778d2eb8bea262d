//go:build linux || darwin

package fileattr

import "syscall"

// syscallStatT is the OS-specific Stat_t shape returned by fs.FileInfo.Sys()
// on Unix, aliased here so backend.go doesn't need a build-tagged import of
// its own.
type syscallStatT = syscall.Stat_t
