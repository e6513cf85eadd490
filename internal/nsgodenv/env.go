// Package nsgodenv centralizes the three environment variables nsgod
// reads, per spec section 6's "Environment variables" table.
package nsgodenv

import "os"

const (
	// EnvAPI names the control socket URL, e.g. "ws+unix://nsgod.socket".
	EnvAPI = "NSGOD_API"
	// EnvLock names the advisory lock file path guarding the control
	// socket against a second daemon instance.
	EnvLock = "NSGOD_LOCK"
	// EnvDebug, when non-empty, skips the PID-namespace re-fork in the
	// sandbox bootstrap (see internal/bootstrap).
	EnvDebug = "NSGOD_DEBUG"
)

const (
	defaultAPI  = "ws+unix://nsgod.socket"
	defaultLock = "nsgod.lock"
)

// API returns NSGOD_API or its documented default.
func API() string {
	if v := os.Getenv(EnvAPI); v != "" {
		return v
	}
	return defaultAPI
}

// LockPath returns NSGOD_LOCK or its documented default.
func LockPath() string {
	if v := os.Getenv(EnvLock); v != "" {
		return v
	}
	return defaultLock
}

// Debug reports whether NSGOD_DEBUG is set to a non-empty value.
func Debug() bool {
	return os.Getenv(EnvDebug) != ""
}
