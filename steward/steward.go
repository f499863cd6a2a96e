// Package steward holds application-wide constants shared by the
// configuration layer, the store adapters, and the CLI.
package steward

import (
	"os"
	"path/filepath"
)

const (
	// DefaultAppName is the canonical application name, used for config
	// search paths and user-facing identification.
	DefaultAppName = "steward"

	// DefaultDatabaseType is the only supported store backend.
	DefaultDatabaseType = "libsql"

	// DefaultSessionID is used by the chat CLI when no session is named.
	DefaultSessionID = "default"
)

var (
	// DefaultDataDir is where the embedded database and registry override
	// files live.
	DefaultDataDir = filepath.Join(homeDir(), "."+DefaultAppName)

	// DefaultConfigPath is the final config file search location.
	DefaultConfigPath = DefaultDataDir

	// DefaultDatabaseDSN points the libsql driver at the embedded database.
	DefaultDatabaseDSN = "file:" + filepath.Join(DefaultDataDir, DefaultAppName+".db")
)

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
