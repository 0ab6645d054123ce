package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment variables read by DefaultPaths and the CLI.
const (
	ConfigPathEnv = "PIMD_CONFIG_PATH"
	HomeEnv       = "PIMD_HOME"
	PassphraseEnv = "PIMD_PASSPHRASE"
)

// Paths are the locations pimd uses before a config file has been read.
type Paths struct {
	ConfigPath string
	BaseDir    string
	LogDir     string
}

// DefaultPaths resolves Paths from the process environment.
func DefaultPaths() (Paths, error) {
	return resolvePaths(os.Getenv, os.UserHomeDir)
}

// resolvePaths applies, per location: the PIMD_* override, then the XDG base
// directory variable, then the XDG default under the home directory.
func resolvePaths(getenv func(string) string, home func() (string, error)) (Paths, error) {
	xdg := func(env string, fallback ...string) (string, error) {
		if dir := getenv(env); dir != "" {
			return dir, nil
		}
		h, err := home()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(append([]string{h}, fallback...)...), nil
	}

	var p Paths
	if p.ConfigPath = getenv(ConfigPathEnv); p.ConfigPath == "" {
		dir, err := xdg("XDG_CONFIG_HOME", ".config")
		if err != nil {
			return Paths{}, err
		}
		p.ConfigPath = filepath.Join(dir, "pimd.toml")
	}
	if p.BaseDir = getenv(HomeEnv); p.BaseDir == "" {
		dir, err := xdg("XDG_DATA_HOME", ".local", "share")
		if err != nil {
			return Paths{}, err
		}
		p.BaseDir = filepath.Join(dir, "pimd")
	}
	p.LogDir = filepath.Join(p.BaseDir, "log")
	return p, nil
}
