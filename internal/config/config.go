package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the optional treedup configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
}

// DefaultsConfig holds persistent flag defaults. A nil field leaves the
// built-in default in place.
type DefaultsConfig struct {
	Interactive *bool   `toml:"interactive"`
	NoRemove    *bool   `toml:"no_remove"`
	Verify      *string `toml:"verify"` // "off", "digest" or "bytes"
	Digest      *bool   `toml:"digest"`
	ExcludeFile *string `toml:"exclude_file"`
	BWLimit     *string `toml:"bwlimit"`
	Compress    *bool   `toml:"compress"`
	RemoteCmd   *string `toml:"remote_cmd"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "treedup", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}
	return LoadFile(path)
}

// LoadFile reads the config file at path. Unknown keys are rejected so a
// typo does not silently fall back to a default.
func LoadFile(path string) (Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return Config{}, &UnknownKeyError{Path: path, Key: undec[0].String()}
	}
	return cfg, nil
}

// UnknownKeyError reports a key in the config file that treedup does not
// recognise.
type UnknownKeyError struct {
	Path string
	Key  string
}

func (e *UnknownKeyError) Error() string {
	return e.Path + ": unknown key " + e.Key
}
