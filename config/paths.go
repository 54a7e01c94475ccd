package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ExpandUserPath expands a leading "~" to the resolved user home directory.
// If expansion fails, the original path is returned.
func ExpandUserPath(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return path
	}
	if p == "~" {
		if home, err := ResolveUserHomeDir(); err == nil {
			return home
		}
		return path
	}
	if strings.HasPrefix(p, "~/") || strings.HasPrefix(p, "~\\") {
		home, err := ResolveUserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return path
		}
		rest := strings.TrimPrefix(strings.TrimPrefix(p, "~/"), "~\\")
		return filepath.Join(home, filepath.FromSlash(rest))
	}
	return path
}

// ResolveUserHomeDir returns the best-effort user home directory.
// On Windows, prefer USERPROFILE or HOMEDRIVE+HOMEPATH to avoid HOME drift.
func ResolveUserHomeDir() (string, error) {
	if runtime.GOOS == "windows" {
		if profile := strings.TrimSpace(os.Getenv("USERPROFILE")); profile != "" {
			return profile, nil
		}
		drive := strings.TrimSpace(os.Getenv("HOMEDRIVE"))
		path := strings.TrimSpace(os.Getenv("HOMEPATH"))
		if drive != "" && path != "" {
			return filepath.Clean(drive + path), nil
		}
	}
	return os.UserHomeDir()
}

// DataDir 返回 ~/.flowpost
func DataDir() (string, error) {
	home, err := ResolveUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".flowpost"), nil
}
