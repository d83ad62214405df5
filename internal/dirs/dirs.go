// Package dirs provides standard directory resolution for herd.
// It handles XDG base directories with appropriate fallbacks for
// platforms where XDG isn't fully supported (e.g., macOS).
package dirs

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
)

// RuntimeDir returns the directory for ephemeral runtime data (sockets).
// Priority: $HERD_RUNTIME_DIR > best available runtime dir > $TMPDIR/herd-$USER
func RuntimeDir() string {
	if v := os.Getenv("HERD_RUNTIME_DIR"); v != "" {
		return v
	}

	if base := findRuntimeBase(); base != "" {
		return filepath.Join(base, "herd")
	}

	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	return filepath.Join(os.TempDir(), "herd-"+username)
}

// SocketPath returns the control socket path of the daemon.
// Priority: $HERD_SOCKET > RuntimeDir()/herd.sock
func SocketPath() string {
	if v := os.Getenv("HERD_SOCKET"); v != "" {
		return v
	}
	return filepath.Join(RuntimeDir(), "herd.sock")
}

// findRuntimeBase finds the best available runtime directory base.
// On Linux this is typically /run/user/$UID, on macOS/BSD we check candidates.
func findRuntimeBase() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}

	currentUser, err := user.Current()
	if err != nil {
		return ""
	}

	candidates := []string{
		filepath.Join("/run/user", currentUser.Uid),
		filepath.Join("/var/run/user", currentUser.Uid),
	}

	// FreeBSD uses a different convention
	if runtime.GOOS == "freebsd" {
		candidates = append([]string{
			filepath.Join("/var/run/xdg", currentUser.Username),
		}, candidates...)
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}

	return ""
}
