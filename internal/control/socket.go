package control

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
)

// removeSocket removes a stale unix socket file. Only sockets are removed,
// so a misconfigured path never deletes a regular file.
func removeSocket(path string) {
	fi, err := os.Lstat(path)
	if err != nil {
		return
	}
	if fi.Mode()&fs.ModeSocket == 0 {
		slog.Warn("control: not removing non-socket file", "path", path)
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("control: remove socket", "path", path, "err", err)
	}
}
