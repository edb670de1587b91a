package daemon

import (
	"path/filepath"
)

func runtimeDir(home string) string {
	return filepath.Join(home, "runtime")
}

func pidPath(home string) string {
	return filepath.Join(runtimeDir(home), "daemon.pid")
}

func lockPath(home string) string {
	return filepath.Join(runtimeDir(home), "daemon.lock")
}

func addrPath(home string) string {
	return filepath.Join(runtimeDir(home), "daemon.addr")
}
