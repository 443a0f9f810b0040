package gateway

import (
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/coderelay/coderelay/internal/apperr"
)

// LockFile guarantees a single daemon per data directory. The file holds the
// owner's PID; a lock left behind by a dead process is reclaimed.
type LockFile struct {
	path string
}

// AcquireLock takes the lock at path, reclaiming it when the recorded PID is
// no longer alive. A live owner yields a KindProcess error.
func AcquireLock(path string) (*LockFile, error) {
	const op = "gateway.AcquireLock"

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, apperr.E(op, apperr.KindStorage, "failed to write lock file")
			}
			return &LockFile{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, apperr.E(op, apperr.KindStorage, err)
		}

		pid, readErr := readLockPID(path)
		if readErr == nil && pidAlive(pid) {
			return nil, apperr.E(op, apperr.KindProcess,
				"daemon already running with pid "+strconv.Itoa(pid))
		}
		// Stale or unreadable lock: remove and retry once.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, apperr.E(op, apperr.KindStorage, rmErr)
		}
	}
	return nil, apperr.E(op, apperr.KindStorage, "could not acquire lock")
}

// Release removes the lock file.
func (l *LockFile) Release() error {
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return apperr.E("gateway.LockFile.Release", apperr.KindStorage, err)
	}
	return nil
}

func readLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// pidAlive probes a process with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
