package sessions

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"
)

// errLockBusy is returned internally when the lock file is held by a live
// process and not yet stale.
var errLockBusy = errors.New("lock busy")

const lockRetryInterval = 25 * time.Millisecond

// fileLock is a cross-process advisory lock: a file holding "<pid>\n". A
// holder whose pid is no longer alive, or whose lock is older than the stale
// window, may be broken by the next acquirer.
type fileLock struct {
	path string
	pid  int
}

// acquireLock attempts to take the lock at path, retrying until timeout.
func acquireLock(path string, timeout, stale time.Duration) (*fileLock, error) {
	pid := os.Getpid()
	deadline := time.Now().Add(timeout)
	for {
		ok, err := tryLock(path, pid, stale)
		if err != nil {
			return nil, err
		}
		if ok {
			return &fileLock{path: path, pid: pid}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s: %w", path, errLockBusy)
		}
		time.Sleep(lockRetryInterval)
	}
}

func tryLock(path string, pid int, stale time.Duration) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		_, werr := fmt.Fprintf(f, "%d\n", pid)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			os.Remove(path)
			return false, fmt.Errorf("write lock %s: %w", path, errors.Join(werr, cerr))
		}
		return true, nil
	}
	if !os.IsExist(err) {
		return false, err
	}

	// Lock exists: break it when the holder is gone or the file is stale.
	holder, mtime, rerr := readLock(path)
	if rerr != nil {
		// Raced with a release; retry on the next tick.
		return false, nil
	}
	expired := stale > 0 && time.Since(mtime) > stale
	if holder == pid || !pidAlive(holder) || expired {
		os.Remove(path)
		return false, nil
	}
	return false, nil
}

// readLock returns the holder pid and lock mtime. A lock whose content does
// not parse reports pid 0, which never probes as alive, so corrupt locks are
// broken rather than waited on.
func readLock(path string) (pid int, mtime time.Time, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, time.Time{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, time.Time{}, err
	}
	pid, perr := strconv.Atoi(string(bytes.TrimSpace(data)))
	if perr != nil {
		return 0, info.ModTime(), nil
	}
	return pid, info.ModTime(), nil
}

// pidAlive probes the pid with signal 0. EPERM counts as alive (the process
// exists under another user).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// release removes the lock if this process still owns it.
func (l *fileLock) release() {
	holder, _, err := readLock(l.path)
	if err == nil && holder != l.pid {
		return
	}
	os.Remove(l.path)
}
