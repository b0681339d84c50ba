//go:build linux

package detect

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// watchMask selects the events that count as a waypoint file change.
const watchMask = unix.IN_MODIFY | unix.IN_CREATE | unix.IN_CLOSE_WRITE | unix.IN_MOVED_TO

// nameMax is NAME_MAX on Linux.
const nameMax = 255

// eventBufferSize holds many events; a single event is at most
// SizeofInotifyEvent + nameMax + 1 bytes.
const eventBufferSize = 64 * (unix.SizeofInotifyEvent + nameMax + 1)

// inotifyWatcher is the primary path on Linux.
type inotifyWatcher struct {
	mu     sync.Mutex
	fd     int
	dirs   map[int]string
	buf    []byte
	closed bool
}

func newWatcher() (watcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("%w: inotify_init1: %w", ErrPrimaryUnavailable, err)
	}
	return &inotifyWatcher{
		fd:   fd,
		dirs: make(map[int]string),
		buf:  make([]byte, eventBufferSize),
	}, nil
}

func (w *inotifyWatcher) add(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	wd, err := unix.InotifyAddWatch(w.fd, dir, watchMask)
	if err != nil {
		return fmt.Errorf("inotify_add_watch %s: %w", dir, err)
	}
	w.dirs[wd] = dir
	return nil
}

// wait blocks up to timeout for readable events, then drains everything
// queued. It returns the affected paths, deduplicated, in arrival order.
func (w *inotifyWatcher) wait(timeout time.Duration) ([]string, error) {
	w.mu.Lock()
	fd, closed := w.fd, w.closed
	w.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}} //nolint:gosec // fd fits int32
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("poll inotify fd: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	var paths []string
	seen := make(map[string]bool)
	for {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return paths, nil
		}
		nread, err := unix.Read(w.fd, w.buf)
		if err != nil || nread <= 0 {
			w.mu.Unlock()
			if err != nil && !errors.Is(err, unix.EAGAIN) {
				return paths, fmt.Errorf("read inotify fd: %w", err)
			}
			return paths, nil
		}
		for _, p := range w.parse(w.buf[:nread]) {
			if !seen[p] {
				seen[p] = true
				paths = append(paths, p)
			}
		}
		w.mu.Unlock()
	}
}

// parse decodes a buffer of inotify events. Caller holds mu.
func (w *inotifyWatcher) parse(buf []byte) []string {
	var paths []string
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buf) {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset])) //nolint:gosec // kernel-defined layout
		nameLen := int(raw.Len)
		end := offset + unix.SizeofInotifyEvent + nameLen
		if end > len(buf) {
			break
		}

		dir := w.dirs[int(raw.Wd)]
		switch {
		case raw.Mask&unix.IN_Q_OVERFLOW != 0:
			// Queue overflowed; report every watched directory.
			for _, d := range w.dirs {
				paths = append(paths, d)
			}
		case raw.Mask&unix.IN_IGNORED != 0:
			delete(w.dirs, int(raw.Wd))
		case dir != "":
			name := ""
			if nameLen > 0 {
				nameBytes := buf[offset+unix.SizeofInotifyEvent : end]
				for i, b := range nameBytes {
					if b == 0 {
						nameBytes = nameBytes[:i]
						break
					}
				}
				name = string(nameBytes)
			}
			if name == "" {
				paths = append(paths, dir)
			} else {
				paths = append(paths, filepath.Join(dir, name))
			}
		}
		offset = end
	}
	return paths
}

func (w *inotifyWatcher) watchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirs)
}

func (w *inotifyWatcher) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := unix.Close(w.fd); err != nil {
		return fmt.Errorf("closing inotify fd: %w", err)
	}
	return nil
}
