//go:build !linux

package detect

import "fmt"

func newWatcher() (watcher, error) {
	return nil, fmt.Errorf("%w: inotify requires linux", ErrPrimaryUnavailable)
}
