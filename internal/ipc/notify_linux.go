//go:build linux

package ipc

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// inotifyNotifier watches pending directories through inotify.
type inotifyNotifier struct {
	fd     int
	events chan string
	stop   chan struct{}
	done   chan struct{}

	mu   sync.Mutex
	dirs map[int32]string

	closeOnce sync.Once
}

func newNotifier(depth int) (notifier, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}
	n := &inotifyNotifier{
		fd:     fd,
		events: make(chan string, depth),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		dirs:   make(map[int32]string),
	}
	go n.readLoop()
	return n, nil
}

func (n *inotifyNotifier) Add(dir string) error {
	wd, err := unix.InotifyAddWatch(n.fd, dir, unix.IN_MOVED_TO|unix.IN_CLOSE_WRITE)
	if err != nil {
		return fmt.Errorf("inotify_add_watch on %s: %w", dir, err)
	}
	n.mu.Lock()
	n.dirs[int32(wd)] = dir
	n.mu.Unlock()
	return nil
}

func (n *inotifyNotifier) Events() <-chan string {
	return n.events
}

func (n *inotifyNotifier) Close() error {
	n.closeOnce.Do(func() {
		close(n.stop)
		<-n.done
	})
	return nil
}

// readLoop polls with a short timeout so Close is noticed promptly.
func (n *inotifyNotifier) readLoop() {
	defer close(n.done)
	defer unix.Close(n.fd)

	buffer := make([]byte, 64*(unix.SizeofInotifyEvent+unix.NAME_MAX+1))
	for {
		select {
		case <-n.stop:
			return
		default:
		}

		fds := []unix.PollFd{{Fd: int32(n.fd), Events: unix.POLLIN}}
		count, err := unix.Poll(fds, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if count == 0 {
			continue
		}

		read, err := unix.Read(n.fd, buffer)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return
		}
		for _, dir := range n.dirsIn(buffer[:read]) {
			select {
			case n.events <- dir:
			default:
			}
		}
	}
}

// dirsIn returns the watched directories named by a buffer of raw
// inotify events, once each. Layout per inotify(7): wd int32, mask
// uint32, cookie uint32, len uint32, then len bytes of padded name.
func (n *inotifyNotifier) dirsIn(buffer []byte) []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	seen := make(map[int32]bool)
	var dirs []string
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buffer) {
		wd := int32(binary.NativeEndian.Uint32(buffer[offset : offset+4]))
		nameLength := int(binary.NativeEndian.Uint32(buffer[offset+12 : offset+16]))
		offset += unix.SizeofInotifyEvent + nameLength

		if dir, ok := n.dirs[wd]; ok && !seen[wd] {
			seen[wd] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}
