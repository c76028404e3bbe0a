//go:build !linux

package ipc

func newNotifier(depth int) (notifier, error) {
	return pollNotifier{}, nil
}
