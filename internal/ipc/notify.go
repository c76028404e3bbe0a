package ipc

// notifier reports directories that may have new files. Events is a
// bounded channel; when it is full further events are dropped, which is
// safe because the consumer rescans the whole directory.
type notifier interface {
	Add(dir string) error
	Events() <-chan string
	Close() error
}

// pollNotifier never fires; the watcher's rescan ticker does the work.
type pollNotifier struct{}

func (pollNotifier) Add(string) error { return nil }
func (pollNotifier) Events() <-chan string { return nil }
func (pollNotifier) Close() error { return nil }
