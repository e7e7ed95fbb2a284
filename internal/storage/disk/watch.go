package disk

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/syncstore/internal/storage"
)

// SubscribeChanges registers a filesystem watcher for record changes under
// the supplied key prefix. Hints are coalesced; subscribers re-read the
// records they care about.
func (s *Store) SubscribeChanges(namespace, prefix string) (storage.ChangeSubscription, error) {
	if !s.watchEnabled {
		return nil, storage.ErrNotImplemented
	}
	dir := filepath.Join(s.root, namespace)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("disk: create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("disk: watch directory %q: %w", dir, err)
	}
	sub := &changeSubscription{
		watcher:       watcher,
		encodedPrefix: encodeKey(prefix),
		events:        make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

type changeSubscription struct {
	watcher       *fsnotify.Watcher
	encodedPrefix string
	events        chan struct{}
	stop          chan struct{}
	once          sync.Once
}

func (c *changeSubscription) Events() <-chan struct{} {
	return c.events
}

func (c *changeSubscription) Close() error {
	c.once.Do(func() {
		close(c.stop)
		c.watcher.Close()
	})
	return nil
}

func (c *changeSubscription) run() {
	defer close(c.events)
	for {
		select {
		case <-c.stop:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if c.matches(event.Name) {
				c.signal()
			}
		case <-c.watcher.Errors:
			c.signal()
		}
	}
}

func (c *changeSubscription) matches(path string) bool {
	if c.encodedPrefix == "" {
		return true
	}
	return strings.HasPrefix(filepath.Base(path), c.encodedPrefix)
}

func (c *changeSubscription) signal() {
	select {
	case c.events <- struct{}{}:
	default:
	}
}
