package offline

import (
	"context"

	"github.com/fsnotify/fsnotify"
)

// SlotWatcher is implemented by backends that can report slot changes made by
// other processes sharing the same storage.
type SlotWatcher interface {
	Watch(ctx context.Context, onChange func(slot string)) error
}

var _ SlotWatcher = (*FileBackend)(nil)

// Watch reports slots rewritten or removed by someone else until ctx is done.
// Events caused by this backend's own Save calls are suppressed.
func (b *FileBackend) Watch(ctx context.Context, onChange func(slot string)) error {
	if onChange == nil {
		return ErrInvalidInput
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(b.Dir); err != nil {
		_ = watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
					continue
				}
				slot, ok := b.slotFromPath(event.Name)
				if !ok || b.ownWrite(slot) {
					continue
				}
				onChange(slot)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}
