package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

type ChangeHandler func(path string)

// RulesWatcher reloads the policy rule file when it changes on disk.
// Events are debounced because editors fire several writes per save.
type RulesWatcher struct {
	watcher *fsnotify.Watcher
	file    string
	handler ChangeHandler
	done    chan struct{}
}

func NewRulesWatcher(rulesFile string, handler ChangeHandler) (*RulesWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save,
	// which drops a watch registered on the file itself.
	if err := watcher.Add(filepath.Dir(rulesFile)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch directory: %w", err)
	}

	rw := &RulesWatcher{
		watcher: watcher,
		file:    filepath.Clean(rulesFile),
		handler: handler,
		done:    make(chan struct{}),
	}

	go rw.watch()

	return rw, nil
}

func (rw *RulesWatcher) Close() error {
	close(rw.done)
	return rw.watcher.Close()
}

const debounceDelay = 500 * time.Millisecond

func (rw *RulesWatcher) watch() {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	// A burst of events resets the timer, so one save fires one reload.
	var pending string

	for {
		select {
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}

			if rw.shouldHandle(event) {
				pending = event.Name
				debounce.Reset(debounceDelay)
			}

		case <-debounce.C:
			if pending != "" {
				rw.handler(pending)
				pending = ""
			}

		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("rules watcher error")

		case <-rw.done:
			return
		}
	}
}

func (rw *RulesWatcher) shouldHandle(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}
	return filepath.Clean(event.Name) == rw.file
}
