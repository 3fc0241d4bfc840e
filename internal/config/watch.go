package config

import (
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch monitors the config file and invokes onChange with each successfully
// reloaded config. Edits that fail to parse or validate are logged and
// skipped and the previous config stays in effect. The returned stop function
// ends the watch.
func Watch(path string, onChange func(Config)) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file itself: editors that write via
	// rename would otherwise drop the watch after the first save.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}

	abs, _ := filepath.Abs(path)
	go func() {
		for {
			select {
			case evt, ok := <-w.Events:
				if !ok {
					return
				}
				evtAbs, _ := filepath.Abs(evt.Name)
				if evtAbs != abs {
					continue
				}
				if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Printf("CONFIG: reload skipped: %v", err)
					continue
				}
				log.Printf("CONFIG: reloaded %s", path)
				onChange(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("CONFIG: watch error: %v", err)
			}
		}
	}()

	return func() { w.Close() }, nil
}
