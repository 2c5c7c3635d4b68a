package notify

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// AlertWatcher watches the alert directory and dispatches each alert file
// to a callback exactly once, removing the file after reading it.
type AlertWatcher struct {
	dir      string
	callback func(Alert)
	log      *zap.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewAlertWatcher creates a watcher for {dataPath}/alerts/.
func NewAlertWatcher(dataPath string, callback func(Alert), log *zap.Logger) *AlertWatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &AlertWatcher{
		dir:      AlertDir(dataPath),
		callback: callback,
		log:      log.Named("alert-watcher"),
		done:     make(chan struct{}),
	}
}

// Start begins watching. It drains any existing alert files first,
// then watches for new ones. Call Stop() to clean up.
func (aw *AlertWatcher) Start() error {
	if err := os.MkdirAll(aw.dir, 0o700); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(aw.dir); err != nil {
		_ = w.Close()
		return err
	}
	aw.watcher = w

	// Drain after the watch is registered so a file created in between is
	// not missed; double delivery is prevented by the remove-on-read.
	aw.drainExisting()

	go aw.loop()
	aw.log.Info("watching for alerts", zap.String("dir", aw.dir))
	return nil
}

// Stop shuts down the watcher.
func (aw *AlertWatcher) Stop() {
	if aw.watcher == nil {
		return
	}
	_ = aw.watcher.Close()
	<-aw.done
}

func (aw *AlertWatcher) loop() {
	defer close(aw.done)
	for {
		select {
		case evt, ok := <-aw.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&fsnotify.Create != 0 && strings.HasSuffix(evt.Name, ".alert") {
				aw.processFile(evt.Name)
			}
		case err, ok := <-aw.watcher.Errors:
			if !ok {
				return
			}
			aw.log.Warn("watcher error", zap.Error(err))
		}
	}
}

func (aw *AlertWatcher) drainExisting() {
	entries, err := os.ReadDir(aw.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".alert") {
			aw.processFile(filepath.Join(aw.dir, entry.Name()))
		}
	}
}

func (aw *AlertWatcher) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // file already consumed by another process
	}
	if err := os.Remove(path); err != nil {
		return // another consumer won the race
	}

	var alert Alert
	if err := json.Unmarshal(data, &alert); err != nil {
		aw.log.Warn("invalid alert file", zap.String("file", filepath.Base(path)), zap.Error(err))
		return
	}
	if aw.callback != nil {
		aw.callback(alert)
	}
}
