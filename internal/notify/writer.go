package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileNotifier writes each alert as a file under {dir}/alerts/, so that a
// separate process (the CLI watcher, another server) can pick it up.
type FileNotifier struct {
	dir string
}

// NewFileNotifier creates a notifier that emits alerts to {dataPath}/alerts/.
func NewFileNotifier(dataPath string) *FileNotifier {
	return &FileNotifier{dir: AlertDir(dataPath)}
}

// AlertDir returns the alert directory under dataPath.
func AlertDir(dataPath string) string {
	return filepath.Join(dataPath, "alerts")
}

// Notify writes the alert to a temporary file and renames it into place,
// so watchers never observe a partial file. Safe to call concurrently.
func (w *FileNotifier) Notify(ctx context.Context, alert Alert) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("notify: marshal alert: %w", err)
	}

	name := fmt.Sprintf("%d-%s-%s", alert.CreatedAt.UnixNano(), sanitizeID(string(alert.Kind)), sanitizeID(alert.ID))
	tmp := filepath.Join(w.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("notify: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, filepath.Join(w.dir, name+".alert")); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("notify: rename %s: %w", tmp, err)
	}
	return nil
}

// sanitizeID replaces characters unsafe for filenames.
func sanitizeID(id string) string {
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		switch id[i] {
		case '/', ':', '\\', ' ':
			out[i] = '_'
		default:
			out[i] = id[i]
		}
	}
	return string(out)
}
