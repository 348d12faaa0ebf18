package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Writer exports session transcripts as dated markdown files.
type Writer struct {
	dir string
	mu  sync.Mutex
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// Export writes the transcript and the formatted conversation lines to a
// markdown file named after the current date, overwriting any previous
// export for that date. It returns the written path.
func (w *Writer) Export(transcript string, lines []string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", w.dir, err)
	}

	date := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(w.dir, date+".md")

	var b strings.Builder
	b.WriteString("# Transcript\n\n")
	b.WriteString(strings.TrimSpace(transcript))
	b.WriteString("\n\n# Conversation\n\n")
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n")
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}

	return path, nil
}
