// Package batch transcribes multiple audio files in one pass. Batch items
// get no chat grounding; results are persisted best-effort so the list
// survives a restart.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tbouder/echoscribe/internal/llm"
	"github.com/tbouder/echoscribe/internal/storage"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusError      = "error"
)

// File is one audio payload queued for transcription.
type File struct {
	Name     string
	Data     []byte
	MIMEType string
}

// Item is the per-file outcome, in input order.
type Item struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Transcript string `json:"transcript,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Store is the slice of the key-value store the processor needs.
type Store interface {
	Save(key string, value any) error
	Load(key string, dest any) (bool, error)
	Remove(key string) error
}

type Processor struct {
	store   Store
	workers int

	// OnItem, when set, is invoked after each item settles.
	OnItem func(item Item)

	sleep func(time.Duration)
}

func New(store Store, workers int) *Processor {
	if workers < 1 {
		workers = 1
	}
	return &Processor{store: store, workers: workers, sleep: time.Sleep}
}

// Process transcribes every file through the gateway with a fixed-size
// worker pool and returns the per-file results in input order. The result
// list is persisted best-effort before returning.
func (p *Processor) Process(ctx context.Context, client llm.Client, files []File) []Item {
	items := make([]Item, len(files))
	for i, f := range files {
		items[i] = Item{Name: f.Name, Status: StatusPending}
	}

	jobs := make(chan int)
	var wg sync.WaitGroup

	for w := 0; w < p.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				items[i] = p.processOne(ctx, client, files[i])
				if p.OnItem != nil {
					p.OnItem(items[i])
				}
			}
		}()
	}

	for i := range files {
		select {
		case <-ctx.Done():
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	if err := p.store.Save(storage.KeyBatchSession, items); err != nil {
		slog.Warn("batch: results save failed", "error", err)
	}

	return items
}

func (p *Processor) processOne(ctx context.Context, client llm.Client, f File) Item {
	item := Item{Name: f.Name, Status: StatusProcessing}

	if len(f.Data) == 0 {
		item.Status = StatusError
		item.Error = "The provided audio file is empty."
		return item
	}

	backoff := []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}
	var lastErr error
	for attempt := range backoff {
		transcript, err := client.Transcribe(ctx, f.Data, f.MIMEType)
		if err == nil {
			item.Status = StatusDone
			item.Transcript = transcript
			return item
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < len(backoff)-1 {
			p.sleep(backoff[attempt])
		}
	}

	item.Status = StatusError
	item.Error = lastErr.Error()
	return item
}

// Load returns the persisted results of the last batch run, if any.
func (p *Processor) Load() ([]Item, bool) {
	var items []Item
	ok, err := p.store.Load(storage.KeyBatchSession, &items)
	if err != nil {
		slog.Warn("batch: results load failed", "error", err)
		return nil, false
	}
	return items, ok
}

// Clear removes the persisted batch results.
func (p *Processor) Clear() error {
	return p.store.Remove(storage.KeyBatchSession)
}
