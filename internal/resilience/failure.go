package resilience

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// FailedItem records a batch item whose processing failed after retries.
// Reporting the item identifier back to the queue lets the broker redeliver
// only the failed items instead of the whole batch.
type FailedItem struct {
	ItemID     string    `json:"item_id"`
	Path       string    `json:"path,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	Error      string    `json:"error"`
	ErrorClass string    `json:"error_class"`
	Attempts   int       `json:"attempts"`
	FailedAt   time.Time `json:"failed_at"`
	Retriable  bool      `json:"retriable"`
}

// FailureCollector accumulates per-item failures during a batch run.
// Safe for concurrent use by batch workers.
type FailureCollector struct {
	mu    sync.Mutex
	items []FailedItem
}

// NewFailureCollector returns an empty collector.
func NewFailureCollector() *FailureCollector {
	return &FailureCollector{}
}

// Record adds a failure for one batch item. Throttling and transient errors
// are marked retriable so the item is redelivered; permanent errors are not.
func (fc *FailureCollector) Record(itemID, path, stage string, attempts int, err error) {
	if err == nil {
		return
	}
	class := ClassifyError(err)
	item := FailedItem{
		ItemID:     itemID,
		Path:       path,
		Stage:      stage,
		Error:      err.Error(),
		ErrorClass: class,
		Attempts:   attempts,
		FailedAt:   time.Now().UTC(),
		Retriable:  class != "permanent",
	}

	fc.mu.Lock()
	fc.items = append(fc.items, item)
	fc.mu.Unlock()

	zap.L().Warn("batch item failed",
		zap.String("item_id", itemID),
		zap.String("path", path),
		zap.String("stage", stage),
		zap.String("error_class", class),
		zap.Int("attempts", attempts),
		zap.Bool("retriable", item.Retriable),
		zap.Error(err))
}

// Failures returns a copy of the recorded failures.
func (fc *FailureCollector) Failures() []FailedItem {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	out := make([]FailedItem, len(fc.items))
	copy(out, fc.items)
	return out
}

// Retriable returns only the failures that should be redelivered.
func (fc *FailureCollector) Retriable() []FailedItem {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	var out []FailedItem
	for _, it := range fc.items {
		if it.Retriable {
			out = append(out, it)
		}
	}
	return out
}

// Len reports the number of recorded failures.
func (fc *FailureCollector) Len() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.items)
}
