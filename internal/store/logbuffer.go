package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const (
	logFlushInterval = 5 * time.Second
	logFlushCount    = 20
)

// LogBuffer is an io.Writer for zerolog that batches records into the sink.
// A batch is flushed every 5 seconds or 20 entries, whichever comes first.
// Sink failures drop the batch; logging never blocks on persistence.
type LogBuffer struct {
	sink Sink

	mu      sync.Mutex
	entries []LogEntry

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func NewLogBuffer(sink Sink) *LogBuffer {
	b := &LogBuffer{
		sink:     sink,
		stopChan: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Write implements io.Writer. p is one zerolog JSON line.
func (b *LogBuffer) Write(p []byte) (int, error) {
	var fields struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(p, &fields)

	raw := make([]byte, len(p))
	copy(raw, p)
	entry := LogEntry{
		Time:    time.Now().UTC(),
		Level:   fields.Level,
		Message: fields.Message,
		Raw:     raw,
	}

	b.mu.Lock()
	b.entries = append(b.entries, entry)
	full := len(b.entries) >= logFlushCount
	b.mu.Unlock()

	if full {
		b.Flush()
	}
	return len(p), nil
}

// Flush writes the pending batch to the sink.
func (b *LogBuffer) Flush() {
	b.mu.Lock()
	if len(b.entries) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.entries
	b.entries = nil
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = b.sink.SaveLogs(ctx, batch)
}

func (b *LogBuffer) run() {
	defer b.wg.Done()
	ticker := time.NewTicker(logFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.Flush()
		case <-b.stopChan:
			b.Flush()
			return
		}
	}
}

// Close flushes remaining entries and stops the background flusher.
func (b *LogBuffer) Close() {
	b.once.Do(func() {
		close(b.stopChan)
	})
	b.wg.Wait()
}
