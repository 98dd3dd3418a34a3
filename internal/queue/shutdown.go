package queue

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// FlushToDisk drains every remaining queued entry and appends it to a WAL
// file under dir, for operator inspection or manual replay after a
// controlled shutdown. This is a bounded, one-shot drain — not the
// teacher's crash-recovery WAL (persistent_queue.go): the core has no
// cross-restart durability requirement (§9 design note, ephemeral state),
// so nothing reads this file back in automatically on the next startup.
func (q *Queue) FlushToDisk(dir string) (int, error) {
	entries := q.Drain()
	if len(entries) == 0 {
		return 0, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("create shutdown-drain directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("drain-%d.jsonl", time.Now().Unix()))
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create shutdown-drain file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			log.Printf("queue: failed to flush entry %s to disk: %v", e.QueueID, err)
			continue
		}
	}
	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("flush shutdown-drain file: %w", err)
	}

	log.Printf("queue: flushed %d in-flight entries to %s on shutdown", len(entries), path)
	return len(entries), nil
}
