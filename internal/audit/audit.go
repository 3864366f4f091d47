// Package audit appends routing and acknowledgment decisions to an
// append-only JSONL file under the runtime directory's logs/ dir.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Decisions recorded by the bus.
const (
	DecisionRouted   = "routed"
	DecisionRejected = "rejected"
	DecisionAcked    = "acked"
	DecisionDropped  = "dropped"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	MessageID string `json:"message_id,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

var (
	mu          sync.Mutex
	file        *os.File
	rejectCount atomic.Int64
)

// Init opens logs/audit.jsonl under homeDir. Calling Init twice is a
// no-op.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// Close flushes and closes the audit file.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// RejectCount returns the total number of reject decisions since startup.
func RejectCount() int64 {
	return rejectCount.Load()
}

// Record appends one decision. Before Init (or after Close) it only
// updates counters; audit must never block or fail message flow.
func Record(decision, messageID, sender, recipient, reason string) {
	if decision == DecisionRejected {
		rejectCount.Add(1)
	}

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}

	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Decision:  decision,
		MessageID: messageID,
		Sender:    sender,
		Recipient: recipient,
		Reason:    reason,
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	raw = append(raw, '\n')
	_, _ = file.Write(raw)
}
