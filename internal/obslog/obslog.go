// Package obslog provides the package-level diagnostic logger used across
// the orchestrator. It defaults to log.Printf but may be replaced so that
// the CLI can switch to structured (JSON) output or tests can capture and
// silence log output.
package obslog

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger. Tests or production code can redirect or
// mute it.
var Logf func(format string, v ...interface{}) = log.Printf

var mu sync.Mutex

// SetLogger replaces the package logger. Passing nil sets a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Field is a single structured key/value pair attached to a JSON log line.
type Field struct {
	Key   string
	Value interface{}
}

// F builds a Field; a small convenience for call sites that log structured
// context (group ID, stage, error class) alongside a message.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// UseJSON switches Logf to emit one JSON object per line to w, with a
// "ts" field (UTC, RFC 3339) and a "msg" field rendered with
// fmt.Sprintf(format, v...), so existing Logf call sites keep working.
// No other fields are emitted.
func UseJSON(w *os.File) {
	mu.Lock()
	defer mu.Unlock()
	enc := json.NewEncoder(w)
	var encMu sync.Mutex
	Logf = func(format string, v ...interface{}) {
		encMu.Lock()
		defer encMu.Unlock()
		line := map[string]interface{}{
			"ts":  time.Now().UTC().Format(time.RFC3339Nano),
			"msg": fmt.Sprintf(format, v...),
		}
		_ = enc.Encode(line)
	}
}
