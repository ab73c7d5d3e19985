// Package task defines the unit of fetch work exchanged through the import
// queue. Tasks are not persisted across restarts; they are re-derivable from
// the catalogue, so losing one is never fatal.
package task

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Task is one paginated fetch: one offset page of one blog. LastCrawl is the
// epoch of the blog's previous completed crawl, kept as a string on the wire
// for compatibility with payloads queued by earlier revisions.
type Task struct {
	Name      string `json:"name"`
	Offset    int    `json:"offset"`
	LastCrawl string `json:"last_crawl"`
}

// Encode renders the task to its queue payload.
func (t Task) Encode() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("task: encode: %w", err)
	}
	return string(b), nil
}

// Decode parses a queue payload.
func Decode(payload string) (Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		return Task{}, fmt.Errorf("task: decode: %w", err)
	}
	return t, nil
}

// LastCrawlEpoch parses the crawl threshold. Unparseable or empty values
// degrade to 0, which admits every post.
func (t Task) LastCrawlEpoch() float64 {
	if t.LastCrawl == "" {
		return 0
	}
	epoch, err := strconv.ParseFloat(t.LastCrawl, 64)
	if err != nil {
		return 0
	}
	return epoch
}
