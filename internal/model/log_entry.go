package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidLog marks a queued log record that is not a JSON object.
var ErrInvalidLog = errors.New("invalid log record")

// LogEntry is one client log record, kept as the free-form JSON object the
// logs intake accepts.
type LogEntry map[string]any

func DecodeLog(data []byte) (LogEntry, error) {
	var entry LogEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLog, err)
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: not an object", ErrInvalidLog)
	}
	return entry, nil
}

// Enrich appends the global tags to ddtags, rendering it as the
// comma-separated string the intake expects, and stamps host when set.
func (e LogEntry) Enrich(globalTags []string, host string) {
	var tags []string
	switch v := e["ddtags"].(type) {
	case string:
		if v != "" {
			tags = strings.Split(v, ",")
		}
	case []any:
		for _, t := range v {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
	}
	e["ddtags"] = strings.Join(append(tags, globalTags...), ",")
	if host != "" {
		e["host"] = host
	}
}
