package webhook

import (
	"strings"
	"sync"

	"calltimer/internal/config"
)

// Class is what an event tag means to the tracker.
type Class string

const (
	ClassStart Class = "start"
	ClassEnd   Class = "end"
	ClassOther Class = "other"
	// ClassStatus marks tags whose meaning depends on the reported call
	// status. Classify never returns it.
	ClassStatus Class = "status"
)

var (
	defaultStartTags     = []string{"assistant.started", "assistant-started", "call-start", "call.started"}
	defaultEndTags       = []string{"end-of-call-report", "call.ended", "call-ended"}
	defaultStatusTags    = []string{"status-update"}
	defaultStartStatuses = []string{"in-progress"}
)

// TagTable maps raw platform event tags to classes. Unknown tags are
// ClassOther.
type TagTable struct {
	mu            sync.RWMutex
	tags          map[string]Class
	startStatuses map[string]struct{}
}

// NewTagTable returns an empty table
func NewTagTable() *TagTable {
	return &TagTable{
		tags:          make(map[string]Class),
		startStatuses: make(map[string]struct{}),
	}
}

// DefaultTagTable returns the tags seen across platform integrations.
func DefaultTagTable() *TagTable {
	t := NewTagTable()
	for _, tag := range defaultStartTags {
		t.Add(tag, ClassStart)
	}
	for _, tag := range defaultEndTags {
		t.Add(tag, ClassEnd)
	}
	for _, tag := range defaultStatusTags {
		t.Add(tag, ClassStatus)
	}
	for _, s := range defaultStartStatuses {
		t.AddStartStatus(s)
	}
	return t
}

// TagTableFromConfig extends the default table with configured tags.
// A configured start-status list replaces the default one.
func TagTableFromConfig(cfg config.WebhookConfig) *TagTable {
	t := DefaultTagTable()
	for _, tag := range cfg.StartTags {
		t.Add(tag, ClassStart)
	}
	for _, tag := range cfg.EndTags {
		t.Add(tag, ClassEnd)
	}
	if len(cfg.StartStatuses) > 0 {
		t.mu.Lock()
		t.startStatuses = make(map[string]struct{})
		t.mu.Unlock()
		for _, s := range cfg.StartStatuses {
			t.AddStartStatus(s)
		}
	}
	return t
}

// Add maps tag to class, replacing any previous mapping.
func (t *TagTable) Add(tag string, class Class) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tags[tag] = class
}

// AddStartStatus makes a status-update with this call status count as a start.
func (t *TagTable) AddStartStatus(status string) {
	status = strings.TrimSpace(status)
	if status == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startStatuses[status] = struct{}{}
}

// Classify resolves tag (and, for status tags, the call status) to
// ClassStart, ClassEnd or ClassOther.
func (t *TagTable) Classify(tag, status string) Class {
	t.mu.RLock()
	defer t.mu.RUnlock()

	class, ok := t.tags[tag]
	if !ok {
		return ClassOther
	}
	if class == ClassStatus {
		if _, started := t.startStatuses[status]; started {
			return ClassStart
		}
		return ClassOther
	}
	return class
}

// Tags returns a copy of the tag mapping.
func (t *TagTable) Tags() map[string]Class {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Class, len(t.tags))
	for k, v := range t.tags {
		out[k] = v
	}
	return out
}
