// Package emit is the output boundary: records leave tapstripe here.
package emit

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/ajitpratap0/tapstripe/pkg/errors"
	"github.com/ajitpratap0/tapstripe/pkg/models"
)

// Emitter receives every record together with its resource name.
type Emitter interface {
	Emit(ctx context.Context, resource string, record models.Record) error
}

// StateEmitter is implemented by emitters that also publish committed
// watermarks downstream.
type StateEmitter interface {
	EmitState(ctx context.Context, resource string, watermark int64) error
}

// Flusher is implemented by emitters that buffer records. The driver
// flushes before it persists a watermark.
type Flusher interface {
	Flush() error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, resource string, record models.Record) error

// Emit implements Emitter.
func (fn EmitterFunc) Emit(ctx context.Context, resource string, record models.Record) error {
	return fn(ctx, resource, record)
}

// Message types written by Singer.
const (
	TypeRecord = "RECORD"
	TypeState  = "STATE"
)

// Message is one line of singer-style output.
type Message struct {
	Type          string        `json:"type"`
	Stream        string        `json:"stream,omitempty"`
	Record        models.Record `json:"record,omitempty"`
	TimeExtracted *time.Time    `json:"time_extracted,omitempty"`
	Value         *StateValue   `json:"value,omitempty"`
}

// StateValue is the payload of a STATE message.
type StateValue struct {
	Bookmarks map[string]Bookmark `json:"bookmarks"`
}

// Bookmark is the committed position of one resource.
type Bookmark struct {
	Watermark int64 `json:"watermark"`
}

// Singer writes RECORD and STATE messages as JSON lines. STATE messages
// carry the bookmarks of every resource committed so far and flush the
// buffered output, so a consumer never sees a bookmark ahead of its
// records.
type Singer struct {
	mu        sync.Mutex
	w         *bufio.Writer
	now       func() time.Time
	bookmarks map[string]Bookmark
}

// NewSinger returns a Singer writing to w.
func NewSinger(w io.Writer) *Singer {
	return &Singer{
		w:         bufio.NewWriterSize(w, 64*1024),
		now:       time.Now,
		bookmarks: map[string]Bookmark{},
	}
}

// SeedBookmarks records watermarks committed by earlier runs so that STATE
// messages also carry resources this run does not advance.
func (s *Singer) SeedBookmarks(marks map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, wm := range marks {
		if _, ok := s.bookmarks[name]; !ok {
			s.bookmarks[name] = Bookmark{Watermark: wm}
		}
	}
}

// Emit implements Emitter.
func (s *Singer) Emit(_ context.Context, resource string, record models.Record) error {
	extracted := s.now().UTC()
	return s.write(Message{
		Type:          TypeRecord,
		Stream:        resource,
		Record:        record,
		TimeExtracted: &extracted,
	}, false)
}

// EmitState implements StateEmitter.
func (s *Singer) EmitState(_ context.Context, resource string, watermark int64) error {
	s.mu.Lock()
	s.bookmarks[resource] = Bookmark{Watermark: watermark}
	snapshot := make(map[string]Bookmark, len(s.bookmarks))
	for k, v := range s.bookmarks {
		snapshot[k] = v
	}
	s.mu.Unlock()

	return s.write(Message{Type: TypeState, Value: &StateValue{Bookmarks: snapshot}}, true)
}

func (s *Singer) write(msg Message, flush bool) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeEmit, "encode message").WithDetail("stream", msg.Stream)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, errors.ErrorTypeEmit, "write message").WithDetail("stream", msg.Stream)
	}
	if flush {
		if err := s.w.Flush(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeEmit, "flush output")
		}
	}
	return nil
}

// Flush writes any buffered messages.
func (s *Singer) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeEmit, "flush output")
	}
	return nil
}
