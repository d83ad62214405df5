package eventlog

import (
	"context"
	"errors"
	"iter"
)

// CombinedEventLog composes an EventSink and EventSource into a full EventLog.
// The daemon uses it to query the memory log while forwarding to journald.
type CombinedEventLog struct {
	sink   EventSink
	source EventSource
}

var _ EventLog = (*CombinedEventLog)(nil)

// NewCombinedEventLog creates an EventLog from separate sink and source.
func NewCombinedEventLog(sink EventSink, source EventSource) *CombinedEventLog {
	return &CombinedEventLog{
		sink:   sink,
		source: source,
	}
}

// Write sends a structured entry via the sink.
func (c *CombinedEventLog) Write(message string, fields map[string]string) error {
	return c.sink.Write(message, fields)
}

// Poll reads entries matching filters since cursor.
func (c *CombinedEventLog) Poll(ctx context.Context, filters []EventFilter, cursor string) ([]EventRecord, string, error) {
	return c.source.Poll(ctx, filters, cursor)
}

// Follow returns an iterator over entries matching filters.
func (c *CombinedEventLog) Follow(ctx context.Context, filters []EventFilter) iter.Seq[EventRecord] {
	return c.source.Follow(ctx, filters)
}

// Close releases resources from both sink and source. The source may also be
// part of the sink, so sources must tolerate a second Close.
func (c *CombinedEventLog) Close() error {
	return errors.Join(c.sink.Close(), c.source.Close())
}

// Tee returns a sink that writes every entry to all sinks. A failing sink
// does not stop the others; their errors are joined.
func Tee(sinks ...EventSink) EventSink {
	return teeSink(sinks)
}

type teeSink []EventSink

func (t teeSink) Write(message string, fields map[string]string) error {
	var errs []error
	for _, s := range t {
		if err := s.Write(message, fields); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t teeSink) Close() error {
	var errs []error
	for _, s := range t {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
