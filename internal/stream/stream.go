// Package stream is a minimal stand-in for the out-of-scope streaming
// evaluator's lazy sequence, adapted from a one-at-a-time cursor into a
// batch-sized pull API since serving a continuation operates on
// batches, not single documents.
package stream

import "errors"

// ErrInterrupted is returned by Producer.Next when done fires before a
// batch could be completed. Callers translate this into their own
// cancellation error type; the stream package has no notion of one.
var ErrInterrupted = errors.New("stream: interrupted")

// BatchKind selects how many/which elements to pull next.
type BatchKind int

const (
	// NormalFirst is requested for the first batch of a stream.
	NormalFirst BatchKind = iota
	// Normal is requested for every subsequent batch.
	Normal
)

// Batch is one response-sized chunk of a streaming result.
type Batch struct {
	Items []interface{}
}

// Producer is a lazy sequence producer. Next returns the next batch of
// up to size items; exhausted is true once the producer has no more
// data to offer (the returned batch may still contain trailing items on
// the same call that reports exhausted). done is checked while
// assembling the batch so a producer that would otherwise block (or
// simply take a while) can be cut short; implementations that can't
// block mid-batch still ought to check it each iteration so a
// concurrent stop or admin kill is observed promptly.
type Producer interface {
	Next(kind BatchKind, size int, done <-chan struct{}) (batch Batch, exhausted bool, err error)
	// Close releases any resources held by the producer.
	Close() error
	// CfeedType classifies this producer; "not_feed" for an ordinary
	// (non-changefeed) stream.
	CfeedType() CfeedType
	// Notes lets the producer append protocol notes beyond the
	// cfeed-type ones.
	Notes() []string
}

// CfeedType classifies a stream for the purposes of terminal-response
// annotation.
type CfeedType string

const (
	NotFeed      CfeedType = "not_feed"
	Feed         CfeedType = "stream"
	PointFeed    CfeedType = "point"
	OrderByLimit CfeedType = "orderby_limit"
	UnionedFeed  CfeedType = "unioned"
)

// RangeProducer produces the integers [0, N) in ascending order, the
// one stream shape this stand-in's term compiler can build (see
// internal/term.RangeNode). It is not a change feed.
type RangeProducer struct {
	next, limit int
	closed      bool
}

// NewRangeProducer returns a Producer yielding 0..limit-1.
func NewRangeProducer(limit int) *RangeProducer {
	return &RangeProducer{limit: limit}
}

func (p *RangeProducer) Next(kind BatchKind, size int, done <-chan struct{}) (Batch, bool, error) {
	if size <= 0 {
		size = 1
	}
	items := make([]interface{}, 0, size)
	for len(items) < size && p.next < p.limit {
		select {
		case <-done:
			return Batch{}, false, ErrInterrupted
		default:
		}
		items = append(items, p.next)
		p.next++
	}
	return Batch{Items: items}, p.next >= p.limit, nil
}

func (p *RangeProducer) Close() error {
	p.closed = true
	return nil
}

func (p *RangeProducer) CfeedType() CfeedType { return NotFeed }

func (p *RangeProducer) Notes() []string { return nil }
