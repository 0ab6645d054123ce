package notify

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"pimstore/internal/pim"
)

// Sink receives the events of one subscription, in order. An error ends
// the subscription.
type Sink interface {
	Deliver(ctx context.Context, ev pim.ChangeEvent) error
}

// FuncSink adapts a function to the Sink interface.
type FuncSink func(ctx context.Context, ev pim.ChangeEvent) error

func (f FuncSink) Deliver(ctx context.Context, ev pim.ChangeEvent) error {
	return f(ctx, ev)
}

// ChanSink delivers events to an in-process channel. A full channel blocks
// delivery for that subscriber only; the bus queue absorbs the backlog.
type ChanSink chan<- pim.ChangeEvent

func (c ChanSink) Deliver(ctx context.Context, ev pim.ChangeEvent) error {
	select {
	case c <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Frame is the wire form of a ChangeEvent on a StreamSink.
type Frame struct {
	Sequence       uint64   `cbor:"seq"`
	Kind           string   `cbor:"kind"`
	Operation      string   `cbor:"op"`
	ID             int64    `cbor:"id"`
	ParentID       int64    `cbor:"parent"`
	SourceParentID int64    `cbor:"source_parent,omitempty"`
	MimeType       string   `cbor:"mime"`
	Revision       int64    `cbor:"rev"`
	Resource       string   `cbor:"resource,omitempty"`
	Parts          []string `cbor:"parts,omitempty"`
	SessionID      string   `cbor:"session,omitempty"`
}

// NewFrame converts an event to its wire form.
func NewFrame(ev pim.ChangeEvent) Frame {
	return Frame{
		Sequence:       ev.Sequence,
		Kind:           ev.Kind.String(),
		Operation:      ev.Operation.String(),
		ID:             ev.ID,
		ParentID:       ev.ParentID,
		SourceParentID: ev.SourceParentID,
		MimeType:       ev.MimeType,
		Revision:       ev.Revision,
		Resource:       ev.Resource,
		Parts:          ev.Parts,
		SessionID:      ev.SessionID,
	}
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("notify: CBOR encoder initialization failed: " + err.Error())
	}
}

// StreamSink writes each event as one CBOR-encoded Frame to w. It is the
// sink for subscribers reached over a byte stream such as a socket.
//
// When the subscription ends mid-write, a writer with SetWriteDeadline
// (net.Conn, *os.File pipes) gets an immediate deadline; otherwise an
// io.Closer is closed. Either way a stalled peer cannot pin the delivery
// goroutine.
type StreamSink struct {
	mu  sync.Mutex
	w   io.Writer
	enc *cbor.Encoder
}

// NewStreamSink creates a StreamSink writing to w.
func NewStreamSink(w io.Writer) *StreamSink {
	return &StreamSink{w: w, enc: encMode.NewEncoder(w)}
}

func (s *StreamSink) Deliver(ctx context.Context, ev pim.ChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stop := context.AfterFunc(ctx, s.abort)
	defer stop()

	if err := s.enc.Encode(NewFrame(ev)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("writing event frame: %w", err)
	}
	return nil
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// abort unblocks a Write in progress.
func (s *StreamSink) abort() {
	if d, ok := s.w.(writeDeadliner); ok {
		if err := d.SetWriteDeadline(time.Now()); err == nil {
			return
		}
	}
	if c, ok := s.w.(io.Closer); ok {
		c.Close()
	}
}

// FrameReader decodes the frames written by a StreamSink.
type FrameReader struct {
	dec *cbor.Decoder
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{dec: cbor.NewDecoder(r)}
}

// Next returns the next frame, or io.EOF at the end of the stream.
func (r *FrameReader) Next() (Frame, error) {
	var f Frame
	if err := r.dec.Decode(&f); err != nil {
		return Frame{}, err
	}
	return f, nil
}
