package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
)

// Event-stream response headers.
const (
	ContentType  = "text/event-stream"
	CacheControl = "no-cache"
	Connection   = "keep-alive"
)

// Outcome describes how a relayed stream ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "producer_error"
	OutcomeAbandoned Outcome = "client_gone"
)

// Result summarizes one relay.
type Result struct {
	Outcome Outcome
	Frames  int
	Bytes   int64
	// Err is the producer or write error that ended the relay, nil on completion.
	Err error
}

var (
	dataPrefix = []byte("data: ")
	lineEnd    = []byte("\n")
)

// Frame encodes one chunk as a server-sent event. Multi-line chunks become
// one data field per line.
func Frame(chunk []byte) []byte {
	var buf bytes.Buffer
	lines := bytes.Split(bytes.TrimRight(chunk, "\n"), lineEnd)
	for _, l := range lines {
		buf.Write(dataPrefix)
		buf.Write(bytes.TrimRight(l, "\r"))
		buf.Write(lineEnd)
	}
	buf.Write(lineEnd)
	return buf.Bytes()
}

// Relay pulls chunks from src and writes each as an event frame to w,
// calling flush after every frame so the client sees it before the next
// chunk is produced. src is always closed on return.
//
// A producer error ends the relay without writing anything further: the
// event stream is already underway, so no error payload is appended. A write
// or flush failure (client gone) or ctx cancellation stops pulling at once.
func Relay(ctx context.Context, src Stream, w io.Writer, flush func() error) Result {
	defer func() { _ = src.Close() }()

	var res Result
	for {
		if err := ctx.Err(); err != nil {
			res.Outcome, res.Err = OutcomeAbandoned, err
			return res
		}

		chunk, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			res.Outcome = OutcomeCompleted
			return res
		}
		if err != nil {
			if ctx.Err() != nil {
				res.Outcome, res.Err = OutcomeAbandoned, err
				return res
			}
			res.Outcome, res.Err = OutcomeFailed, err
			return res
		}

		n, err := w.Write(Frame(chunk))
		res.Bytes += int64(n)
		if err != nil {
			res.Outcome, res.Err = OutcomeAbandoned, err
			return res
		}
		if flush != nil {
			if err := flush(); err != nil {
				res.Outcome, res.Err = OutcomeAbandoned, err
				return res
			}
		}
		res.Frames++
	}
}

// Observe wraps src so that onChunk sees the size of every produced chunk
// and onClose sees how consumption ended. Either hook may be nil.
func Observe(src Stream, onChunk func(n int), onClose func(Outcome)) Stream {
	var (
		mu      sync.Mutex
		outcome = OutcomeAbandoned
	)
	return FromFunc(func(ctx context.Context) ([]byte, error) {
		c, err := src.Next(ctx)
		mu.Lock()
		defer mu.Unlock()
		switch {
		case errors.Is(err, io.EOF):
			outcome = OutcomeCompleted
		case err != nil && ctx.Err() == nil:
			outcome = OutcomeFailed
		case err == nil && onChunk != nil:
			onChunk(len(c))
		}
		return c, err
	}, func() error {
		err := src.Close()
		if onClose != nil {
			mu.Lock()
			o := outcome
			mu.Unlock()
			onClose(o)
		}
		return err
	})
}
