package generation

import (
	"context"
	"strings"
	"sync"

	"github.com/medrex/scribe/pkg/types"
)

// Progress reports how much streamed output has been received
type Progress struct {
	Chunks int `json:"chunks"`
	Bytes  int `json:"bytes"`
}

// Observer is notified after every append
type Observer interface {
	OnProgress(Progress)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Progress)

func (f ObserverFunc) OnProgress(p Progress) { f(p) }

// Accumulator is an append-only buffer for streamed output
type Accumulator struct {
	mu     sync.Mutex
	buf    strings.Builder
	chunks int
}

// Append adds a chunk and returns the progress so far
func (a *Accumulator) Append(text string) Progress {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf.WriteString(text)
	a.chunks++
	return Progress{Chunks: a.chunks, Bytes: a.buf.Len()}
}

// Progress returns the progress so far
func (a *Accumulator) Progress() Progress {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Progress{Chunks: a.chunks, Bytes: a.buf.Len()}
}

// String returns everything appended so far
func (a *Accumulator) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.String()
}

func (a *Accumulator) discard() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buf.Reset()
	a.chunks = 0
}

// Collect drains chunks into an accumulator and returns the full text once
// the channel closes. Cancellation or a chunk error discards everything
// received; partial output is never returned. observer may be nil.
func Collect(ctx context.Context, chunks <-chan Chunk, observer Observer) (string, error) {
	var acc Accumulator
	for {
		select {
		case <-ctx.Done():
			acc.discard()
			return "", types.NewGenerationError("generation cancelled", ctx.Err())
		case chunk, ok := <-chunks:
			if !ok {
				if err := ctx.Err(); err != nil {
					acc.discard()
					return "", types.NewGenerationError("generation cancelled", err)
				}
				return acc.String(), nil
			}
			if chunk.Err != nil {
				acc.discard()
				return "", types.NewGenerationError("model stream failed", chunk.Err)
			}
			p := acc.Append(chunk.Text)
			if observer != nil {
				observer.OnProgress(p)
			}
		}
	}
}
