// Package generation turns patient context into raw model output. The model
// itself is opaque: a prompt goes in and text comes out, either in one piece
// or as an ordered stream of chunks.
package generation

import "context"

// Generator produces the complete model output for a prompt
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// StreamGenerator produces model output as an ordered, finite stream. The
// channel is closed after the last chunk; a chunk carrying Err ends the
// stream.
type StreamGenerator interface {
	Stream(ctx context.Context, prompt string) (<-chan Chunk, error)
}

// Chunk is one piece of streamed model output
type Chunk struct {
	Text string
	Err  error
}
