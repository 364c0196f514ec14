package extract

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
)

var (
	// ErrNotFound lets decoders report "no code" without signalling failure.
	ErrNotFound = errors.New("extract: no code found")
	// ErrFailed marks an internal engine failure.
	ErrFailed = errors.New("extract: extraction failed")
)

// Result is the single value delivered for one extraction.
type Result struct {
	Candidates []Candidate
	Err        error
}

// Decoder is a synchronous decoding engine.
type Decoder interface {
	Decode(ctx context.Context, img image.Image) ([]Candidate, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(ctx context.Context, img image.Image) ([]Candidate, error)

func (f DecoderFunc) Decode(ctx context.Context, img image.Image) ([]Candidate, error) {
	return f(ctx, img)
}

// Extractor delivers exactly one Result per call on the returned channel,
// which is closed afterwards. Extract never blocks on decoding.
type Extractor interface {
	Extract(ctx context.Context, img image.Image) <-chan Result
}

// Async wraps a Decoder so decoding runs on its own goroutine.
func Async(d Decoder) Extractor {
	return &asyncExtractor{decoder: d}
}

type asyncExtractor struct {
	decoder Decoder
}

func (a *asyncExtractor) Extract(ctx context.Context, img image.Image) <-chan Result {
	out := make(chan Result, 1)
	var once sync.Once
	deliver := func(res Result) {
		once.Do(func() {
			out <- res
			close(out)
		})
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				deliver(Result{Err: fmt.Errorf("%w: decoder panic: %v", ErrFailed, r)})
			}
		}()
		deliver(a.run(ctx, img))
	}()
	return out
}

func (a *asyncExtractor) run(ctx context.Context, img image.Image) Result {
	if a.decoder == nil {
		return Result{Err: fmt.Errorf("%w: no decoder configured", ErrFailed)}
	}
	if img == nil {
		return Result{Err: fmt.Errorf("%w: nil image", ErrFailed)}
	}
	if err := ctx.Err(); err != nil {
		return Result{Err: fmt.Errorf("%w: %v", ErrFailed, err)}
	}
	cands, err := a.decoder.Decode(ctx, img)
	switch {
	case errors.Is(err, ErrNotFound):
		return Result{}
	case err != nil:
		if errors.Is(err, ErrFailed) {
			return Result{Err: err}
		}
		return Result{Err: fmt.Errorf("%w: %v", ErrFailed, err)}
	}
	return Result{Candidates: append([]Candidate(nil), cands...)}
}
