// Package sseframe reconstructs SSE data records from an upstream body that
// arrives in arbitrarily split chunks.
package sseframe

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ChunkSource yields the chunks of an in-flight response body. Next returns
// io.EOF at end of stream. The returned slice is valid until the next call.
type ChunkSource interface {
	Next() ([]byte, error)
}

// Phase names the pipeline step that failed.
type Phase int

const (
	// PhaseRead: the chunk source failed.
	PhaseRead Phase = iota
	// PhaseDecode: a chunk was not valid UTF-8.
	PhaseDecode
	// PhaseEmit: the record consumer refused a record.
	PhaseEmit
)

// String returns a short phase name for logs and metric labels.
func (p Phase) String() string {
	switch p {
	case PhaseRead:
		return "read"
	case PhaseDecode:
		return "decode"
	case PhaseEmit:
		return "emit"
	default:
		return "unknown"
	}
}

// Failure is returned by Reframe when the pipeline halts early.
type Failure struct {
	Phase Phase
	Err   error
}

func (f *Failure) Error() string { return f.Phase.String() + ": " + f.Err.Error() }

func (f *Failure) Unwrap() error { return f.Err }

// Stats summarizes one Reframe run.
type Stats struct {
	Chunks        int
	Lines         int
	Records       int
	DroppedLabels int
}

// Reframe drains src through a line reassembler and data-field extractor,
// calling emit for every record as soon as it is produced. It returns when
// src is exhausted or on the first read, decode, or emit failure; no record
// is emitted after a failure.
func Reframe(ctx context.Context, src ChunkSource, emit func(ctx context.Context, record string) error) (Stats, error) {
	var (
		lines Lines
		ex    Extractor
		st    Stats
	)

	feed := func(line string) error {
		st.Lines++
		rec, ok := ex.Line(line)
		if !ok {
			return nil
		}
		if err := emit(ctx, rec); err != nil {
			return &Failure{Phase: PhaseEmit, Err: err}
		}
		st.Records++
		return nil
	}

	for {
		chunk, err := src.Next()
		if len(chunk) > 0 {
			st.Chunks++
			complete, decErr := lines.Feed(chunk)
			if decErr != nil {
				st.DroppedLabels = ex.Dropped()
				phase := PhaseDecode
				if errors.Is(decErr, ErrLineTooLong) {
					phase = PhaseRead
				}
				return st, &Failure{Phase: phase, Err: decErr}
			}
			for _, line := range complete {
				if ferr := feed(line); ferr != nil {
					st.DroppedLabels = ex.Dropped()
					return st, ferr
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			st.DroppedLabels = ex.Dropped()
			return st, &Failure{Phase: PhaseRead, Err: err}
		}
	}

	last, ok, err := lines.Flush()
	if err != nil {
		st.DroppedLabels = ex.Dropped()
		return st, &Failure{Phase: PhaseDecode, Err: err}
	}
	if ok {
		if ferr := feed(last); ferr != nil {
			st.DroppedLabels = ex.Dropped()
			return st, ferr
		}
	}
	ex.Finish()
	st.DroppedLabels = ex.Dropped()
	return st, nil
}

// ReframeAll runs Reframe over an in-memory chunk list and collects the
// records. Intended for tests and diagnostics.
func ReframeAll(chunks ...[]byte) ([]string, error) {
	var out []string
	_, err := Reframe(context.Background(), &sliceSource{chunks: chunks}, func(_ context.Context, rec string) error {
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("reframe: %w", err)
	}
	return out, nil
}

type sliceSource struct {
	chunks [][]byte
}

func (s *sliceSource) Next() ([]byte, error) {
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}
