package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map is a parallel mapping function, which can run the mapFuncs in a parallel and wait for
// completions. The input and output are represented as iterators, so the typical usage is.
// Map is context aware, so canceled context ends the processing.
//
//	for result, err := range pmap.Iter(input) {}
//
// Results come in the order of completion. An error of the input sequence is
// passed through with a zero result.
type Map[E, D any] struct {
	parentCtx    context.Context
	cancelParent context.CancelFunc
	g            *errgroup.Group
	gctx         context.Context
	mapped       chan result[D]
	mapFunc      func(context.Context, E) (D, error)
}

func NewMap[E, D any](parentCtx context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	limit = max(limit, 1)
	parentCtx, cancelParent := context.WithCancel(parentCtx)
	g, gctx := errgroup.WithContext(parentCtx)
	// one more for the goroutine feeding the workers
	g.SetLimit(limit + 1)

	mapped := make(chan result[D], limit)

	return &Map[E, D]{
		parentCtx:    parentCtx,
		cancelParent: cancelParent,
		g:            g,
		gctx:         gctx,
		mapped:       mapped,
		mapFunc:      mapFunc,
	}
}

func (s *Map[E, D]) goWorkers(seq iter.Seq2[E, error]) {
	s.g.Go(func() error {
		for entry, nerr := range seq {
			if nerr != nil {
				var zero D
				if !s.send(result[D]{d: zero, e: nerr}) {
					return s.gctx.Err()
				}
				continue
			}
			if err := s.gctx.Err(); err != nil {
				return err
			}
			s.g.Go(func() error {
				d, err := s.mapFunc(s.gctx, entry)
				if !s.send(result[D]{d: d, e: err}) {
					return s.gctx.Err()
				}
				return nil
			})
		}
		return nil
	})
}

// send blocks until the consumer takes r or the processing ends.
func (s *Map[E, D]) send(r result[D]) bool {
	select {
	case <-s.gctx.Done():
		return false
	case s.mapped <- r:
		return true
	}
}

func (s *Map[E, D]) Iter(seq iter.Seq2[E, error]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		defer s.cancelParent()
		s.goWorkers(seq)

		go func() {
			_ = s.g.Wait()
			close(s.mapped)
		}()

		for r := range s.mapped {
			if s.parentCtx.Err() != nil {
				return
			}
			if !yield(r.d, r.e) {
				return
			}
		}
	}
}
