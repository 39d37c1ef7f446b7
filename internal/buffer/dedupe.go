package buffer

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tinytelemetry/beacon/internal/model"
)

// dedupeSink remembers which item ids a sink already accepted, so a batch
// requeued after another sink failed is not written to this one twice.
type dedupeSink[T model.Identifiable] struct {
	inner Sink[T]
	seen  *lru.Cache[string, struct{}]
}

func newDedupeSink[T model.Identifiable](inner Sink[T], size int) *dedupeSink[T] {
	d := &dedupeSink[T]{inner: inner}
	if size > 0 {
		// lru.New only fails for non-positive sizes.
		d.seen, _ = lru.New[string, struct{}](size)
	}
	return d
}

func (d *dedupeSink[T]) Name() string { return d.inner.Name() }

func (d *dedupeSink[T]) Write(ctx context.Context, items []T) error {
	if d.seen == nil {
		return d.inner.Write(ctx, items)
	}
	fresh := make([]T, 0, len(items))
	for _, it := range items {
		id := it.Identity()
		if id != "" && d.seen.Contains(id) {
			continue
		}
		fresh = append(fresh, it)
	}
	if len(fresh) == 0 {
		return nil
	}
	if err := d.inner.Write(ctx, fresh); err != nil {
		return err
	}
	for _, it := range fresh {
		if id := it.Identity(); id != "" {
			d.seen.Add(id, struct{}{})
		}
	}
	return nil
}

// SinkFunc adapts a function to Sink.
type SinkFunc[T any] struct {
	SinkName string
	Fn       func(ctx context.Context, items []T) error
}

func (f SinkFunc[T]) Name() string { return f.SinkName }

func (f SinkFunc[T]) Write(ctx context.Context, items []T) error { return f.Fn(ctx, items) }
