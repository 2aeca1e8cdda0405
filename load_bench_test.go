package loader

import (
	"context"
	"sync/atomic"
	"testing"
)

func BenchmarkLoad(b *testing.B) {
	b.Run("Load cached", func(b *testing.B) {
		calls := atomic.Int32{}
		l := NewBuilder[int, string](fetchItoa(&calls)).Build()
		ctx := context.Background()
		if _, err := l.Load(ctx, 1); err != nil {
			b.Fatalf("error loading: %v", err)
		}
		for b.Loop() {
			if _, err := l.Load(ctx, 1); err != nil {
				b.Fatalf("error loading: %v", err)
			}
		}
		if err := l.Close(ctx); err != nil {
			panic(err)
		}
	})

	b.Run("LoadMany fresh", func(b *testing.B) {
		calls := atomic.Int32{}
		ctx := context.Background()
		keys := make([]int, 100)
		for i := range keys {
			keys[i] = i
		}
		for b.Loop() {
			l := NewBuilder[int, string](fetchItoa(&calls)).Configure(WithDelay(0)).Build()
			if _, err := l.LoadMany(ctx, keys); err != nil {
				b.Fatalf("error loading: %v", err)
			}
			if err := l.Close(ctx); err != nil {
				panic(err)
			}
		}
	})
}
