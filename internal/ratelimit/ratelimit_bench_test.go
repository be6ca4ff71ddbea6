package ratelimit

import (
	"context"
	"fmt"
	"testing"
)

func BenchmarkMemory_Allow(b *testing.B) {
	m := NewMemory(Limits{PerMinute: 1 << 20, PerHour: 1 << 24})
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Allow(ctx, "tenant:bench")
	}
}

func BenchmarkMemory_Allow_Parallel(b *testing.B) {
	m := NewMemory(Limits{PerMinute: 1 << 20, PerHour: 1 << 24})
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			m.Allow(ctx, "tenant:bench")
		}
	})
}

func BenchmarkMemory_Allow_ManyIdentities(b *testing.B) {
	m := NewMemory(Limits{PerMinute: 1 << 20, PerHour: 1 << 24})
	ctx := context.Background()

	identities := make([]string, 1024)
	for i := range identities {
		identities[i] = fmt.Sprintf("tenant:%d", i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Allow(ctx, identities[i%len(identities)])
	}
}
