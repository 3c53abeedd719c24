package device

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// setupBenchRegistry loads a registry with n devices, half of them in
// group 1 which carries a speedLimit attribute.
func setupBenchRegistry(b *testing.B, n int) *Registry {
	b.Helper()
	store := NewMockStore()
	store.addGroup(&Group{ID: 1, Name: "fleet", Attributes: Attributes{"speedLimit": 90.0}})
	for i := 1; i <= n; i++ {
		d := testDevice(int64(i), fmt.Sprintf("35971004%07d", i))
		if i%2 == 0 {
			d.GroupID = 1
		}
		store.addDevice(d)
	}

	r := NewRegistry(RegistryOptions{
		Store:       store,
		Permissions: newMockPermissions(),
		Config:      stubConfig{},
		Settings:    Settings{IgnoreUnknown: true, LookupGroupsAttribute: true},
	})
	if err := r.Load(context.Background()); err != nil {
		b.Fatalf("Load() error = %v", err)
	}
	return r
}

func BenchmarkRegistryIdentify(b *testing.B) {
	r := setupBenchRegistry(b, 1000)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Identify(ctx, "359710040000500")
	}
}

func BenchmarkRegistryIdentify_Parallel(b *testing.B) {
	r := setupBenchRegistry(b, 1000)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			r.Identify(ctx, "359710040000500")
		}
	})
}

func BenchmarkRegistryAcceptPosition(b *testing.B) {
	r := setupBenchRegistry(b, 100)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p := testPosition(int64(i%100+1), int64(i+1), 0)
		p.FixTime = baseFix.Add(time.Duration(i) * time.Millisecond)
		r.AcceptPosition(ctx, p) //nolint:errcheck // benchmark
	}
}

func BenchmarkRegistryAttributeFloat64(b *testing.B) {
	r := setupBenchRegistry(b, 100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.AttributeFloat64(42, "speedLimit", 0, true) //nolint:errcheck // benchmark
	}
}
