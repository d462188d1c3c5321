package core

import (
	"context"
	"testing"
	"time"

	"github.com/3cpo-dev/fleetroll/internal/catalog"
	"github.com/3cpo-dev/fleetroll/internal/commands"
)

func BenchmarkDeployAllDefaultCatalog(b *testing.B) {
	cat, err := catalog.Default()
	if err != nil {
		b.Fatalf("catalog: %v", err)
	}
	o := NewOrchestrator(cat, commands.NewBuilder("dev"), newMockExecutor(), Options{PollInterval: time.Millisecond})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := o.DeployAll(context.Background()); err != nil {
			b.Fatalf("deploy all: %v", err)
		}
	}
}

func BenchmarkChunkInputs(b *testing.B) {
	inputs := make([]string, 1000)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = ChunkInputs(inputs, 7)
	}
}
