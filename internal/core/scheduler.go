package core

import "github.com/3cpo-dev/fleetroll/pkg/api"

// ChunkInputs splits a list of inputs into chunks of at most chunkSize.
func ChunkInputs[T any](inputs []T, chunkSize int) [][]T {
	if chunkSize <= 0 {
		return [][]T{inputs}
	}
	var chunks [][]T
	for i := 0; i < len(inputs); i += chunkSize {
		end := min(i+chunkSize, len(inputs))
		chunks = append(chunks, inputs[i:end])
	}
	return chunks
}

// step is one host of the rollout. entry is nil when the host is not in the
// catalog.
type step struct {
	pos   int
	name  string
	entry *api.HostEntry
}

// tierBatches groups consecutive steps of the same tier. Unknown hosts form
// a batch of their own so they never run alongside a real tier.
func tierBatches(steps []step) [][]step {
	var (
		batches [][]step
		cur     []step
		tier    api.HostTier
	)
	for _, s := range steps {
		if s.entry == nil {
			if len(cur) > 0 {
				batches = append(batches, cur)
				cur = nil
			}
			batches = append(batches, []step{s})
			continue
		}
		if len(cur) > 0 && s.entry.Tier != tier {
			batches = append(batches, cur)
			cur = nil
		}
		tier = s.entry.Tier
		cur = append(cur, s)
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}
