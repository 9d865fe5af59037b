package vision

import (
	"context"
	"sync"

	"flashback-datasets/lib/tables"
)

// Outcome pairs an image with its extraction result. Err is one of the
// package sentinels wrapped with context, or a context error when the
// batch was cancelled before the image was attempted.
type Outcome struct {
	Image   Image
	Records []tables.Record
	Err     error
}

// ExtractBatch runs extraction over images with the configured worker
// pool. Results keep input order. Cancellation lets in-flight calls
// finish or time out and marks the never-attempted remainder with the
// context error.
func (e *Extractor) ExtractBatch(ctx context.Context, images []Image) []Outcome {
	outcomes := make([]Outcome, len(images))
	for i, img := range images {
		outcomes[i] = Outcome{Image: img}
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < e.config.MaxConcurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				records, err := e.Extract(ctx, images[i])
				outcomes[i].Records = records
				outcomes[i].Err = err
			}
		}()
	}

	var unsent []int
loop:
	for i := range images {
		select {
		case jobs <- i:
		case <-ctx.Done():
			unsent = append(unsent, i)
			for j := i + 1; j < len(images); j++ {
				unsent = append(unsent, j)
			}
			break loop
		}
	}
	close(jobs)
	wg.Wait()

	for _, i := range unsent {
		outcomes[i].Err = ctx.Err()
	}
	return outcomes
}
