package engine

import (
	"context"
	"sync"
)

// workerPool runs a leased batch on a bounded number of goroutines.
type workerPool struct {
	size int
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = DefaultWorkers
	}
	return &workerPool{size: size}
}

// run calls handle for every process in batch and returns once all calls have
// finished. Once ctx is cancelled the remaining processes go to skip instead.
func (wp *workerPool) run(
	ctx context.Context,
	batch []*TransferProcess,
	handle func(*TransferProcess),
	skip func(*TransferProcess),
) {
	workerCount := wp.size
	if len(batch) < workerCount {
		workerCount = len(batch)
	}
	if workerCount == 0 {
		return
	}

	workQueue := make(chan *TransferProcess, len(batch))
	for _, p := range batch {
		workQueue <- p
	}
	close(workQueue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for p := range workQueue {
				select {
				case <-ctx.Done():
					skip(p)
					continue
				default:
				}
				handle(p)
			}
		}()
	}

	wg.Wait()
}
