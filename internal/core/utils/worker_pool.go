package utils

import "sync"

type CompletedTask[In any, Out any] struct {
	Input  In
	Result Out
	Error  error
}

// RunInPool applies worker to every item of queue using up to maxWorkers
// goroutines. completed is closed after queue is closed and drained.
func RunInPool[In any, Out any](worker func(In) (Out, error), queue chan In, completed chan CompletedTask[In, Out], maxWorkers int) {
	workers := maxWorkers
	if n := len(queue); n > 0 && n < workers {
		workers = n
	}
	if workers < 1 {
		workers = 1
	}

	go func() {
		wg := sync.WaitGroup{}
		wg.Add(workers)

		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()

				for next := range queue {
					res, err := worker(next)
					completed <- CompletedTask[In, Out]{Input: next, Result: res, Error: err}
				}
			}()
		}

		wg.Wait()

		close(completed)
	}()
}
