package grader

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/mlebrun/mathgrader/internal/model"
)

// CorrectBatch corrects many submissions with bounded parallelism. Each
// submission is isolated: one failure never aborts the others, and the
// result reports successes and failures separately. Cancellation is
// best-effort between submissions; a submission already started runs to
// completion.
func (g *Grader) CorrectBatch(ctx context.Context, submissionIDs []string, concurrency int64) model.BatchResult {
	if concurrency < 1 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(concurrency)

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result model.BatchResult
	)

	for _, id := range submissionIDs {
		if ctx.Err() != nil {
			mu.Lock()
			result.Failed = append(result.Failed, model.BatchItemError{
				SubmissionID: id,
				Err:          "batch cancelled",
			})
			mu.Unlock()
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Failed = append(result.Failed, model.BatchItemError{
				SubmissionID: id,
				Err:          "batch cancelled",
			})
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer sem.Release(1)

			// Detach from the batch context: an in-flight submission is
			// allowed to complete after cancellation.
			err := g.Run(context.WithoutCancel(ctx), id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed = append(result.Failed, model.BatchItemError{
					SubmissionID: id,
					Err:          err.Error(),
				})
				return
			}
			result.Succeeded = append(result.Succeeded, id)
		}(id)
	}

	wg.Wait()
	return result
}
