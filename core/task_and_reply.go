package core

import (
	"context"
)

// TaskWithResult is a task that produces a value for its reply.
type TaskWithResult[T any] func(ctx context.Context) (T, error)

// ReplyWithResult consumes the value produced by a TaskWithResult.
type ReplyWithResult[T any] func(ctx context.Context, result T, err error)

// PostTaskAndReply runs task on targetRunner and, if it returns without
// panicking, posts reply to replyRunner.
func PostTaskAndReply(targetRunner TaskRunner, task Task, reply Task, replyRunner TaskRunner) {
	if replyRunner == nil {
		targetRunner.PostTask(task)
		return
	}

	targetRunner.PostTask(func(ctx context.Context) {
		// A panic unwinds past the PostTask below; the runner recovers and
		// reports it, and reply never runs.
		task(ctx)
		replyRunner.PostTask(reply)
	})
}

// PostTaskAndReplyWithResult executes a task that returns a result of type T and an error,
// then passes that result to a reply callback on the replyRunner.
//
// The task always completes before the reply starts, and the reply sees the
// values written by the task.
func PostTaskAndReplyWithResult[T any](
	targetRunner TaskRunner,
	task TaskWithResult[T],
	reply ReplyWithResult[T],
	replyRunner TaskRunner,
) {
	var result T
	var err error

	PostTaskAndReply(
		targetRunner,
		func(ctx context.Context) {
			result, err = task(ctx)
		},
		func(ctx context.Context) {
			reply(ctx, result, err)
		},
		replyRunner,
	)
}
