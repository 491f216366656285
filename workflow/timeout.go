package workflow

import (
	"context"
	"fmt"
	"time"
)

// handlerTimeout resolves the effective timeout for one handler invocation:
// the executor's own ExecutorPolicy.Timeout if set, else the engine's
// Options.DefaultHandlerTimeout, else unbounded.
func handlerTimeout(policy *ExecutorPolicy, defaultTimeout time.Duration) time.Duration {
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}
	return defaultTimeout
}

// invokeWithTimeout runs fn under a derived context bounded by timeout (if
// positive), translating a deadline-exceeded outcome into a WorkflowError
// carrying the executor id for diagnostics.
func invokeWithTimeout(ctx context.Context, executorID ExecutorID, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(timeoutCtx)
	if timeoutCtx.Err() == context.DeadlineExceeded {
		return newError(ErrCodeHandlerTimeout, fmt.Sprintf("executor %s exceeded timeout of %v", executorID, timeout), err)
	}
	return err
}
