package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"dbops-orchestrator/internal/domain"
)

const (
	storeWriteAttempts = 3
	storeWriteTimeout  = 5 * time.Second
)

// storeWriteBackoff is the pause before the second write attempt; it doubles after that.
var storeWriteBackoff = 200 * time.Millisecond

// WriteWithRetry runs a store write on a context detached from run
// cancellation, retrying a bounded number of times. The final error is
// logged and returned for the caller to inspect, never to propagate.
func WriteWithRetry(ctx context.Context, logger *slog.Logger, op string, write func(context.Context) error) error {
	ctx = context.WithoutCancel(ctx)
	var err error
	wait := storeWriteBackoff
	for attempt := 1; attempt <= storeWriteAttempts; attempt++ {
		wctx, cancel := context.WithTimeout(ctx, storeWriteTimeout)
		err = write(wctx)
		cancel()
		if err == nil || permanent(err) {
			break
		}
		if attempt < storeWriteAttempts {
			logger.Warn("store write failed, retrying", "op", op, "attempt", attempt, "error", err)
			time.Sleep(wait)
			wait *= 2
		}
	}
	if err != nil {
		logger.Error("store write failed", "op", op, "error", err)
	}
	return err
}

func permanent(err error) bool {
	return errors.Is(err, domain.ErrRunFinal) ||
		errors.Is(err, domain.ErrRunNotFound) ||
		errors.Is(err, domain.ErrIncidentNotFound) ||
		errors.Is(err, domain.ErrIncidentResolved) ||
		errors.Is(err, domain.ErrLevelRegression)
}
