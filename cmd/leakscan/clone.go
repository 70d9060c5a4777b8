package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ahrav/leakscan/pkg/common/logger"
)

type cloner interface {
	Clone(ctx context.Context, url, dir string) error
}

// newCloneBackoff is replaced in tests.
var newCloneBackoff = func() backoff.BackOff {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 2 * time.Minute
	expBackoff.InitialInterval = 2 * time.Second
	return expBackoff
}

// cloneWithRetry clones url into dir, retrying transient failures with
// exponential backoff. dir is emptied before every attempt since git refuses
// to clone into a non-empty directory.
func cloneWithRetry(ctx context.Context, log *logger.Logger, c cloner, url, dir string) error {
	attempt := 0
	operation := func() error {
		attempt++
		if err := resetDir(dir); err != nil {
			return err
		}
		err := c.Clone(ctx, url, dir)
		if err != nil {
			log.Warn(ctx, "clone attempt failed", "url", url, "attempt", attempt, "error", err)
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(newCloneBackoff(), ctx)); err != nil {
		return fmt.Errorf("failed to clone %s after %d attempts: %w", url, attempt, err)
	}
	log.Debug(ctx, "repository cloned", "url", url, "dir", dir, "attempts", attempt)
	return nil
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear clone directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create clone directory: %w", err)
	}
	return nil
}
