package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"

	"github.com/wardenhq/warden/internal/lock"
	"github.com/wardenhq/warden/internal/model"
)

// RunOnce executes a single pipeline cycle without a resident daemon. The
// daemon lock is held for the duration so a one-shot run never races a live
// daemon's cycle; if a daemon is running, the caller should go through its
// control socket instead.
func RunOnce(ctx context.Context, wardenDir string, cfg model.Config, logWriter io.Writer) (*CycleReport, error) {
	fileLock := lock.NewFileLock(filepath.Join(wardenDir, "locks", "daemon.lock"))
	if err := fileLock.TryLock(); err != nil {
		return nil, fmt.Errorf("one-shot cycle: %w", err)
	}
	defer fileLock.Unlock()

	if logWriter == nil {
		logWriter = io.Discard
	}
	logger := log.New(logWriter, "", 0)
	level := parseLogLevel(cfg.Logging.Level)

	pipeline, _, healthLog, err := wire(wardenDir, cfg, nil, logger, level)
	if err != nil {
		return nil, err
	}
	defer healthLog.Close()

	return pipeline.Run(ctx)
}

// CollectStatus builds the status payload straight from the on-disk state,
// used when the daemon is not running.
func CollectStatus(wardenDir string, cfg model.Config) (*StatusData, error) {
	logger := log.New(io.Discard, "", 0)
	_, status, healthLog, err := wire(wardenDir, cfg, nil, logger, LogLevelError)
	if err != nil {
		return nil, err
	}
	defer healthLog.Close()
	return status.Collect()
}
