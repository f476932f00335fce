package memory

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper is implemented by stores that can evict expired entries in bulk.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// StartSweeper calls s.Sweep every interval until ctx is cancelled. It does
// nothing when interval is not positive.
func StartSweeper(ctx context.Context, s Sweeper, interval time.Duration, logger logrus.FieldLogger) {
	if s == nil || interval <= 0 {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := s.Sweep(ctx)
				if err != nil {
					logger.WithError(err).Warn("conversation memory sweep failed")
					continue
				}
				if removed > 0 {
					logger.WithField("removed", removed).Debug("swept expired conversation memory")
				}
			}
		}
	}()
}
