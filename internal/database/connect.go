package database

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ApplicationName identifies engine connections in pg_stat_activity and
// CLIENT LIST.
const ApplicationName = "exstem-engine"

const connectBackoff = time.Second

// pingUntilReady pings a freshly built backend up to tries times, doubling
// the wait between tries.
func pingUntilReady(ctx context.Context, backend string, tries int, backoff time.Duration, ping func(context.Context) error, log zerolog.Logger) error {
	if tries < 1 {
		tries = 1
	}
	var err error
	for try := 1; try <= tries; try++ {
		if err = ping(ctx); err == nil {
			return nil
		}
		if try == tries {
			break
		}
		log.Warn().Err(err).
			Str("backend", backend).
			Int("try", try).
			Dur("retry_in", backoff).
			Msg("Backend not ready")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return fmt.Errorf("%s not ready after %d tries: %w", backend, tries, err)
}
