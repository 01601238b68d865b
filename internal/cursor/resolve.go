package cursor

import (
	"context"
	"errors"
	"time"

	logx "campbridge/pkg/logx"
)

// Loader is the read half of Store.
type Loader interface {
	Load(ctx context.Context) (Cursor, error)
}

// Resolve returns the stored cursor, or Default(now, hours) when the stored
// state is missing or corrupt. It reports whether the value came from the store.
func Resolve(ctx context.Context, store Loader, now time.Time, hours int, log logx.Logger) (Cursor, bool) {
	c, err := store.Load(ctx)
	if err == nil {
		return c, true
	}

	def := Default(now, hours)
	if errors.Is(err, ErrCorruptState) {
		log.Warn("resume cursor unusable; starting from lookback window",
			logx.Err(err),
			logx.Int("initial_history_hours", hours),
			logx.String("cursor", def.String()),
		)
	} else {
		log.Warn("resume cursor load failed; starting from lookback window",
			logx.Err(err),
			logx.String("cursor", def.String()),
		)
	}
	return def, false
}
