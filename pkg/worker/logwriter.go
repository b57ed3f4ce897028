package worker

import (
	"context"

	"github.com/clisend/clisend/internal/logger"
	"github.com/clisend/clisend/pkg/translog"
)

// LogWriter funnels transfer log appends from all sessions through one
// goroutine, so the store sees a single writer and entries from an
// individual session keep their submission order.
type LogWriter struct {
	*role
	store *translog.Store
}

func newLogWriter(store *translog.Store) *LogWriter {
	l := &LogWriter{
		role:  newRole("logger", queueDepth),
		store: store,
	}
	go l.run(l.handle)
	return l
}

func (l *LogWriter) handle(op any) (any, error) {
	entry, err := l.store.Append(context.Background(), op.(translog.Entry))
	if err != nil {
		return nil, err
	}
	logger.Debug("translog: %s %s %s %s", entry.Alias, entry.Operation, entry.TargetPath, entry.Outcome)
	return entry, nil
}

// Append durably records one entry and returns it with its sequence
// number. Sessions call this only after the operation's filesystem effect
// is settled, so the log never runs ahead of the disk.
func (l *LogWriter) Append(ctx context.Context, entry translog.Entry) (translog.Entry, error) {
	v, err := l.submit(ctx, entry)
	if err != nil {
		return translog.Entry{}, err
	}
	return v.(translog.Entry), nil
}
