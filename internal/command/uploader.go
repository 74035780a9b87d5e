package command

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"deviceagent/internal/httpclient"
)

// Sender delivers one command update to Cloud (`PATCH {service_url}commands/{id}`).
type Sender interface {
	Send(ctx context.Context, id string, update *Update) error
}

// Uploader serializes updates per command id: different commands upload in
// parallel, but a single command's updates are sent one at a time. If a
// newer update arrives before an older one is acknowledged, the older is
// collapsed — unless it is already terminal, which is never dropped.
type Uploader struct {
	sender Sender
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[string]*Update
	inFlight map[string]bool
	backoff  map[string]*httpclient.Backoff
}

// NewUploader builds an Uploader that delivers updates through sender.
func NewUploader(sender Sender, logger *slog.Logger) *Uploader {
	return &Uploader{
		sender:   sender,
		logger:   logger,
		pending:  make(map[string]*Update),
		inFlight: make(map[string]bool),
		backoff:  make(map[string]*httpclient.Backoff),
	}
}

// Enqueue schedules update for delivery. If an update for id is already
// pending and not yet terminal, it is replaced; a pending terminal update is
// never replaced or dropped.
func (u *Uploader) Enqueue(id string, update *Update) {
	u.mu.Lock()
	if existing, ok := u.pending[id]; ok && existing.State.Terminal() {
		u.mu.Unlock()
		return
	}
	u.pending[id] = update
	alreadyRunning := u.inFlight[id]
	if !alreadyRunning {
		u.inFlight[id] = true
	}
	u.mu.Unlock()

	if !alreadyRunning {
		go u.drain(id)
	}
}

func (u *Uploader) drain(id string) {
	for {
		u.mu.Lock()
		update, ok := u.pending[id]
		if !ok {
			u.inFlight[id] = false
			u.mu.Unlock()
			return
		}
		delete(u.pending, id)
		u.mu.Unlock()

		err := u.sender.Send(context.Background(), id, update)
		if err != nil {
			if u.logger != nil {
				u.logger.Warn("command update delivery failed", "command", id, "state", update.State, "err", err)
			}
			// The update that failed to send becomes pending again so the
			// retry carries the same (possibly now-stale-but-never-regressed)
			// state rather than being silently dropped.
			u.mu.Lock()
			if existing, ok := u.pending[id]; !ok || !existing.State.Terminal() {
				u.pending[id] = update
			}
			b, ok := u.backoff[id]
			if !ok {
				b = httpclient.DefaultBackoff()
				u.backoff[id] = b
			}
			delay := b.Next()
			u.mu.Unlock()

			time.Sleep(delay)
			continue
		}

		u.mu.Lock()
		delete(u.backoff, id)
		u.mu.Unlock()
	}
}
