package pool

import (
	"context"
	"encoding/json"
	"time"

	"github.com/graphile/worker-sub000/internal/backoff"
	"github.com/graphile/worker-sub000/internal/db"
	"github.com/graphile/worker-sub000/internal/events"
	"github.com/graphile/worker-sub000/internal/queue"
)

const listenerCloseTimeout = 5 * time.Second

// Listener delivers notifications from a dedicated connection.
type Listener interface {
	Wait(ctx context.Context) (queue.Notification, error)
	Close(ctx context.Context)
}

// ListenFunc opens a Listener subscribed to the worker channels.
type ListenFunc func(ctx context.Context) (Listener, error)

// ServiceListener adapts queue.Service.Listen.
func ServiceListener(svc *queue.Service) ListenFunc {
	return func(ctx context.Context) (Listener, error) {
		l, err := svc.Listen(ctx)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

type insertNotice struct {
	Count int `json:"count"`
}

// listenLoop keeps a listener connected, reconnecting with
// backoff.ListenerDelay after failures.
func (p *Pool) listenLoop(ctx context.Context) {
	attempts := 0
	for ctx.Err() == nil {
		p.emit(events.Event{Type: events.PoolListenConnecting, Attempts: attempts})
		l, err := p.opts.Listen(ctx)
		if err == nil {
			attempts = 0
			p.emit(events.Event{Type: events.PoolListenSuccess})
			// Notifications sent while disconnected are lost.
			p.Nudge(p.opts.Concurrency)
			err = p.consume(ctx, l)
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), listenerCloseTimeout)
			l.Close(closeCtx)
			cancel()
		}
		if ctx.Err() != nil {
			return
		}
		attempts++
		delay := backoff.ListenerDelay(attempts)
		p.logger.Error("Notification listener failed; reconnecting",
			"error", err, "attempts", attempts, "retry_in", delay)
		p.emit(events.Event{Type: events.PoolListenError, Attempts: attempts, Err: err})
		if backoff.Sleep(ctx, delay) != nil {
			return
		}
	}
}

func (p *Pool) consume(ctx context.Context, l Listener) error {
	for {
		n, err := l.Wait(ctx)
		if err != nil {
			return err
		}
		p.handleNotification(n)
	}
}

func (p *Pool) handleNotification(n queue.Notification) {
	switch n.Channel {
	case queue.ChannelJobsInsert:
		var notice insertNotice
		if err := json.Unmarshal([]byte(n.Payload), &notice); err != nil || notice.Count <= 0 {
			notice.Count = 1
		}
		p.Nudge(notice.Count)
	case queue.ChannelMigrate:
		var notice db.MigrationNotice
		if err := json.Unmarshal([]byte(n.Payload), &notice); err != nil {
			p.logger.Warn("Ignoring malformed migration notice", "payload", n.Payload, "error", err)
			return
		}
		p.emit(events.Event{Type: events.WorkerMigrate, Count: int(notice.MigrationNumber)})
		if notice.Breaking {
			p.logger.Warn("Breaking migration applied by another process; shutting down",
				"migration", notice.MigrationNumber)
			go p.GracefulShutdown("breaking migration")
		}
	}
}
