package queue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Notification is a message received on a LISTEN channel.
type Notification struct {
	Channel string
	Payload string
}

// Listener holds a dedicated pool connection subscribed to the worker
// channels.
type Listener struct {
	conn *pgxpool.Conn
}

// Listen acquires a connection and subscribes it to ChannelJobsInsert and
// ChannelMigrate.
func (s *Service) Listen(ctx context.Context) (*Listener, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	for _, ch := range []string{ChannelJobsInsert, ChannelMigrate} {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			conn.Release()
			return nil, fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	return &Listener{conn: conn}, nil
}

// Wait blocks until a notification arrives, ctx ends or the connection
// fails.
func (l *Listener) Wait(ctx context.Context) (Notification, error) {
	n, err := l.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return Notification{}, err
	}
	return Notification{Channel: n.Channel, Payload: n.Payload}, nil
}

// Close unsubscribes and returns the connection to the pool. A connection
// that cannot be cleanly unsubscribed is destroyed instead.
func (l *Listener) Close(ctx context.Context) {
	if l == nil || l.conn == nil {
		return
	}
	if _, err := l.conn.Exec(ctx, "UNLISTEN *"); err != nil {
		_ = l.conn.Conn().Close(ctx)
	}
	l.conn.Release()
	l.conn = nil
}
