package db

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

const (
	listenerMinReconnect = 1 * time.Second
	listenerMaxReconnect = 30 * time.Second
	listenerPingInterval = 90 * time.Second
)

// ChangeListener relays PostgreSQL NOTIFY messages on one channel to an
// in-process callback. The callback also fires after every reconnect, since
// notifications sent while disconnected are lost.
type ChangeListener struct {
	dsn     string
	channel string
	logger  zerolog.Logger
}

func NewChangeListener(dsn, channel string, logger zerolog.Logger) *ChangeListener {
	return &ChangeListener{
		dsn:     dsn,
		channel: channel,
		logger:  logger.With().Str("component", "change-listener").Str("channel", channel).Logger(),
	}
}

// Run listens until ctx is cancelled. onChange receives the notification
// payload, or "" after a reconnect.
func (l *ChangeListener) Run(ctx context.Context, onChange func(payload string)) error {
	listener := pq.NewListener(l.dsn, listenerMinReconnect, listenerMaxReconnect, l.event)
	defer listener.Close()

	if err := listener.Listen(l.channel); err != nil {
		return fmt.Errorf("listen %s: %w", l.channel, err)
	}
	l.logger.Info().Msg("listening for changes")

	ping := time.NewTicker(listenerPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// Reconnected; anything sent meanwhile was missed.
				onChange("")
				continue
			}
			onChange(n.Extra)
		case <-ping.C:
			if err := listener.Ping(); err != nil {
				l.logger.Warn().Err(err).Msg("listener ping failed")
			}
		}
	}
}

func (l *ChangeListener) event(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		l.logger.Warn().Err(err).Msg("listener disconnected")
	case pq.ListenerEventReconnected:
		l.logger.Info().Msg("listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Error().Err(err).Msg("listener reconnect failed")
	}
}
