package router

import (
	"context"
	"fmt"
	"time"

	"accessgraph.dev/shardconfig"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// ConfigReloader fetches the current shard configuration set from the
// config store. Supplied by the caller so this package stays agnostic to
// how the set is actually persisted.
type ConfigReloader func(ctx context.Context) (*shardconfig.Set, error)

// ConfigListener subscribes to a Postgres NOTIFY channel and reloads this
// Router's configuration whenever a notification arrives. The payload
// carries no data the Router needs, since ConfigReloader always re-fetches
// the full, current set.
type ConfigListener struct {
	pool    *pgxpool.Pool
	channel string
	router  *Router
	reload  ConfigReloader
	log     *logrus.Entry
	cancel  context.CancelFunc
}

// NewConfigListener builds a listener that, once started, keeps router's
// configuration in sync with notifications on channel.
func NewConfigListener(pool *pgxpool.Pool, channel string, router *Router, reload ConfigReloader, log *logrus.Entry) *ConfigListener {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ConfigListener{
		pool:    pool,
		channel: channel,
		router:  router,
		reload:  reload,
		log:     log.WithField("component", "router.ConfigListener"),
	}
}

// Start launches the background LISTEN loop. Stop cancels it.
func (l *ConfigListener) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go l.listenLoop(ctx)
}

// Stop ends the LISTEN loop.
func (l *ConfigListener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
}

// listenLoop maintains the LISTEN connection, reconnecting after a fixed
// delay on error.
func (l *ConfigListener) listenLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := l.listen(ctx); err != nil && ctx.Err() == nil {
				l.log.WithError(err).Warn("shard configuration listener lost connection, reconnecting")
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
		}
	}
}

// listen acquires a dedicated connection, issues LISTEN, and reloads the
// router's configuration once immediately and again on every subsequent
// notification.
func (l *ConfigListener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", l.channel)); err != nil {
		return fmt.Errorf("failed to start LISTEN on %s: %w", l.channel, err)
	}
	l.log.WithField("channel", l.channel).Info("listening for shard configuration changes")

	l.reloadConfig(ctx)

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("notification wait error: %w", err)
		}
		l.reloadConfig(ctx)
	}
}

func (l *ConfigListener) reloadConfig(ctx context.Context) {
	next, err := l.reload(ctx)
	if err != nil {
		l.log.WithError(err).Warn("failed to reload shard configuration after notification")
		return
	}
	l.router.UpdateConfig(next)
}
