package shimizu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
)

const (
	postgresNotifyChannelRuntimeConfigUpdated = "shimizu_reload_runtime_config"
	postgresNotifyChannelGuildConfigUpdated   = "shimizu_guild_config_updated"
	postgresNotifyChannelStop                 = "shimizu_stop"
	recordSeparator                           = string(rune(30))
)

var (
	dbNotifierSendTimeout  = 15 * time.Second
	dbNotifierRetryBackoff = 5 * time.Second
)

// DBNotifier notifies bot instances sharing a database of changes made
// by another instance.
//
// With SQLite there's only ever one instance, so notifications are
// delivered in-process. With PostgreSQL, NOTIFY is used, and each
// instance LISTENs on every channel.
type DBNotifier interface {
	// ID returns the identifier for this notifier. Instances use this
	// to ignore their own notifications.
	ID() string

	RuntimeConfigChannelName() string

	// ReloadRuntimeConfig tells bot instances to reload their
	// RuntimeConfig from the database
	ReloadRuntimeConfig(context.Context) bool

	GuildConfigChannelName() string

	// GuildConfigUpdated tells other bot instances to evict a guild
	// from their GuildConfig cache
	GuildConfigUpdated(ctx context.Context, guildID string) bool

	StopChannelName() string

	// Stop sends a shutdown signal to all bot instances
	Stop(context.Context) bool

	// Listen blocks, handling notifications on the given channel, until
	// ctx is done
	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(s *Shimizu) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := s.logger.With(loggerNameKey, "db_notifier")
	switch s.config.DatabaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{logger: log, s: s, notifyID: notifyID}, nil
	case dbTypePostgres:
		return &postgresNotifier{logger: log, s: s, notifyID: notifyID}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

type sqliteNotifier struct {
	logger   *slog.Logger
	s        *Shimizu
	notifyID string
}

func (n *sqliteNotifier) ID() string {
	return n.notifyID
}

func (*sqliteNotifier) RuntimeConfigChannelName() string {
	return ""
}

func (*sqliteNotifier) GuildConfigChannelName() string {
	return ""
}

func (*sqliteNotifier) StopChannelName() string {
	return ""
}

// Listen returns immediately, as notifications are delivered directly
func (n *sqliteNotifier) Listen(_ context.Context, channel string) error {
	n.logger.Debug("listener called", "channel", channel)
	return nil
}

func (n *sqliteNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	n.logger.Info("got runtime config reload notification")
	select {
	case n.s.triggerRuntimeConfigRefreshCh <- true:
		return true
	case <-ctx.Done():
		n.logger.Warn("timeout sending runtime config refresh signal")
		return false
	default:
		n.logger.Debug("runtime config refresh already pending")
		return true
	}
}

// GuildConfigUpdated is a no-op: the store that made the change already
// evicted its own cache entry.
func (n *sqliteNotifier) GuildConfigUpdated(_ context.Context, guildID string) bool {
	n.logger.Debug("guild config updated", "guild_id", guildID)
	return true
}

func (n *sqliteNotifier) Stop(ctx context.Context) bool {
	n.logger.Info("notifying stop signal")
	select {
	case n.s.signalStop <- struct{}{}:
		return true
	case <-ctx.Done():
		n.logger.Warn("timeout sending stop signal")
		return false
	}
}

type postgresNotifier struct {
	logger   *slog.Logger
	s        *Shimizu
	notifyID string
}

func (p *postgresNotifier) ID() string {
	return p.notifyID
}

func (*postgresNotifier) RuntimeConfigChannelName() string {
	return postgresNotifyChannelRuntimeConfigUpdated
}

func (*postgresNotifier) GuildConfigChannelName() string {
	return postgresNotifyChannelGuildConfigUpdated
}

func (*postgresNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

// notify sends a NOTIFY on channel with the given payload
func (p *postgresNotifier) notify(ctx context.Context, channel string, payload string) bool {
	err := p.s.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		payload,
	).Error
	if err != nil {
		p.logger.ErrorContext(
			ctx,
			"error sending NOTIFY",
			"channel", channel,
			tint.Err(err),
		)
		return false
	}
	p.logger.InfoContext(ctx, "sent notification", "channel", channel, "pg_notify_id", p.ID())
	return true
}

func (p *postgresNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	return p.notify(ctx, p.RuntimeConfigChannelName(), p.ID())
}

func (p *postgresNotifier) GuildConfigUpdated(ctx context.Context, guildID string) bool {
	return p.notify(
		ctx,
		p.GuildConfigChannelName(),
		newGuildUpdatedNotificationMessage(p.ID(), guildID),
	)
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	return p.notify(ctx, p.StopChannelName(), p.ID())
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "starting db listener")

	config, err := pgxpool.ParseConfig(p.s.config.Database)
	if err != nil {
		return fmt.Errorf("error parsing database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("error creating connection pool: %w", err)
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return fmt.Errorf("error setting up listener: %w", err)
	}
	logger.InfoContext(ctx, "started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(dbNotifierRetryBackoff):
			}
			continue
		}
		p.handleNotification(ctx, logger, channel, notification.Payload)
	}
	return nil
}

func (p *postgresNotifier) handleNotification(
	ctx context.Context,
	logger *slog.Logger,
	channel string,
	payload string,
) {
	switch channel {
	case p.RuntimeConfigChannelName():
		if payload == p.ID() {
			logger.DebugContext(ctx, "ignoring notification from self")
			return
		}
		select {
		case p.s.triggerRuntimeConfigRefreshCh <- true:
			logger.InfoContext(ctx, "sent runtime config refresh signal")
		case <-time.After(dbNotifierSendTimeout):
			logger.WarnContext(ctx, "timed out sending runtime config refresh signal")
		}
	case p.GuildConfigChannelName():
		notifierID, guildID := parseGuildUpdatedNotification(payload)
		if notifierID == p.ID() {
			logger.DebugContext(ctx, "ignoring notification from self")
			return
		}
		p.s.guilds.Invalidate(guildID)
		logger.InfoContext(ctx, "evicted guild config", "guild_id", guildID)
	case p.StopChannelName():
		if payload == p.ID() {
			logger.DebugContext(ctx, "ignoring notification from self")
			return
		}
		select {
		case p.s.signalStop <- struct{}{}:
			logger.InfoContext(ctx, "forwarded stop signal")
		case <-time.After(dbNotifierSendTimeout):
			logger.WarnContext(ctx, "timed out forwarding stop signal")
		}
	default:
		logger.WarnContext(ctx, "received unknown notification")
	}
}

func parseGuildUpdatedNotification(s string) (notifierID, guildID string) {
	before, after, _ := strings.Cut(s, recordSeparator)
	return before, after
}

func newGuildUpdatedNotificationMessage(notifierID string, guildID string) string {
	return notifierID + recordSeparator + guildID
}
