package statusstream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const DefaultChannel = "querystudio_run_status"

// maxPayloadBytes keeps NOTIFY payloads under the server's 8000 byte limit.
const maxPayloadBytes = 7500

const defaultNotifyTimeout = 5 * time.Second

// PGNotifier publishes events with pg_notify so every API process
// listening on the channel sees them.
type PGNotifier struct {
	db      *sql.DB
	channel string
	timeout time.Duration
}

func NewPGNotifier(db *sql.DB, channel string) *PGNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PGNotifier{db: db, channel: channel, timeout: defaultNotifyTimeout}
}

func (n *PGNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := encodePayload(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if _, err := n.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, n.channel, string(payload)); err != nil {
		return fmt.Errorf("notify status event for run %s: %w", event.RunID, err)
	}
	return nil
}

// encodePayload marshals event, shortening the error message and then the
// status message until the JSON fits in maxPayloadBytes.
func encodePayload(event Event) ([]byte, error) {
	for {
		payload, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("marshal status event: %w", err)
		}
		excess := len(payload) - maxPayloadBytes
		switch {
		case excess <= 0:
			return payload, nil
		case event.ErrorMessage != "":
			event.ErrorMessage = shorten(event.ErrorMessage, excess)
		case event.Message != "":
			event.Message = shorten(event.Message, excess)
		default:
			return nil, fmt.Errorf("status event for run %s is %d bytes", event.RunID, len(payload))
		}
	}
}

// shorten drops excess bytes from s, or half of it when escaping makes the
// encoded form longer than s itself.
func shorten(s string, excess int) string {
	n := len(s) - excess
	if n <= 0 {
		n = len(s) / 2
	}
	return truncateBytes(s, n)
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Publisher receives decoded events.
type Publisher interface {
	Publish(event Event)
}

type notificationConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// Listener holds a dedicated connection subscribed to the status channel
// and forwards each notification to Target.
type Listener struct {
	DSN     string
	Channel string
	Target  Publisher
	Logger  *slog.Logger
	Backoff time.Duration

	connect func(ctx context.Context, dsn string) (notificationConn, error)
}

func (l *Listener) ensureDefaults() {
	if l.Channel == "" {
		l.Channel = DefaultChannel
	}
	if l.Logger == nil {
		l.Logger = slog.Default()
	}
	if l.Backoff <= 0 {
		l.Backoff = time.Second
	}
	if l.connect == nil {
		l.connect = func(ctx context.Context, dsn string) (notificationConn, error) {
			return pgx.Connect(ctx, dsn)
		}
	}
}

// Run listens until ctx is done, reconnecting after connection failures.
func (l *Listener) Run(ctx context.Context) error {
	l.ensureDefaults()
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.Logger.Warn("status listener disconnected", slog.String("channel", l.Channel), slog.Any("error", err))
		timer := time.NewTimer(l.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.connect(ctx, l.DSN)
	if err != nil {
		return fmt.Errorf("connect status listener: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.Channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen on %s: %w", l.Channel, err)
	}
	l.Logger.Info("status listener connected", slog.String("channel", l.Channel))

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		var event Event
		if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
			l.Logger.Warn("discarding malformed status event", slog.Any("error", err))
			continue
		}
		if event.RunID == "" {
			continue
		}
		l.Target.Publish(event)
	}
}
