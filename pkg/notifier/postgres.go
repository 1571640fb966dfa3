package notifier

import (
	"context"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cuemby/sequent/pkg/log"
	"github.com/cuemby/sequent/pkg/metrics"
)

// Channel is the Postgres LISTEN/NOTIFY channel sequent publishes to.
const Channel = "messages_appended"

// PostgresNotifier bridges Postgres LISTEN/NOTIFY to a Fanout. Reconnects
// are handled by pq.Listener internally; PostgresNotifier layers a
// rate.Limiter on top as a fixed one-per-second gate on how often it will
// log/count a reconnect event, so a flapping connection doesn't spam logs.
type PostgresNotifier struct {
	fanout   *Fanout
	listener *pq.Listener
	limiter  *rate.Limiter
	logger   zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPostgres opens a pq.Listener against dsn and wires it to fanout.
// minBackoff/maxBackoff bound the listener's own reconnect interval.
func NewPostgres(dsn string, fanout *Fanout, minBackoff, maxBackoff time.Duration) *PostgresNotifier {
	n := &PostgresNotifier{
		fanout:  fanout,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		logger:  log.WithComponent("notifier"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	n.listener = pq.NewListener(dsn, minBackoff, maxBackoff, n.eventCallback)
	return n
}

func (n *PostgresNotifier) eventCallback(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventReconnected, pq.ListenerEventDisconnected:
		if n.limiter.Allow() {
			metrics.NotifierReconnectsTotal.Inc()
			n.logger.Warn().Err(err).Str("event", eventName(ev)).Msg("listener connection event")
		}
	case pq.ListenerEventConnectionAttemptFailed:
		if n.limiter.Allow() {
			n.logger.Error().Err(err).Msg("listener reconnect attempt failed")
		}
	}
}

func eventName(ev pq.ListenerEventType) string {
	switch ev {
	case pq.ListenerEventConnected:
		return "connected"
	case pq.ListenerEventDisconnected:
		return "disconnected"
	case pq.ListenerEventReconnected:
		return "reconnected"
	case pq.ListenerEventConnectionAttemptFailed:
		return "connection_attempt_failed"
	default:
		return "unknown"
	}
}

// Start listens on Channel and dispatches incoming notifications until
// Stop is called.
func (n *PostgresNotifier) Start(ctx context.Context) error {
	if err := n.listener.Listen(Channel); err != nil {
		return err
	}
	go n.run()
	return nil
}

// Stop unlistens and closes the underlying connection.
func (n *PostgresNotifier) Stop() {
	close(n.stopCh)
	<-n.doneCh
	_ = n.listener.Close()
}

// Publish dispatches messageTypes directly, satisfying Publisher for
// callers that hold a PostgresNotifier generically. The real publish path
// on Postgres is pg_notify issued by the backend inside the append
// transaction; this exists for symmetry with InlineNotifier and is not on
// that hot path.
func (n *PostgresNotifier) Publish(ctx context.Context, messageTypes []string) error {
	n.fanout.Dispatch(messageTypes)
	return nil
}

func (n *PostgresNotifier) run() {
	defer close(n.doneCh)
	for {
		select {
		case notification := <-n.listener.Notify:
			if notification == nil {
				continue // reconnect in progress
			}
			if notification.Extra == "" {
				continue
			}
			n.fanout.Dispatch(strings.Split(notification.Extra, ","))
		case <-time.After(90 * time.Second):
			// lib/pq recommends an occasional Ping to detect a half-open
			// connection the driver hasn't noticed yet.
			go func() { _ = n.listener.Ping() }()
		case <-n.stopCh:
			return
		}
	}
}

// EncodePayload joins messageTypes into the comma-separated payload the
// single messages_appended channel carries. The postgres backend calls this
// and issues `SELECT pg_notify($1, $2)` directly inside the same
// transaction as the append it is announcing.
func EncodePayload(messageTypes []string) (string, error) {
	return strings.Join(messageTypes, ","), nil
}
