package cluster

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
)

const channelName = "tabula_schema_changed"

// PGNotifier carries schema-change events over Postgres LISTEN/NOTIFY, so
// every instance pointed at the same database converges without any extra
// broker. Received events are re-published on the local in-process bus.
type PGNotifier struct {
	db     *sql.DB // pooled handle used for pg_notify
	url    string  // dedicated LISTEN connection is dialed from this
	bus    *Bus
	cancel context.CancelFunc
}

// NewPGNotifier starts the LISTEN loop in the background and returns the
// notifier. Close stops the loop.
func NewPGNotifier(db *sql.DB, url string, bus *Bus) *PGNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &PGNotifier{db: db, url: url, bus: bus, cancel: cancel}
	go n.listen(ctx)
	return n
}

// Publish sends the event to the whole cluster. The local bus gets the event
// back through the LISTEN loop like every other instance, which keeps the
// originator and its peers on the same code path.
func (n *PGNotifier) Publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("cluster: marshal event for %s: %v", ev.Entity, err)
		return
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	if _, err := n.db.ExecContext(ctx, "select pg_notify($1, $2)", channelName, string(payload)); err != nil {
		log.Printf("cluster: pg_notify failed for %s v%d: %v", ev.Entity, ev.Version, err)
		// still deliver locally so this instance converges even if the
		// broadcast is lost
		n.bus.Publish(ev)
	}
}

// Subscribe delegates to the local bus.
func (n *PGNotifier) Subscribe(buffer int) (<-chan Event, func()) {
	return n.bus.Subscribe(buffer)
}

// Close stops the LISTEN loop.
func (n *PGNotifier) Close() { n.cancel() }

// listen holds a dedicated connection on the notification channel and
// re-dials with backoff when it drops.
func (n *PGNotifier) listen(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		if err := n.listenOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("cluster: listener lost, reconnecting in %s: %v", backoff, err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

func (n *PGNotifier) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, n.url)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "listen "+channelName); err != nil {
		return err
	}

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var ev Event
		if err := json.Unmarshal([]byte(notification.Payload), &ev); err != nil {
			log.Printf("cluster: bad notification payload %q: %v", notification.Payload, err)
			continue
		}
		n.bus.Publish(ev)
	}
}
