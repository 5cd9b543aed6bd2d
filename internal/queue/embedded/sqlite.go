// Package embedded implements the embedded SQL-backed queue (Broker C)
// against modernc.org/sqlite, grounded on the WAL-mode/migration pattern in
// RevCBH-choo's internal/daemon/db package.
//
// SQLite has no SELECT ... FOR UPDATE SKIP LOCKED, so claiming a row is done
// with a single-transaction UPDATE ... RETURNING that atomically flips a row
// from available to locked and returns it in the same statement; a
// locked_until expiry lets a claim lapse and be reclaimed if the claiming
// process dies without acking or nacking.
package embedded

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"relaycore.dev/dispatcher/internal/queue"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_messages (
	id              TEXT PRIMARY KEY,
	queue_name      TEXT NOT NULL,
	message_group   TEXT NOT NULL DEFAULT '',
	deduplication_id TEXT,
	payload         BLOB NOT NULL,
	metadata_json   TEXT NOT NULL DEFAULT '{}',
	locked_until    DATETIME,
	created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(queue_name, deduplication_id)
);

CREATE INDEX IF NOT EXISTS idx_queue_messages_claimable
	ON queue_messages(queue_name, locked_until, created_at);
`

// DB wraps a SQLite connection backing one or more embedded queues.
type DB struct {
	conn *sql.DB
}

// Open creates or opens the SQLite database at path in WAL mode and runs
// the schema migration.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded queue database: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under WAL with
	// concurrent claim transactions; readers still proceed concurrently.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run embedded queue migration: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Message represents a single claimed row.
type Message struct {
	db              *DB
	id              string
	queueName       string
	messageGroup    string
	data            []byte
	metadata        map[string]string
	lockDuration    time.Duration
}

// ID returns the message's primary key.
func (m *Message) ID() string { return m.id }

// Data returns the payload.
func (m *Message) Data() []byte { return m.data }

// Subject returns the queue name.
func (m *Message) Subject() string { return m.queueName }

// MessageGroup returns the message group.
func (m *Message) MessageGroup() string { return m.messageGroup }

// Metadata returns the stored metadata.
func (m *Message) Metadata() map[string]string { return m.metadata }

// Ack deletes the row, permanently removing the message from the queue.
func (m *Message) Ack() error {
	_, err := m.db.conn.Exec(`DELETE FROM queue_messages WHERE id = ?`, m.id)
	if err != nil {
		return fmt.Errorf("failed to ack message %s: %w", m.id, err)
	}
	return nil
}

// Nack releases the claim immediately, making the row eligible for reclaim
// on the next poll.
func (m *Message) Nack() error {
	_, err := m.db.conn.Exec(`UPDATE queue_messages SET locked_until = NULL WHERE id = ?`, m.id)
	if err != nil {
		return fmt.Errorf("failed to nack message %s: %w", m.id, err)
	}
	return nil
}

// Nak implements queue.Message; it is the same as Nack.
func (m *Message) Nak() error { return m.Nack() }

// NakWithDelay releases the claim but sets locked_until delay seconds in the
// future, so the row is not reclaimable until then.
func (m *Message) NakWithDelay(delay time.Duration) error {
	_, err := m.db.conn.Exec(
		`UPDATE queue_messages SET locked_until = datetime('now', ?) WHERE id = ?`,
		fmt.Sprintf("+%d seconds", int(delay.Seconds())), m.id,
	)
	if err != nil {
		return fmt.Errorf("failed to nack-with-delay message %s: %w", m.id, err)
	}
	return nil
}

// InProgress extends the claim's lock so a long-running handler isn't
// reclaimed out from under it.
func (m *Message) InProgress() error {
	_, err := m.db.conn.Exec(
		`UPDATE queue_messages SET locked_until = datetime('now', ?) WHERE id = ?`,
		fmt.Sprintf("+%d seconds", int(m.lockDuration.Seconds())), m.id,
	)
	if err != nil {
		return fmt.Errorf("failed to extend lock for message %s: %w", m.id, err)
	}
	return nil
}

var _ queue.Message = (*Message)(nil)

// Publisher inserts messages into a named queue.
type Publisher struct {
	db        *DB
	queueName string
}

// NewPublisher creates a publisher for the given queue name.
func NewPublisher(db *DB, queueName string) *Publisher {
	return &Publisher{db: db, queueName: queueName}
}

// Publish inserts a message with a random deduplication ID (i.e. no
// deduplication applied).
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.insert(ctx, subject, data, "", uuid.NewString())
}

// PublishWithGroup inserts a message carrying a message group for ordered
// per-group FIFO delivery.
func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return p.insert(ctx, subject, data, messageGroup, uuid.NewString())
}

// PublishWithDeduplication inserts a message with an explicit deduplication
// ID; a duplicate (queue_name, deduplication_id) pair is silently dropped via
// the table's UNIQUE constraint.
func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	return p.insert(ctx, subject, data, "", deduplicationID)
}

func (p *Publisher) insert(ctx context.Context, subject string, data []byte, messageGroup, deduplicationID string) error {
	id := uuid.NewString()
	_, err := p.db.conn.ExecContext(ctx,
		`INSERT INTO queue_messages (id, queue_name, message_group, deduplication_id, payload)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(queue_name, deduplication_id) DO NOTHING`,
		id, subject, messageGroup, deduplicationID, data,
	)
	if err != nil {
		return fmt.Errorf("failed to publish embedded queue message: %w", err)
	}
	return nil
}

// Close is a no-op; the publisher shares the DB's connection lifecycle.
func (p *Publisher) Close() error { return nil }

// Consumer polls a named queue for claimable rows.
type Consumer struct {
	db           *DB
	queueName    string
	name         string
	lockDuration time.Duration

	mu      sync.Mutex
	running bool
}

// NewConsumer creates a consumer for queueName.
func NewConsumer(db *DB, queueName, name string, lockDuration time.Duration) *Consumer {
	if lockDuration <= 0 {
		lockDuration = 30 * time.Second
	}
	return &Consumer{db: db, queueName: queueName, name: name, lockDuration: lockDuration}
}

// Consume polls for claimable messages and dispatches them to handler,
// blocking until ctx is cancelled. Polling backs off when the queue is
// empty, mirroring the SQS consumer's adaptive-delay behavior.
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	emptyDelay := 250 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := c.claim(ctx)
		if err != nil {
			slog.Error("Embedded queue claim error", "queue", c.queueName, "consumer", c.name, "error", err)
			time.Sleep(emptyDelay)
			continue
		}
		if msg == nil {
			time.Sleep(emptyDelay)
			continue
		}

		if err := handler(msg); err != nil {
			slog.Error("Embedded queue message handler error", "queue", c.queueName, "consumer", c.name, "error", err, "messageId", msg.ID())
		}
	}
}

// claim atomically claims the oldest unlocked/expired-lock row for this
// queue within a single transaction, emulating SELECT ... FOR UPDATE SKIP
// LOCKED without SQLite's support for that clause.
func (c *Consumer) claim(ctx context.Context) (*Message, error) {
	tx, err := c.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`UPDATE queue_messages
		 SET locked_until = datetime('now', ?)
		 WHERE id = (
		     SELECT id FROM queue_messages
		     WHERE queue_name = ?
		       AND (locked_until IS NULL OR locked_until <= CURRENT_TIMESTAMP)
		     ORDER BY created_at ASC
		     LIMIT 1
		 )
		 RETURNING id, message_group, payload`,
		fmt.Sprintf("+%d seconds", int(c.lockDuration.Seconds())), c.queueName,
	)

	var id, group string
	var payload []byte
	if err := row.Scan(&id, &group, &payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, tx.Commit()
		}
		return nil, fmt.Errorf("failed to claim message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return &Message{
		db:           c.db,
		id:           id,
		queueName:    c.queueName,
		messageGroup: group,
		data:         payload,
		metadata:     map[string]string{},
		lockDuration: c.lockDuration,
	}, nil
}

// Close stops the consumer. Polling loops observe ctx cancellation
// independently; Close only marks the consumer as stopped for callers that
// check it.
func (c *Consumer) Close() error {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	return nil
}

var _ queue.Consumer = (*Consumer)(nil)

// Client wraps a Publisher and the set of per-queue Consumers sharing one DB.
type Client struct {
	db        *DB
	publisher *Publisher
	queueName string

	mu        sync.Mutex
	consumers map[string]*Consumer
	lockDur   time.Duration
}

// NewClient opens the SQLite database at cfg.DataFile and returns a client
// for the given queue name.
func NewClient(cfg *queue.EmbeddedSQLConfig, queueName string) (*Client, error) {
	db, err := Open(cfg.DataFile)
	if err != nil {
		return nil, err
	}
	lockDur := cfg.LockDuration
	if lockDur <= 0 {
		lockDur = 30 * time.Second
	}
	return &Client{
		db:        db,
		publisher: NewPublisher(db, queueName),
		queueName: queueName,
		consumers: make(map[string]*Consumer),
		lockDur:   lockDur,
	}, nil
}

// Publisher returns the client's publisher.
func (c *Client) Publisher() queue.Publisher {
	return c.publisher
}

// CreateConsumer creates (and caches) a named consumer for this client's queue.
func (c *Client) CreateConsumer(ctx context.Context, name string) (queue.Consumer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.consumers[name]; ok {
		return existing, nil
	}
	consumer := NewConsumer(c.db, c.queueName, name, c.lockDur)
	c.consumers[name] = consumer
	return consumer, nil
}

// Close closes all consumers and the underlying database.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, consumer := range c.consumers {
		consumer.Close()
	}
	return c.db.Close()
}
