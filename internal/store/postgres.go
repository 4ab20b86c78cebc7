package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"geopresence/internal/model"
)

const presenceChannel = "presence_changed"

// Postgres keeps presence rows in the app database and turns NOTIFY events
// from the presence trigger into snapshots.
type Postgres struct {
	db  *sql.DB
	dsn string
}

// NewPostgres needs the DSN as well as the pool because LISTEN runs on a
// dedicated connection.
func NewPostgres(db *sql.DB, dsn string) *Postgres {
	return &Postgres{db: db, dsn: dsn}
}

// upsertQuery builds an INSERT ... ON CONFLICT that only touches the
// columns carried by the patch.
func upsertQuery(subjectID string, p model.PresencePatch) (string, []interface{}) {
	cols := []string{"subject_id", "status"}
	args := []interface{}{subjectID, string(p.Status)}
	updates := []string{"status = EXCLUDED.status", "last_updated_at = EXCLUDED.last_updated_at"}

	add := func(col string, v interface{}) {
		cols = append(cols, col)
		args = append(args, v)
		updates = append(updates, col+" = EXCLUDED."+col)
	}

	if p.Subject != nil {
		add("display_name", p.Subject.DisplayName)
		add("contact", p.Subject.Contact)
		add("role", p.Subject.Role)
	}
	if p.Location != nil {
		add("latitude", p.Location.Latitude)
		add("longitude", p.Location.Longitude)
		add("accuracy_meters", p.Location.AccuracyMeters)
	}

	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}

	cols = append(cols, "last_updated_at")
	placeholders = append(placeholders, "NOW()")
	if p.TouchSeen {
		cols = append(cols, "last_seen_at")
		placeholders = append(placeholders, "NOW()")
		updates = append(updates, "last_seen_at = EXCLUDED.last_seen_at")
	}

	query := fmt.Sprintf(`
		INSERT INTO presence (%s)
		VALUES (%s)
		ON CONFLICT (subject_id)
		DO UPDATE SET %s
	`, strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "))

	return query, args
}

// updateQuery builds the UPDATE used for update-only patches; a missing
// row matches nothing.
func updateQuery(subjectID string, p model.PresencePatch) (string, []interface{}) {
	sets := []string{"status = $2", "last_updated_at = NOW()"}
	if p.TouchSeen {
		sets = append(sets, "last_seen_at = NOW()")
	}
	query := fmt.Sprintf(`
		UPDATE presence
		SET %s
		WHERE subject_id = $1
	`, strings.Join(sets, ", "))
	return query, []interface{}{subjectID, string(p.Status)}
}

func (p *Postgres) Upsert(ctx context.Context, subjectID string, patch model.PresencePatch) error {
	query, args := upsertQuery(subjectID, patch)
	if patch.UpdateOnly() {
		query, args = updateQuery(subjectID, patch)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres upsert %s: %w", subjectID, err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, subjectID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM presence WHERE subject_id = $1`, subjectID); err != nil {
		return fmt.Errorf("postgres delete %s: %w", subjectID, err)
	}
	return nil
}

const selectPresence = `
	SELECT subject_id, display_name, contact, role,
	       latitude, longitude, accuracy_meters,
	       status, last_seen_at, last_updated_at
	FROM presence
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPresence(row rowScanner) (*model.PresenceRecord, error) {
	var (
		rec           model.PresenceRecord
		status        string
		lat, lon, acc sql.NullFloat64
		lastSeen      sql.NullTime
	)
	err := row.Scan(&rec.SubjectID, &rec.DisplayName, &rec.Contact, &rec.Role,
		&lat, &lon, &acc, &status, &lastSeen, &rec.LastUpdatedAt)
	if err != nil {
		return nil, err
	}

	rec.Status = model.Status(status)
	if lat.Valid && lon.Valid {
		rec.Location = &model.Location{Latitude: lat.Float64, Longitude: lon.Float64, AccuracyMeters: acc.Float64}
	}
	if lastSeen.Valid {
		rec.LastSeenAt = lastSeen.Time
	}
	return &rec, nil
}

func (p *Postgres) Get(ctx context.Context, subjectID string) (*model.PresenceRecord, error) {
	rec, err := scanPresence(p.db.QueryRowContext(ctx, selectPresence+` WHERE subject_id = $1`, subjectID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", subjectID, err)
	}
	return rec, nil
}

func (p *Postgres) List(ctx context.Context, filter Filter) ([]model.PresenceRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	if filter.Role != "" {
		args = append(args, filter.Role)
		where = append(where, "role = $"+strconv.Itoa(len(args)))
	}

	query := selectPresence
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_seen_at DESC NULLS LAST, subject_id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres list: %w", err)
	}
	defer rows.Close()

	var out []model.PresenceRecord
	for rows.Next() {
		rec, err := scanPresence(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres list: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (p *Postgres) Listen(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)

	go func() {
		defer close(ch)

		listener := pq.NewListener(p.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Printf("postgres listener: event %d: %v", ev, err)
			}
		})
		defer listener.Close()

		if err := listener.Listen(presenceChannel); err != nil {
			sendSnapshot(ctx, ch, Snapshot{Err: fmt.Errorf("%w: %v", ErrListenFailure, err)})
			return
		}

		publish := func() bool {
			records, err := p.List(ctx, Filter{})
			if err != nil {
				if ctx.Err() == nil {
					sendSnapshot(ctx, ch, Snapshot{Err: fmt.Errorf("%w: %v", ErrListenFailure, err)})
				}
				return false
			}
			return sendSnapshot(ctx, ch, Snapshot{Records: records})
		}

		if !publish() {
			return
		}

		ping := time.NewTicker(90 * time.Second)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-listener.Notify:
				// nil notifications mean the connection was re-established;
				// re-query either way
				if !publish() {
					return
				}
			case <-ping.C:
				go func() {
					if err := listener.Ping(); err != nil {
						log.Printf("postgres listener: ping: %v", err)
					}
				}()
			}
		}
	}()

	return ch
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
