// Package postgres implements session.Store on PostgreSQL with pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"session-service/internal/session"
)

// DB is the subset of *pgxpool.Pool used by Store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// querier is satisfied by both DB and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store keeps session aggregates in PostgreSQL. Update locks the session row
// with SELECT ... FOR UPDATE, so concurrent writers from other processes are
// serialized the same way the in-process registry serializes its workers.
type Store struct {
	db DB
}

var _ session.Store = (*Store)(nil)

func New(db DB) *Store {
	return &Store{db: db}
}

var readOnly = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

const sessionColumns = `id, name, description, visibility, capacity, creator_id, current_track,
	playing, position_ms, updated_at, guest_control, queue_mode, active, created_at, ended_at`

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	track, err := encodeTrack(sess.CurrentTrack)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, sess.ID, sess.Name, sess.Description, sess.Visibility, sess.Capacity, sess.CreatorID, track,
		sess.Playing, sess.PositionMs, sess.UpdatedAt, sess.GuestControl, sess.QueueMode, sess.Active,
		sess.CreatedAt, sess.EndedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Load reads a consistent snapshot of the aggregate.
func (s *Store) Load(ctx context.Context, sessionID string) (*session.Aggregate, error) {
	tx, err := s.db.BeginTx(ctx, readOnly)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	agg, err := loadAggregate(ctx, tx, sessionID, false)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return agg, nil
}

// Update runs fn inside one transaction and writes back only the rows fn
// touched.
func (s *Store) Update(ctx context.Context, sessionID string, fn func(*session.Aggregate) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := update(ctx, tx, sessionID, fn); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func update(ctx context.Context, tx pgx.Tx, sessionID string, fn func(*session.Aggregate) error) error {
	agg, err := loadAggregate(ctx, tx, sessionID, true)
	if err != nil {
		return err
	}
	if err := fn(agg); err != nil {
		return err
	}
	changes := agg.Changes()
	if changes.Empty() {
		return nil
	}
	if err := writeChanges(ctx, tx, agg, changes); err != nil {
		return err
	}
	agg.ResetChanges()
	return nil
}

func (s *Store) InvitationSession(ctx context.Context, invitationID string) (string, error) {
	var sessionID string
	err := s.db.QueryRow(ctx, `
		SELECT session_id FROM session_invitations WHERE id = $1
	`, invitationID).Scan(&sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", session.ErrNoInvitation
	}
	if err != nil {
		return "", fmt.Errorf("select invitation: %w", err)
	}
	return sessionID, nil
}

func (s *Store) ListPendingInvitations(ctx context.Context, userID string) ([]session.Invitation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT i.id, i.session_id, i.invited_user_id, i.invited_by_id, i.status, i.created_at, i.responded_at
		FROM session_invitations i
		JOIN sessions s ON s.id = i.session_id
		WHERE i.invited_user_id = $1 AND i.status = 'pending' AND s.active
		ORDER BY i.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("select invitations: %w", err)
	}
	defer rows.Close()

	var out []session.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

func (s *Store) ListPublicSessions(ctx context.Context, limit int) ([]session.Session, error) {
	return s.listSessions(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE active AND visibility = 'public'
		ORDER BY created_at DESC
		LIMIT NULLIF($1, 0)
	`, limit)
}

// ListPlayingSessions returns sessions whose current track has a known
// duration, the only ones the auto-advance ticker can act on.
func (s *Store) ListPlayingSessions(ctx context.Context) ([]session.Session, error) {
	return s.listSessions(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE active AND playing AND (current_track->>'durationMs')::BIGINT > 0
	`)
}

func (s *Store) listSessions(ctx context.Context, sql string, args ...any) ([]session.Session, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func loadAggregate(ctx context.Context, q querier, sessionID string, forUpdate bool) (*session.Aggregate, error) {
	sql := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	sess, err := scanSession(q.QueryRow(ctx, sql, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNoSession
	}
	if err != nil {
		return nil, err
	}
	agg := &session.Aggregate{Session: *sess}

	if agg.Participants, err = loadParticipants(ctx, q, sessionID); err != nil {
		return nil, err
	}
	if agg.Queue, err = loadQueue(ctx, q, sessionID); err != nil {
		return nil, err
	}
	if agg.Invitations, err = loadInvitations(ctx, q, sessionID); err != nil {
		return nil, err
	}
	return agg, nil
}

func loadParticipants(ctx context.Context, q querier, sessionID string) ([]*session.Participant, error) {
	rows, err := q.Query(ctx, `
		SELECT session_id, user_id, role, active, joined_at, left_at
		FROM session_participants
		WHERE session_id = $1
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select participants: %w", err)
	}
	defer rows.Close()

	var out []*session.Participant
	for rows.Next() {
		var p session.Participant
		if err := rows.Scan(&p.SessionID, &p.UserID, &p.Role, &p.Active, &p.JoinedAt, &p.LeftAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// loadQueue reads only unplayed items; played rows are kept for history but
// no command reads them again.
func loadQueue(ctx context.Context, q querier, sessionID string) ([]*session.QueueItem, error) {
	rows, err := q.Query(ctx, `
		SELECT id, session_id, track, added_by, position, played, added_at
		FROM session_queue_items
		WHERE session_id = $1 AND NOT played
		ORDER BY position, added_at, id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select queue: %w", err)
	}
	defer rows.Close()

	var out []*session.QueueItem
	for rows.Next() {
		var (
			it    session.QueueItem
			track []byte
		)
		if err := rows.Scan(&it.ID, &it.SessionID, &track, &it.AddedBy, &it.Position, &it.Played, &it.AddedAt); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		if err := json.Unmarshal(track, &it.Track); err != nil {
			return nil, fmt.Errorf("decode queue track %s: %w", it.ID, err)
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}

func loadInvitations(ctx context.Context, q querier, sessionID string) ([]*session.Invitation, error) {
	rows, err := q.Query(ctx, `
		SELECT id, session_id, invited_user_id, invited_by_id, status, created_at, responded_at
		FROM session_invitations
		WHERE session_id = $1
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("select invitations: %w", err)
	}
	defer rows.Close()

	var out []*session.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (*session.Session, error) {
	var (
		s     session.Session
		track []byte
	)
	err := row.Scan(&s.ID, &s.Name, &s.Description, &s.Visibility, &s.Capacity, &s.CreatorID, &track,
		&s.Playing, &s.PositionMs, &s.UpdatedAt, &s.GuestControl, &s.QueueMode, &s.Active,
		&s.CreatedAt, &s.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if len(track) > 0 {
		var t session.Track
		if err := json.Unmarshal(track, &t); err != nil {
			return nil, fmt.Errorf("decode current track of %s: %w", s.ID, err)
		}
		s.CurrentTrack = &t
	}
	return &s, nil
}

func scanInvitation(row pgx.Row) (*session.Invitation, error) {
	var inv session.Invitation
	if err := row.Scan(&inv.ID, &inv.SessionID, &inv.InvitedUserID, &inv.InvitedByID, &inv.Status,
		&inv.CreatedAt, &inv.RespondedAt); err != nil {
		return nil, fmt.Errorf("scan invitation: %w", err)
	}
	return &inv, nil
}

func encodeTrack(t *session.Track) ([]byte, error) {
	if t == nil {
		return nil, nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode track: %w", err)
	}
	return b, nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func writeChanges(ctx context.Context, tx pgx.Tx, agg *session.Aggregate, c session.ChangeSet) error {
	if c.Session {
		sess := agg.Session
		track, err := encodeTrack(sess.CurrentTrack)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE sessions
			SET name = $2, description = $3, visibility = $4, capacity = $5, current_track = $6,
			    playing = $7, position_ms = $8, updated_at = $9, guest_control = $10,
			    queue_mode = $11, active = $12, ended_at = $13
			WHERE id = $1
		`, sess.ID, sess.Name, sess.Description, sess.Visibility, sess.Capacity, track,
			sess.Playing, sess.PositionMs, sess.UpdatedAt, sess.GuestControl,
			sess.QueueMode, sess.Active, sess.EndedAt); err != nil {
			return fmt.Errorf("update session: %w", err)
		}
	}

	for _, userID := range sortedKeys(c.Participants) {
		p := agg.Participant(userID)
		if p == nil {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO session_participants (session_id, user_id, role, active, joined_at, left_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (session_id, user_id) DO UPDATE
			SET role = EXCLUDED.role, active = EXCLUDED.active,
			    joined_at = EXCLUDED.joined_at, left_at = EXCLUDED.left_at
		`, agg.Session.ID, p.UserID, p.Role, p.Active, p.JoinedAt, p.LeftAt); err != nil {
			return fmt.Errorf("upsert participant %s: %w", userID, err)
		}
	}

	for _, id := range sortedKeys(c.QueueDeletes) {
		if _, err := tx.Exec(ctx, `
			DELETE FROM session_queue_items WHERE id = $1 AND session_id = $2
		`, id, agg.Session.ID); err != nil {
			return fmt.Errorf("delete queue item %s: %w", id, err)
		}
	}

	for _, id := range sortedKeys(c.QueueUpserts) {
		it := agg.QueueItem(id)
		if it == nil {
			continue
		}
		track, err := encodeTrack(&it.Track)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO session_queue_items (id, session_id, track, added_by, position, played, added_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE
			SET position = EXCLUDED.position, played = EXCLUDED.played
		`, it.ID, agg.Session.ID, track, it.AddedBy, it.Position, it.Played, it.AddedAt); err != nil {
			return fmt.Errorf("upsert queue item %s: %w", id, err)
		}
	}

	for _, id := range sortedKeys(c.Invitations) {
		inv := agg.Invitation(id)
		if inv == nil {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO session_invitations (id, session_id, invited_user_id, invited_by_id, status, created_at, responded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE
			SET status = EXCLUDED.status, responded_at = EXCLUDED.responded_at
		`, inv.ID, agg.Session.ID, inv.InvitedUserID, inv.InvitedByID, inv.Status, inv.CreatedAt, inv.RespondedAt); err != nil {
			return fmt.Errorf("upsert invitation %s: %w", id, err)
		}
	}
	return nil
}
