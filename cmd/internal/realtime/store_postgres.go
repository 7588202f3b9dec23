// Package realtime is the development chat backend: the protocol service, its
// WebSocket transport, push fan-out and persistence.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// The pool is owned by the caller; Close is a no-op. Writes are serialized per
// conversation with a transactional advisory lock, so duplicates never consume
// a seq and seqs stay strictly monotonic under concurrency.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the Postgres-backed stores.
type PostgresOption func(*pgOptions) error

type pgOptions struct{ schema string }

// WithSchema sets the schema (default DefaultSchema). It is validated and quoted.
func WithSchema(schema string) PostgresOption {
	return func(o *pgOptions) error {
		s, err := checkSchema(schema)
		if err != nil {
			return err
		}
		o.schema = s
		return nil
	}
}

func applyPGOptions(opts []PostgresOption) (pgOptions, error) {
	o := pgOptions{schema: DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&o); err != nil {
			return pgOptions{}, err
		}
	}
	return o, nil
}

func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	o, err := applyPGOptions(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, schema: o.schema}, nil
}

func (s *PostgresStore) Close() error { return nil }

const messageColumns = `conversation_id, client_msg_id, server_msg_id, seq, sender_id, sender_name,
	receiver_id, receiver_type, text, server_ts`

func scanMessage(row pgx.Row) (StoredMessage, error) {
	var m StoredMessage
	err := row.Scan(&m.ConversationID, &m.ClientMsgID, &m.ServerMsgID, &m.Seq, &m.SenderID, &m.SenderName,
		&m.ReceiverID, &m.ReceiverType, &m.Text, &m.ServerTS)
	return m, err
}

func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if !validAppend(in) {
		return AppendMessageResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(s.schema, "conversation_cursors")
	messages := pgIdent(s.schema, "messages")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return AppendMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := scanMessage(tx.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+messages+`
		  WHERE conversation_id = $1 AND sender_id = $2 AND client_msg_id = $3`,
		in.ConversationID, in.SenderID, in.ClientMsgID,
	))
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return AppendMessageResult{}, err
		}
		return AppendMessageResult{Stored: existing, Duplicated: true}, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return AppendMessageResult{}, err
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO `+cursors+` AS c (conversation_id, next_seq) VALUES ($1, 2)
		 ON CONFLICT (conversation_id) DO UPDATE
		    SET next_seq = c.next_seq + 1, updated_at = now()
		 RETURNING c.next_seq - 1`,
		in.ConversationID,
	).Scan(&seq); err != nil {
		return AppendMessageResult{}, err
	}

	serverID, err := NewServerMsgID(now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	out := StoredMessage{
		ConversationID: in.ConversationID,
		ClientMsgID:    in.ClientMsgID,
		ServerMsgID:    serverID,
		Seq:            seq,
		SenderID:       in.SenderID,
		SenderName:     in.SenderName,
		ReceiverID:     in.ReceiverID,
		ReceiverType:   in.ReceiverType,
		Text:           in.Text,
		ServerTS:       now,
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		out.ConversationID, out.ClientMsgID, out.ServerMsgID, out.Seq, out.SenderID, out.SenderName,
		out.ReceiverID, out.ReceiverType, out.Text, out.ServerTS,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, err
	}
	return AppendMessageResult{Stored: out}, nil
}

func (s *PostgresStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.ConversationID == "" {
		return FetchHistoryResult{}, errors.New("missing conversation_id")
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}
	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1
	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
		desc bool
	)
	switch {
	case in.AfterSeq != nil:
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+` FROM `+messages+`
			  WHERE conversation_id = $1 AND seq > $2
			  ORDER BY seq ASC LIMIT $3`,
			in.ConversationID, *in.AfterSeq, fetch)
	case in.BeforeSeq != nil:
		desc = true
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+` FROM `+messages+`
			  WHERE conversation_id = $1 AND seq < $2
			  ORDER BY seq DESC LIMIT $3`,
			in.ConversationID, *in.BeforeSeq, fetch)
	default:
		desc = true
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+` FROM `+messages+`
			  WHERE conversation_id = $1
			  ORDER BY seq DESC LIMIT $2`,
			in.ConversationID, fetch)
	}
	if err != nil {
		return FetchHistoryResult{}, err
	}
	msgs, err := collectMessages(rows, fetch)
	if err != nil {
		return FetchHistoryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	if desc {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return FetchHistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

func (s *PostgresStore) SeqOf(ctx context.Context, conversationID, serverMsgID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT seq FROM `+pgIdent(s.schema, "messages")+` WHERE conversation_id = $1 AND server_msg_id = $2`,
		conversationID, serverMsgID,
	).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrMessageNotFound
	}
	return seq, err
}

func (s *PostgresStore) LatestPerConversation(ctx context.Context, in LatestInput) ([]StoredMessage, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	groups := in.GroupIDs
	if groups == nil {
		groups = []string{}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM (
		     SELECT DISTINCT ON (conversation_id) `+messageColumns+`
		       FROM `+pgIdent(s.schema, "messages")+`
		      WHERE (receiver_type = 'user' AND (sender_id = $1 OR receiver_id = $1))
		         OR (receiver_type = 'group' AND receiver_id = ANY($2))
		      ORDER BY conversation_id, seq DESC
		 ) latest
		 ORDER BY server_ts DESC, conversation_id ASC
		 LIMIT $3`,
		in.UserID, groups, limit,
	)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows, limit)
}

func collectMessages(rows pgx.Rows, capHint int) ([]StoredMessage, error) {
	defer rows.Close()
	out := make([]StoredMessage, 0, capHint)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
