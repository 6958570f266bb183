package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// SQLStore implements Store on a Postgres database/sql connection.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// pairKey is the natural key of a direct conversation: the unordered
// participant pair in a canonical encoding. Backed by a partial unique index.
func pairKey(userA, userB int) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return fmt.Sprintf("%d:%d", userA, userB)
}

func (s *SQLStore) FindDirect(ctx context.Context, userA, userB int) ([]*Conversation, error) {
	query := `
		SELECT c.id, c.created_at, c.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id) AS message_count
		FROM conversations c
		WHERE NOT c.is_group
		  AND EXISTS (SELECT 1 FROM conversation_participants p
		              WHERE p.conversation_id = c.id AND p.user_id = $1)
		  AND EXISTS (SELECT 1 FROM conversation_participants p
		              WHERE p.conversation_id = c.id AND p.user_id = $2)
		  AND (SELECT COUNT(*) FROM conversation_participants p
		       WHERE p.conversation_id = c.id) = 2
		ORDER BY message_count DESC, c.created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, userA, userB)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		c := &Conversation{}
		if err := rows.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range convs {
		if err := s.loadParticipants(ctx, c); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

func (s *SQLStore) CreateDirect(ctx context.Context, userA, userB int) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	conv := &Conversation{ID: uuid.NewString()}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO conversations (id, is_group, pair_key) VALUES ($1, FALSE, $2)
		 RETURNING created_at, updated_at`,
		conv.ID, pairKey(userA, userB),
	).Scan(&conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if isPgError(err, pgUniqueViolation) {
			return nil, ErrDuplicatePair
		}
		return nil, err
	}

	for _, userID := range []int{userA, userB} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2)`,
			conv.ID, userID,
		); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if err := s.loadParticipants(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *SQLStore) CreateGroup(ctx context.Context, name string, admin int, participants []int) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	conv := &Conversation{
		ID:         uuid.NewString(),
		IsGroup:    true,
		GroupName:  name,
		GroupAdmin: admin,
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO conversations (id, is_group, group_name, group_admin)
		 VALUES ($1, TRUE, $2, $3)
		 RETURNING created_at, updated_at`,
		conv.ID, name, admin,
	).Scan(&conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, err
	}

	for _, userID := range participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id) VALUES ($1, $2)`,
			conv.ID, userID,
		); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if err := s.loadParticipants(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *SQLStore) GetByID(ctx context.Context, id string) (*Conversation, error) {
	conv := &Conversation{ID: id}
	var groupName sql.NullString
	var groupAdmin sql.NullInt64

	err := s.db.QueryRowContext(ctx,
		`SELECT is_group, group_name, group_admin, created_at, updated_at
		 FROM conversations WHERE id = $1`,
		id,
	).Scan(&conv.IsGroup, &groupName, &groupAdmin, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	conv.GroupName = groupName.String
	conv.GroupAdmin = int(groupAdmin.Int64)

	if err := s.loadParticipants(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *SQLStore) ListByParticipant(ctx context.Context, userID int) ([]*Conversation, error) {
	query := `
		SELECT c.id, c.is_group, c.group_name, c.group_admin, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1
		ORDER BY c.updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		c := &Conversation{}
		var groupName sql.NullString
		var groupAdmin sql.NullInt64
		if err := rows.Scan(&c.ID, &c.IsGroup, &groupName, &groupAdmin, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.GroupName = groupName.String
		c.GroupAdmin = int(groupAdmin.Int64)
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range convs {
		if err := s.loadParticipants(ctx, c); err != nil {
			return nil, err
		}
		last, err := s.lastMessage(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		c.LastMessage = last
	}
	return convs, nil
}

func (s *SQLStore) MergeInto(ctx context.Context, mainID string, dupIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, dupID := range dupIDs {
		// Message rows carry their conversation id, so re-pointing them is
		// the ref union; the primary key keeps each message exactly once.
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET conversation_id = $1 WHERE conversation_id = $2`,
			mainID, dupID,
		); err != nil {
			return err
		}

		// Fold pending unread counts so no participant's backlog is lost.
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversation_participants main
			 SET unread_count = main.unread_count + dup.unread_count
			 FROM conversation_participants dup
			 WHERE main.conversation_id = $1
			   AND dup.conversation_id = $2
			   AND dup.user_id = main.user_id`,
			mainID, dupID,
		); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM conversations WHERE id = $1`, dupID,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLStore) InsertMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var receiver interface{}
	if msg.ReceiverID != 0 {
		receiver = msg.ReceiverID
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		msg.ID, msg.ConversationID, msg.SenderID, receiver, msg.Content,
	).Scan(&msg.CreatedAt)
	if err != nil {
		if isPgError(err, pgUniqueViolation) {
			// Retried send: the original transaction committed, unread
			// counts included. Report the stored row.
			return s.reloadMessage(ctx, msg)
		}
		if isPgError(err, pgForeignKeyViolation) {
			return ErrConversationGone
		}
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversation_participants
		 SET unread_count = unread_count + 1
		 WHERE conversation_id = $1 AND user_id <> $2`,
		msg.ConversationID, msg.SenderID,
	); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = NOW() WHERE id = $1`,
		msg.ConversationID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConversationGone
	}

	if err := tx.Commit(); err != nil {
		// The commit outcome is unknown; hand the caller the message id so
		// a retry with the same id hits the replayed-send path above.
		return &PartialWriteError{MessageID: msg.ID, Err: err}
	}
	return nil
}

func (s *SQLStore) reloadMessage(ctx context.Context, msg *Message) error {
	return s.db.QueryRowContext(ctx,
		`SELECT conversation_id, created_at FROM messages WHERE id = $1`,
		msg.ID,
	).Scan(&msg.ConversationID, &msg.CreatedAt)
}

func (s *SQLStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	query := `
		SELECT m.id, m.conversation_id, m.sender_id, u.username, u.avatar,
		       COALESCE(m.receiver_id, 0), m.content, m.created_at
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.conversation_id = $1
		ORDER BY m.created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.SenderName,
			&msg.SenderAvatar, &msg.ReceiverID, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *SQLStore) ResetUnread(ctx context.Context, conversationID string, userID int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversation_participants SET unread_count = 0
		 WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	)
	return err
}

func (s *SQLStore) loadParticipants(ctx context.Context, conv *Conversation) error {
	query := `
		SELECT p.user_id, u.username, u.avatar, p.unread_count
		FROM conversation_participants p
		JOIN users u ON p.user_id = u.id
		WHERE p.conversation_id = $1
		ORDER BY p.user_id`

	rows, err := s.db.QueryContext(ctx, query, conv.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	conv.Participants = conv.Participants[:0]
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.UserID, &p.Username, &p.Avatar, &p.UnreadCount); err != nil {
			return err
		}
		conv.Participants = append(conv.Participants, p)
	}
	return rows.Err()
}

func (s *SQLStore) lastMessage(ctx context.Context, conversationID string) (*Message, error) {
	msg := &Message{}
	err := s.db.QueryRowContext(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id, u.username,
		        COALESCE(m.receiver_id, 0), m.content, m.created_at
		 FROM messages m
		 JOIN users u ON m.sender_id = u.id
		 WHERE m.conversation_id = $1
		 ORDER BY m.created_at DESC
		 LIMIT 1`,
		conversationID,
	).Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.SenderName,
		&msg.ReceiverID, &msg.Content, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
