package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dm_server/server/common/infra/db"
	"dm_server/server/dm/domain"
)

const messageColumns = `message_id::text, seq, sender_id, recipient_id, kind, body, file_meta, created_at, is_read, read_at`

type MessageRepository struct {
	db *db.DB
}

func NewMessageRepository(database *db.DB) *MessageRepository {
	return &MessageRepository{db: database}
}

// Append stores msg under a per-pair advisory lock so created_at never goes
// backwards inside a conversation, even across server processes.
func (r *MessageRepository) Append(ctx context.Context, msg domain.Message) (domain.Message, error) {
	pairKey := domain.PairKey(msg.SenderID, msg.RecipientID)
	fileMeta, err := encodeFileMeta(msg.File)
	if err != nil {
		return msg, fmt.Errorf("%w: encode file meta: %v", domain.ErrValidation, err)
	}

	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return msg, storageErr("begin append", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, pairKey); err != nil {
		return msg, storageErr("lock conversation", err)
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO direct_messages(message_id, sender_id, recipient_id, pair_key, kind, body, file_meta, created_at)
		VALUES($1, $2, $3, $4, $5, $6, $7,
			GREATEST(clock_timestamp(), COALESCE((SELECT MAX(created_at) FROM direct_messages WHERE pair_key=$4), clock_timestamp())))
		RETURNING seq, created_at
	`, msg.ID, msg.SenderID, msg.RecipientID, pairKey, string(msg.Kind), msg.Body, fileMeta).Scan(&msg.Seq, &msg.CreatedAt)
	if err != nil {
		return msg, storageErr("insert message", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return msg, storageErr("commit append", err)
	}
	msg.IsRead = false
	msg.ReadAt = nil
	return msg, nil
}

func (r *MessageRepository) QueryConversation(ctx context.Context, userA, userB string, sinceSeq int64) ([]domain.Message, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM direct_messages
		WHERE pair_key=$1 AND seq > $2
		ORDER BY created_at, seq
	`, domain.PairKey(userA, userB), sinceSeq)
	if err != nil {
		return nil, storageErr("query conversation", err)
	}
	defer rows.Close()

	items := make([]domain.Message, 0)
	for rows.Next() {
		item, err := scanMessage(rows)
		if err != nil {
			return nil, storageErr("scan message", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate conversation", err)
	}
	return items, nil
}

func (r *MessageRepository) MarkRead(ctx context.Context, messageID, readerID string, readAt time.Time) (domain.Message, error) {
	msg, err := scanMessage(r.db.Pool.QueryRow(ctx, `
		UPDATE direct_messages
		SET is_read=TRUE, read_at=GREATEST($3::timestamptz, created_at)
		WHERE message_id=$1 AND recipient_id=$2 AND is_read=FALSE
		RETURNING `+messageColumns,
		messageID, readerID, readAt))
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Message{}, storageErr("mark read", err)
	}

	msg, err = r.GetByID(ctx, messageID)
	if err != nil {
		return domain.Message{}, err
	}
	if msg.RecipientID != readerID {
		return domain.Message{}, fmt.Errorf("%w: only the recipient can mark message %s read", domain.ErrForbidden, messageID)
	}
	return msg, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, messageID string) (domain.Message, error) {
	msg, err := scanMessage(r.db.Pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM direct_messages WHERE message_id=$1`, messageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Message{}, fmt.Errorf("%w: message %s", domain.ErrNotFound, messageID)
		}
		return domain.Message{}, storageErr("get message", err)
	}
	return msg, nil
}

func (r *MessageRepository) UnreadCounts(ctx context.Context, userID string) ([]domain.UnreadCount, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT sender_id, COUNT(*)
		FROM direct_messages
		WHERE recipient_id=$1 AND is_read=FALSE
		GROUP BY sender_id
		ORDER BY sender_id
	`, userID)
	if err != nil {
		return nil, storageErr("query unread counts", err)
	}
	defer rows.Close()

	items := make([]domain.UnreadCount, 0)
	for rows.Next() {
		var item domain.UnreadCount
		if err := rows.Scan(&item.PeerID, &item.Count); err != nil {
			return nil, storageErr("scan unread count", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate unread counts", err)
	}
	return items, nil
}

func scanMessage(row pgx.Row) (domain.Message, error) {
	var (
		msg      domain.Message
		kind     string
		fileMeta []byte
	)
	if err := row.Scan(&msg.ID, &msg.Seq, &msg.SenderID, &msg.RecipientID, &kind, &msg.Body, &fileMeta, &msg.CreatedAt, &msg.IsRead, &msg.ReadAt); err != nil {
		return domain.Message{}, err
	}
	msg.Kind = domain.MessageKind(kind)
	if len(fileMeta) > 0 {
		var ref domain.FileRef
		if err := json.Unmarshal(fileMeta, &ref); err != nil {
			return domain.Message{}, fmt.Errorf("decode file meta: %w", err)
		}
		msg.File = &ref
	}
	return msg, nil
}

func encodeFileMeta(ref *domain.FileRef) ([]byte, error) {
	if ref == nil {
		return nil, nil
	}
	stored := *ref
	stored.URL = ""
	return json.Marshal(stored)
}

func storageErr(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrStorage, op, err)
}
