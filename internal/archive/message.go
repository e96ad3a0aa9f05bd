package archive

import "time"

// UpsertMessage inserts or updates a message (idempotent on
// conversation_id + seq). Replaying a confirmation is a no-op in effect.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, seq, sender_id, body, timestamp, correlation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, seq) DO UPDATE SET
			body = excluded.body,
			timestamp = excluded.timestamp`,
		m.ConversationID, m.Seq, m.SenderID, m.Body, m.Timestamp, m.CorrelationID, now)
	return err
}

// ListMessages returns messages for a conversation in ascending sequence
// order. A positive afterSeq restricts to newer messages for incremental
// loads.
func (db *DB) ListMessages(conversationID string, afterSeq int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, seq, sender_id, body, timestamp, correlation_id
		FROM messages
		WHERE conversation_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`, conversationID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &m.Body, &m.Timestamp, &m.CorrelationID); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
