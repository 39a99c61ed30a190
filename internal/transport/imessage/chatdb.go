package imessage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/TalhaNadeem001/mac-imessage-gateway/internal/transport"
)

// appleEpoch is 2001-01-01T00:00:00Z, the reference date of Messages timestamps.
const appleEpoch = 978307200

const newMessagesQuery = `
SELECT m.ROWID, COALESCE(m.guid, ''), m.text, m.attributedBody, COALESCE(m.date, 0),
       COALESCE(m.is_from_me, 0), COALESCE(h.id, ''), COALESCE(c.chat_identifier, '')
FROM message m
LEFT JOIN handle h ON h.ROWID = m.handle_id
LEFT JOIN chat_message_join cmj ON cmj.message_id = m.ROWID
LEFT JOIN chat c ON c.ROWID = cmj.chat_id
WHERE m.ROWID > ?
ORDER BY m.ROWID ASC
LIMIT ?`

// chatDB reads new rows from the Messages database. It never writes.
type chatDB struct {
	db *sql.DB
}

func openChatDB(path string) (*chatDB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("chat.db path is required")
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_pragma=busy_timeout(2000)")
	if err != nil {
		return nil, err
	}
	// Messages.app owns the writer side; keep a single reader connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &chatDB{db: db}, nil
}

func (c *chatDB) Close() error { return c.db.Close() }

func (c *chatDB) latestRowID(ctx context.Context) (int64, error) {
	var id int64
	err := c.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(ROWID), 0) FROM message`).Scan(&id)
	return id, err
}

type chatRow struct {
	rowID int64
	msg   transport.InboundMessage
}

// since returns up to limit messages with ROWID > after, oldest first.
func (c *chatDB) since(ctx context.Context, after int64, limit int) ([]chatRow, error) {
	rows, err := c.db.QueryContext(ctx, newMessagesQuery, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chatRow
	for rows.Next() {
		var (
			r        chatRow
			guid     string
			text     sql.NullString
			attrBody []byte
			date     int64
			fromMe   int64
			handle   string
			chatID   string
		)
		if err := rows.Scan(&r.rowID, &guid, &text, &attrBody, &date, &fromMe, &handle, &chatID); err != nil {
			return nil, err
		}
		body := text.String
		if strings.TrimSpace(body) == "" {
			body = decodeAttributedBody(attrBody)
		}
		sender := handle
		if sender == "" {
			sender = chatID
		}
		r.msg = transport.InboundMessage{
			ID:         guid,
			Sender:     sender,
			Chat:       chatID,
			Text:       body,
			ReceivedAt: appleTime(date),
			FromMe:     fromMe != 0,
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// appleTime converts a Messages date column. Newer databases store
// nanoseconds since the Apple epoch, older ones seconds.
func appleTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	if v > 1e11 {
		return time.Unix(appleEpoch, 0).Add(time.Duration(v)).UTC()
	}
	return time.Unix(appleEpoch+v, 0).UTC()
}

// decodeAttributedBody extracts the NSString payload of a typedstream-encoded
// attributedBody blob. Newer macOS versions leave message.text empty and only
// fill this column.
func decodeAttributedBody(b []byte) string {
	i := bytes.Index(b, []byte("NSString"))
	if i < 0 {
		return ""
	}
	b = b[i+len("NSString"):]
	j := bytes.IndexByte(b, '+')
	if j < 0 || j+1 >= len(b) {
		return ""
	}
	b = b[j+1:]

	n := int(b[0])
	b = b[1:]
	switch n {
	case 0x81:
		if len(b) < 2 {
			return ""
		}
		n = int(binary.LittleEndian.Uint16(b))
		b = b[2:]
	case 0x82:
		if len(b) < 4 {
			return ""
		}
		n = int(binary.LittleEndian.Uint32(b))
		b = b[4:]
	}
	if n > len(b) {
		n = len(b)
	}
	return string(b[:n])
}
