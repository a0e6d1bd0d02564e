package broadcast

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Method is the closed set of platform event kinds. The segment and rollup
// logic switches exhaustively over these so a newly introduced kind cannot be
// silently ignored.
type Method string

const (
	MethodStart         Method = "start"
	MethodStop          Method = "stop"
	MethodChat          Method = "chat"
	MethodTip           Method = "tip"
	MethodEnter         Method = "enter"
	MethodLeave         Method = "leave"
	MethodFollow        Method = "follow"
	MethodUnfollow      Method = "unfollow"
	MethodPrivateMsg    Method = "private_message"
	MethodSubjectChange Method = "subject_change"
)

// Methods lists every known event method.
func Methods() []Method {
	return []Method{
		MethodStart, MethodStop, MethodChat, MethodTip, MethodEnter,
		MethodLeave, MethodFollow, MethodUnfollow, MethodPrivateMsg, MethodSubjectChange,
	}
}

// ParseMethod validates a raw method string.
func ParseMethod(s string) (Method, error) {
	m := Method(s)
	switch m {
	case MethodStart, MethodStop, MethodChat, MethodTip, MethodEnter,
		MethodLeave, MethodFollow, MethodUnfollow, MethodPrivateMsg, MethodSubjectChange:
		return m, nil
	}
	return "", fmt.Errorf("unknown event method %q", s)
}

// IsActivity reports whether the method counts toward implicit segment
// detection. Everything except a start marker does: a stop can terminate a
// block even when its start marker was lost.
func (m Method) IsActivity() bool {
	switch m {
	case MethodStop, MethodChat, MethodTip, MethodEnter, MethodLeave,
		MethodFollow, MethodUnfollow, MethodPrivateMsg, MethodSubjectChange:
		return true
	case MethodStart:
		return false
	}
	return false
}

// Event is one row of the append-only platform event log. SegmentID and
// SessionID are linkage columns owned by this package; everything else is
// read-only once written.
type Event struct {
	ID        int64
	Method    Method
	Timestamp time.Time
	Username  string
	Body      string
	Tokens    int
	Viewers   *int
	SegmentID *int64
	SessionID *int64
}

// AppendEvent inserts an event into the log and returns its id. Linkage
// columns are never set at insert time; the segment builder owns them.
func AppendEvent(ctx context.Context, db *sql.DB, e Event) (int64, error) {
	if _, err := ParseMethod(string(e.Method)); err != nil {
		return 0, err
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var id int64
	err := db.QueryRowContext(ctx,
		`INSERT INTO events (method, ts, username, body, tokens, viewers) VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		string(e.Method), ts, e.Username, e.Body, e.Tokens, e.Viewers).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append %s event: %w", e.Method, err)
	}
	return id, nil
}

// scanEvents reads rows produced by an event SELECT ordered by (ts, id).
func scanEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var method string
		var username, body sql.NullString
		var tokens sql.NullInt64
		var viewers sql.NullInt64
		var segID, sesID sql.NullInt64
		if err := rows.Scan(&e.ID, &method, &e.Timestamp, &username, &body, &tokens, &viewers, &segID, &sesID); err != nil {
			return nil, err
		}
		e.Method = Method(method)
		e.Username = username.String
		e.Body = body.String
		e.Tokens = int(tokens.Int64)
		if viewers.Valid {
			v := int(viewers.Int64)
			e.Viewers = &v
		}
		if segID.Valid {
			v := segID.Int64
			e.SegmentID = &v
		}
		if sesID.Valid {
			v := sesID.Int64
			e.SessionID = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const eventColumns = `id, method, ts, username, body, tokens, viewers, segment_id, session_id`
