package broadcast

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/telemetry"
)

// SegmentSource records how a segment was inferred.
type SegmentSource string

const (
	SourceExplicit SegmentSource = "explicit" // bounded by start/stop markers
	SourceImplicit SegmentSource = "implicit" // inferred from a dense activity block
	SourceManual   SegmentSource = "manual"   // operator-created
)

// Segment is a candidate contiguous broadcast interval. EndedAt nil means the
// broadcast is still in progress; at most one open segment exists at a time.
type Segment struct {
	ID           int64
	StartedAt    time.Time
	EndedAt      *time.Time
	SessionID    *int64
	Source       SegmentSource
	StartEventID *int64
	EndEventID   *int64
}

// implicit block detection knobs
const (
	implicitGapThreshold  = 30 * time.Minute // gap that splits two activity blocks
	implicitMinEvents     = 5                // noise floor: smaller blocks are discarded
	implicitStopLookahead = 5 * time.Minute  // window past a block's last event to find its stop marker
)

// BuildExplicitSegments scans start/stop markers and creates segments from
// them. Anomalies are recovered locally, never fatal: a start while another
// start is open closes the open one at the new start's timestamp; a stop with
// no open start is discarded. A trailing open start yields one open-ended
// segment. When since is non-nil only markers at or after it are scanned.
// Markers already linked to a segment are skipped, so incremental passes do
// not re-read the closing stop sitting exactly at the coverage watermark.
func BuildExplicitSegments(ctx context.Context, db *sql.DB, since *time.Time) ([]Segment, error) {
	logger := slog.Default().With(slog.String("component", "segment_builder"))
	q := `SELECT ` + eventColumns + ` FROM events WHERE method IN ($1,$2) AND segment_id IS NULL ORDER BY ts, id`
	args := []any{string(MethodStart), string(MethodStop)}
	if since != nil {
		q = `SELECT ` + eventColumns + ` FROM events WHERE method IN ($1,$2) AND segment_id IS NULL AND ts >= $3 ORDER BY ts, id`
		args = append(args, *since)
	}
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query start/stop events: %w", err)
	}
	markers, err := scanEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("scan start/stop events: %w", err)
	}

	var candidates []Segment
	var open *Event
	for i := range markers {
		ev := markers[i]
		switch ev.Method {
		case MethodStart:
			if open != nil {
				// Two concurrently open starts are never allowed: the earlier
				// one is treated as erroneously unclosed and ends where the
				// new one begins.
				end := ev.Timestamp
				sid := open.ID
				candidates = append(candidates, Segment{
					StartedAt: open.Timestamp, EndedAt: &end,
					Source: SourceExplicit, StartEventID: &sid,
				})
				logger.Warn("double-open start; closing previous at new start",
					slog.Int64("open_event_id", open.ID),
					slog.Int64("new_event_id", ev.ID),
					slog.Time("closed_at", end))
				telemetry.DataAnomalies.Inc()
			}
			open = &markers[i]
		case MethodStop:
			if open == nil {
				logger.Warn("stop with no open start; discarding",
					slog.Int64("event_id", ev.ID), slog.Time("ts", ev.Timestamp))
				telemetry.DataAnomalies.Inc()
				continue
			}
			end := ev.Timestamp
			sid, eid := open.ID, ev.ID
			candidates = append(candidates, Segment{
				StartedAt: open.Timestamp, EndedAt: &end,
				Source: SourceExplicit, StartEventID: &sid, EndEventID: &eid,
			})
			open = nil
		}
	}
	if open != nil {
		// Broadcast still in progress.
		sid := open.ID
		candidates = append(candidates, Segment{
			StartedAt: open.Timestamp, Source: SourceExplicit, StartEventID: &sid,
		})
	}

	created := make([]Segment, 0, len(candidates))
	for _, c := range candidates {
		seg, ok, err := insertSegmentIfDisjoint(ctx, db, c)
		if err != nil {
			return created, err
		}
		if !ok {
			logger.Debug("explicit segment overlaps existing coverage; skipped",
				slog.Time("started_at", c.StartedAt))
			continue
		}
		created = append(created, seg)
	}
	if len(created) > 0 {
		telemetry.SegmentsBuilt.Add(float64(len(created)))
		logger.Info("explicit segments built", slog.Int("count", len(created)))
	}
	return created, nil
}

// BuildImplicitSegments partitions still-unassigned activity events into
// contiguous blocks (gap > 30m starts a new block), discards blocks under the
// noise floor, and creates one segment per surviving block. Blocks that
// overlap existing segments are skipped, which makes the operation safe to
// re-run without duplicating coverage.
func BuildImplicitSegments(ctx context.Context, db *sql.DB) ([]Segment, error) {
	logger := slog.Default().With(slog.String("component", "segment_builder"))
	// Activity methods are every method except the start marker, so the
	// filter is a plain inequality.
	rows, err := db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE segment_id IS NULL AND method <> $1 ORDER BY ts, id`,
		string(MethodStart))
	if err != nil {
		return nil, fmt.Errorf("query unassigned activity events: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("scan unassigned activity events: %w", err)
	}

	var created []Segment
	for _, block := range splitBlocks(events, implicitGapThreshold) {
		if len(block) < implicitMinEvents {
			continue
		}
		first, last := block[0], block[len(block)-1]
		end := last.Timestamp
		var endEventID *int64
		// Prefer a stop marker inside the block, or shortly after it, as the
		// segment end.
		if stop := lastStopIn(block); stop != nil {
			end = stop.Timestamp
			id := stop.ID
			endEventID = &id
		} else if stop, err := stopShortlyAfter(ctx, db, last.Timestamp); err != nil {
			return created, err
		} else if stop != nil {
			end = stop.Timestamp
			id := stop.ID
			endEventID = &id
		}
		sid := first.ID
		seg, ok, err := insertSegmentIfDisjoint(ctx, db, Segment{
			StartedAt: first.Timestamp, EndedAt: &end,
			Source: SourceImplicit, StartEventID: &sid, EndEventID: endEventID,
		})
		if err != nil {
			return created, err
		}
		if !ok {
			logger.Debug("implicit block overlaps existing segment; skipped",
				slog.Time("started_at", first.Timestamp), slog.Time("ended_at", end),
				slog.Int("events", len(block)))
			continue
		}
		created = append(created, seg)
	}
	if len(created) > 0 {
		telemetry.SegmentsBuilt.Add(float64(len(created)))
		logger.Info("implicit segments built", slog.Int("count", len(created)))
	}
	return created, nil
}

// splitBlocks partitions time-ordered events wherever the gap to the previous
// event exceeds the threshold.
func splitBlocks(events []Event, gap time.Duration) [][]Event {
	var blocks [][]Event
	var cur []Event
	for i, e := range events {
		if i > 0 && e.Timestamp.Sub(events[i-1].Timestamp) > gap {
			blocks = append(blocks, cur)
			cur = nil
		}
		cur = append(cur, e)
	}
	if len(cur) > 0 {
		blocks = append(blocks, cur)
	}
	return blocks
}

func lastStopIn(block []Event) *Event {
	for i := len(block) - 1; i >= 0; i-- {
		if block[i].Method == MethodStop {
			return &block[i]
		}
	}
	return nil
}

// stopShortlyAfter finds an unassigned stop marker within the lookahead
// window past the block's last event. Such strays exist when the explicit
// builder discarded an orphan stop.
func stopShortlyAfter(ctx context.Context, db *sql.DB, after time.Time) (*Event, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE segment_id IS NULL AND method=$1 AND ts > $2 AND ts <= $3
		 ORDER BY ts, id LIMIT 1`,
		string(MethodStop), after, after.Add(implicitStopLookahead))
	if err != nil {
		return nil, fmt.Errorf("query trailing stop: %w", err)
	}
	found, err := scanEvents(rows)
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return &found[0], nil
}

// insertSegmentIfDisjoint inserts the segment unless its [started_at, ended_at)
// range intersects any existing segment. Open segments extend to +inf for the
// purpose of the check.
func insertSegmentIfDisjoint(ctx context.Context, db *sql.DB, seg Segment) (Segment, bool, error) {
	var overlap int
	var err error
	if seg.EndedAt != nil {
		err = db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM segments WHERE started_at < $1 AND (ended_at IS NULL OR ended_at > $2)`,
			*seg.EndedAt, seg.StartedAt).Scan(&overlap)
	} else {
		err = db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM segments WHERE ended_at IS NULL OR ended_at > $1`,
			seg.StartedAt).Scan(&overlap)
	}
	if err != nil {
		return seg, false, fmt.Errorf("segment overlap check: %w", err)
	}
	if overlap > 0 {
		return seg, false, nil
	}
	err = db.QueryRowContext(ctx,
		`INSERT INTO segments (started_at, ended_at, source, start_event_id, end_event_id)
		 VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		seg.StartedAt, seg.EndedAt, string(seg.Source), seg.StartEventID, seg.EndEventID).Scan(&seg.ID)
	if err != nil {
		return seg, false, fmt.Errorf("insert segment: %w", err)
	}
	return seg, true, nil
}

// AssignEventsToSegments links every still-unassigned event whose timestamp
// falls inside a segment's window to that segment. Marker events named by
// start_event_id/end_event_id are pinned first so a boundary event always
// belongs to the segment that references it. Returns the number of events
// linked.
func AssignEventsToSegments(ctx context.Context, db *sql.DB) (int64, error) {
	segs, err := loadSegments(ctx, db)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, s := range segs {
		for _, pin := range []*int64{s.StartEventID, s.EndEventID} {
			if pin == nil {
				continue
			}
			res, err := db.ExecContext(ctx,
				`UPDATE events SET segment_id=$1 WHERE id=$2 AND segment_id IS NULL`, s.ID, *pin)
			if err != nil {
				return total, fmt.Errorf("pin marker event %d: %w", *pin, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		var res sql.Result
		if s.EndedAt != nil {
			res, err = db.ExecContext(ctx,
				`UPDATE events SET segment_id=$1 WHERE segment_id IS NULL AND ts >= $2 AND ts <= $3`,
				s.ID, s.StartedAt, *s.EndedAt)
		} else {
			res, err = db.ExecContext(ctx,
				`UPDATE events SET segment_id=$1 WHERE segment_id IS NULL AND ts >= $2`,
				s.ID, s.StartedAt)
		}
		if err != nil {
			return total, fmt.Errorf("assign events to segment %d: %w", s.ID, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// loadSegments returns all segments ordered by start time.
func loadSegments(ctx context.Context, db *sql.DB) ([]Segment, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, started_at, ended_at, session_id, source, start_event_id, end_event_id
		 FROM segments ORDER BY started_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load segments: %w", err)
	}
	defer rows.Close()
	var out []Segment
	for rows.Next() {
		var s Segment
		var ended sql.NullTime
		var sesID, startEv, endEv sql.NullInt64
		var source string
		if err := rows.Scan(&s.ID, &s.StartedAt, &ended, &sesID, &source, &startEv, &endEv); err != nil {
			return nil, err
		}
		s.Source = SegmentSource(source)
		if ended.Valid {
			t := ended.Time
			s.EndedAt = &t
		}
		if sesID.Valid {
			v := sesID.Int64
			s.SessionID = &v
		}
		if startEv.Valid {
			v := startEv.Int64
			s.StartEventID = &v
		}
		if endEv.Valid {
			v := endEv.Int64
			s.EndEventID = &v
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
