package ingest

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"time"

	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/broadcast"
	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/platformapi"
	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/telemetry"
)

// StartRoomPoller polls the platform room state and appends start/stop
// markers on online/offline transitions plus subject_change events when the
// room subject moves. Each poll also refreshes the shared viewer sample.
// Env knobs:
//
//	ROOM_POLL_INTERVAL (default 30s)
func StartRoomPoller(ctx context.Context, db *sql.DB, client *platformapi.Client, channel string, sample *ViewerSample) {
	if channel == "" {
		slog.Info("room poller: channel empty; abort")
		return
	}
	if client == nil || client.BaseURL == "" {
		slog.Info("room poller: platform API not configured; abort")
		return
	}

	pollEvery := 30 * time.Second
	if v := os.Getenv("ROOM_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			pollEvery = d
		}
	}

	var (
		online      bool
		seeded      bool
		lastSubject string
	)

	record := func(e broadcast.Event) {
		if _, err := broadcast.AppendEvent(ctx, db, e); err != nil {
			slog.Error("room poller: append event", slog.String("method", string(e.Method)), slog.Any("err", err))
			return
		}
		telemetry.EventsIngested.Inc()
	}

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	slog.Info("room poller: started", slog.String("channel", channel), slog.Duration("interval", pollEvery))
	for {
		if ctx.Err() != nil {
			return
		}
		func() {
			state, err := client.GetRoomState(ctx, channel)
			if err != nil {
				slog.Debug("room poller: room state", slog.Any("err", err))
				return
			}
			now := time.Now().UTC()
			if state.Online {
				sample.Set(state.Viewers)
			}
			switch {
			case !seeded:
				// First observation after boot: take the state as baseline
				// without synthesizing a transition marker. The segment
				// builder's implicit pass covers the window we missed.
				online, lastSubject, seeded = state.Online, state.Subject, true
				slog.Info("room poller: baseline", slog.Bool("online", online))
			case state.Online && !online:
				v := state.Viewers
				record(broadcast.Event{Method: broadcast.MethodStart, Timestamp: now, Viewers: &v})
				online = true
				slog.Info("room poller: room online", slog.Int("viewers", state.Viewers))
			case !state.Online && online:
				record(broadcast.Event{Method: broadcast.MethodStop, Timestamp: now})
				online = false
				slog.Info("room poller: room offline")
			}
			if state.Online && state.Subject != "" && state.Subject != lastSubject {
				record(broadcast.Event{Method: broadcast.MethodSubjectChange, Timestamp: now, Body: state.Subject})
				lastSubject = state.Subject
			}
		}()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
