package ingest

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/broadcast"
	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/config"
	"github.com/Ryder-Industries-LLC/mhc-control-panel-sub006/telemetry"
)

// ViewerSample shares the latest polled viewer count between the room poller
// and the chat recorder so chat events carry a viewers snapshot.
type ViewerSample struct {
	mu      sync.Mutex
	viewers int
	ok      bool
}

// Set records the latest sample.
func (s *ViewerSample) Set(viewers int) {
	s.mu.Lock()
	s.viewers, s.ok = viewers, true
	s.mu.Unlock()
}

// Get returns a copy of the latest sample, or nil when none was taken yet.
func (s *ViewerSample) Get() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ok {
		return nil
	}
	v := s.viewers
	return &v
}

// StartChatRecorder connects to the IRC gateway and appends chat, tip and
// presence events for the configured channel. Blocks until ctx is cancelled.
func StartChatRecorder(ctx context.Context, db *sql.DB, cfg config.Config, sample *ViewerSample) {
	if err := cfg.ValidateIngestReady(); err != nil {
		slog.Info("chat recorder: credentials not set; skipping", slog.Any("err", err))
		return
	}
	client := twitch.NewClient(cfg.BotUsername, cfg.OAuthToken)

	record := func(e broadcast.Event) {
		if _, err := broadcast.AppendEvent(ctx, db, e); err != nil {
			slog.Error("chat recorder: append event", slog.String("method", string(e.Method)), slog.Any("err", err))
			return
		}
		telemetry.EventsIngested.Inc()
	}

	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		now := time.Now().UTC()
		record(broadcast.Event{
			Method:    broadcast.MethodChat,
			Timestamp: now,
			Username:  msg.User.Name,
			Body:      msg.Message,
			Viewers:   sample.Get(),
		})
		// Cheers double as tips: the bits amount is the token count.
		if msg.Bits > 0 {
			record(broadcast.Event{
				Method:    broadcast.MethodTip,
				Timestamp: now,
				Username:  msg.User.Name,
				Tokens:    msg.Bits,
				Viewers:   sample.Get(),
			})
		}
	})
	client.OnWhisperMessage(func(msg twitch.WhisperMessage) {
		record(broadcast.Event{
			Method:    broadcast.MethodPrivateMsg,
			Timestamp: time.Now().UTC(),
			Username:  msg.User.Name,
			Body:      msg.Message,
		})
	})
	client.OnUserJoinMessage(func(msg twitch.UserJoinMessage) {
		record(broadcast.Event{
			Method:    broadcast.MethodEnter,
			Timestamp: time.Now().UTC(),
			Username:  msg.User,
			Viewers:   sample.Get(),
		})
	})
	client.OnUserPartMessage(func(msg twitch.UserPartMessage) {
		record(broadcast.Event{
			Method:    broadcast.MethodLeave,
			Timestamp: time.Now().UTC(),
			Username:  msg.User,
			Viewers:   sample.Get(),
		})
	})

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		client.Disconnect()
		close(done)
	}()

	client.Join(cfg.Channel)
	slog.Info("chat recorder: connecting", slog.String("channel", cfg.Channel))
	if err := client.Connect(); err != nil && ctx.Err() == nil {
		slog.Error("chat recorder: connect error", slog.Any("err", err))
	}
	<-done
}
