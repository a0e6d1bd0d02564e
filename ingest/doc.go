// Package ingest records raw broadcaster room activity into the events
// table: chat, tips, presence joins/parts from the IRC gateway, and
// start/stop/subject markers derived from polling the platform room state.
// Everything downstream (segments, sessions, rollups) is reconstructed from
// these rows, so ingest is append-only and never edits history.
package ingest
