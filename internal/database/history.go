package database

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"strandcam/internal/lifecycle"
	"strandcam/internal/store"
)

type recordingSlot struct {
	format string
	get    func(store.SharedState) *store.RecordingPath
}

var recordingSlots = []recordingSlot{
	{"fmf", func(s store.SharedState) *store.RecordingPath { return s.IsRecordingFmf }},
	{"mkv", func(s store.SharedState) *store.RecordingPath { return s.IsRecordingMkv }},
	{"ufmf", func(s store.SharedState) *store.RecordingPath { return s.IsRecordingUfmf }},
	{"csv", func(s store.SharedState) *store.RecordingPath { return s.IsSavingObjDetectionCsv }},
}

// WatchRecordings logs every recording start and stop seen in the store
// until ctx is cancelled. Open rows are closed on return.
func (d *Database) WatchRecordings(ctx context.Context, shared *store.Shared) error {
	prev := shared.Read()
	d.syncRecordings(store.SharedState{}, prev, time.Now())
	changes, unsubscribe := shared.Subscribe(32)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			d.syncRecordings(prev, store.SharedState{}, time.Now())
			return nil
		case ch, ok := <-changes:
			if !ok {
				return nil
			}
			d.syncRecordings(prev, ch.New, time.Now())
			prev = ch.New
		}
	}
}

func (d *Database) syncRecordings(prev, next store.SharedState, now time.Time) {
	for _, slot := range recordingSlots {
		was, is := slot.get(prev), slot.get(next)
		if was != nil && (is == nil || is.ID != was.ID) {
			if err := d.StopRecording(was.ID, now); err != nil {
				log.Error().Str("component", "database").Err(err).Msg("cannot record recording stop")
			}
		}
		if is != nil && (was == nil || is.ID != was.ID) {
			rec := &RecordingRecord{ID: is.ID, Format: slot.format, Path: is.Path, StartedAt: is.StartedAt}
			if err := d.StartRecording(rec); err != nil {
				log.Error().Str("component", "database").Err(err).Msg("cannot record recording start")
			}
		}
	}
}

// RecordShutdown stores the coordinator's final cause and exit code.
func (d *Database) RecordShutdown(s lifecycle.Shutdown, exitCode int) error {
	rec := &ShutdownRecord{
		Cause:    s.Cause.String(),
		Thread:   s.Thread,
		ExitCode: exitCode,
		At:       time.Now(),
	}
	if s.Err != nil {
		rec.Error = s.Err.Error()
	}
	return d.SaveShutdown(rec)
}
