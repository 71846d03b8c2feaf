package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"strandcam/internal/detect"
	"strandcam/internal/recording"
	"strandcam/internal/store"
)

// Preferences are the operator settings restored at startup.
type Preferences struct {
	FormatStr             string              `json:"format_str"`
	FormatStrMkv          string              `json:"format_str_mkv"`
	FormatStrUfmf         string              `json:"format_str_ufmf"`
	RecordingFramerate    recording.FrameRate `json:"recording_framerate"`
	MkvRecordingConfig    recording.MkvConfig `json:"mkv_recording_config"`
	PostTriggerBufferSize int                 `json:"post_trigger_buffer_size"`
	CheckerboardWidth     uint32              `json:"checkerboard_width"`
	CheckerboardHeight    uint32              `json:"checkerboard_height"`
	ObjDetectionConfig    detect.Config       `json:"obj_detection_config"`
	ImOps                 store.ImOpsState    `json:"im_ops"`
}

// PreferencesFrom extracts the persisted fields of s.
func PreferencesFrom(s store.SharedState) Preferences {
	return Preferences{
		FormatStr:             s.FormatStr,
		FormatStrMkv:          s.FormatStrMkv,
		FormatStrUfmf:         s.FormatStrUfmf,
		RecordingFramerate:    s.RecordingFramerate,
		MkvRecordingConfig:    s.MkvRecordingConfig,
		PostTriggerBufferSize: s.PostTriggerBufferSize,
		CheckerboardWidth:     s.Checkerboard.Width,
		CheckerboardHeight:    s.Checkerboard.Height,
		ObjDetectionConfig:    s.ObjDetectionConfig,
		ImOps:                 s.ImOps,
	}
}

// Apply copies the preferences into s. Detection itself stays off.
func (p Preferences) Apply(s *store.SharedState) {
	s.FormatStr = p.FormatStr
	s.FormatStrMkv = p.FormatStrMkv
	s.FormatStrUfmf = p.FormatStrUfmf
	s.RecordingFramerate = p.RecordingFramerate
	s.MkvRecordingConfig = p.MkvRecordingConfig
	s.PostTriggerBufferSize = p.PostTriggerBufferSize
	s.Checkerboard.Width = p.CheckerboardWidth
	s.Checkerboard.Height = p.CheckerboardHeight
	s.ObjDetectionConfig = p.ObjDetectionConfig
	s.ImOps = p.ImOps
	s.ImOps.DoDetection = false
}

const preferencesKey = "preferences"

// SavePreferences stores p under a single key.
func (d *Database) SavePreferences(p Preferences) error {
	buf, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	return d.SaveConfig(preferencesKey, string(buf))
}

// LoadPreferences returns the saved preferences, or nil when none exist.
func (d *Database) LoadPreferences() (*Preferences, error) {
	raw, err := d.GetConfig(preferencesKey)
	if err != nil || raw == "" {
		return nil, err
	}
	var p Preferences
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode preferences: %w", err)
	}
	return &p, nil
}

// RestorePreferences applies saved preferences to shared. It reports
// whether anything was restored.
func (d *Database) RestorePreferences(shared *store.Shared) (bool, error) {
	p, err := d.LoadPreferences()
	if err != nil || p == nil {
		return false, err
	}
	shared.Modify(p.Apply)
	log.Info().Str("component", "database").Msg("restored preferences")
	return true, nil
}

// WatchPreferences saves the preferences whenever a store change alters
// them, until ctx is cancelled. Each notification saves the current state,
// so a change dropped from a full subscription is picked up by the next one
// still queued.
func (d *Database) WatchPreferences(ctx context.Context, shared *store.Shared) error {
	last := PreferencesFrom(shared.Read())
	changes, unsubscribe := shared.Subscribe(32)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			next := PreferencesFrom(shared.Read())
			if equalPreferences(last, next) {
				continue
			}
			if err := d.SavePreferences(next); err != nil {
				log.Error().Str("component", "database").Err(err).Msg("cannot save preferences")
				continue
			}
			last = next
		}
	}
}

func equalPreferences(a, b Preferences) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
