// Package store persists device connect events and capture sessions.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mirrolink/models"
)

// SessionRecord is one row of the sessions table
type SessionRecord struct {
	ID        int64  `json:"id"`
	Serial    string `json:"serial"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	MaxFPS    int    `json:"max_fps"`
	Bitrate   int    `json:"bitrate"`
	StartedAt int64  `json:"started_at"`
	EndedAt   int64  `json:"ended_at,omitempty"`
	Frames    int64  `json:"frames"`
	EndReason string `json:"end_reason,omitempty"`
}

// DeviceHistory writes and reads history rows
type DeviceHistory struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

func NewDeviceHistory(db *sql.DB, log *zap.SugaredLogger) *DeviceHistory {
	return &DeviceHistory{db: db, log: log}
}

// RecordEvent stores a device connect or disconnect
func (h *DeviceHistory) RecordEvent(evt models.DeviceEvent) error {
	_, err := h.db.Exec(
		`INSERT INTO device_events (serial, model, manufacturer, api_level, event, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		evt.Device.Serial, evt.Device.Model, evt.Device.Manufacturer, evt.Device.APILevel,
		evt.Type, evt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert device event: %w", err)
	}
	return nil
}

// Observer returns a device observer that records events of type kind.
// Write failures are logged.
func (h *DeviceHistory) Observer(kind string) func(models.Device) {
	return func(dev models.Device) {
		evt := models.DeviceEvent{Type: kind, Device: dev, Timestamp: time.Now().Unix()}
		if err := h.RecordEvent(evt); err != nil {
			h.log.Warnf("⚠️ [%s] Failed to record %s: %v", dev.Serial, kind, err)
		}
	}
}

// RecentEvents returns up to limit events, newest first
func (h *DeviceHistory) RecentEvents(limit int) ([]models.DeviceEvent, error) {
	rows, err := h.db.Query(
		`SELECT serial, model, manufacturer, api_level, event, created_at
		 FROM device_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query device events: %w", err)
	}
	defer rows.Close()

	events := make([]models.DeviceEvent, 0)
	for rows.Next() {
		var evt models.DeviceEvent
		var model, manufacturer sql.NullString
		if err := rows.Scan(&evt.Device.Serial, &model, &manufacturer, &evt.Device.APILevel, &evt.Type, &evt.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan device event: %w", err)
		}
		evt.Device.Model = model.String
		evt.Device.Manufacturer = manufacturer.String
		events = append(events, evt)
	}
	return events, rows.Err()
}

// SessionStarted opens a session row and returns its id
func (h *DeviceHistory) SessionStarted(serial string, cfg models.StreamConfig, at time.Time) (int64, error) {
	res, err := h.db.Exec(
		`INSERT INTO sessions (serial, width, height, max_fps, bitrate, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		serial, cfg.Width, cfg.Height, cfg.MaxFPS, cfg.Bitrate, at.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert session: %w", err)
	}
	return res.LastInsertId()
}

// SessionEnded closes a session row
func (h *DeviceHistory) SessionEnded(id int64, at time.Time, frames int64, reason string) error {
	res, err := h.db.Exec(
		`UPDATE sessions SET ended_at = ?, frames = ?, end_reason = ? WHERE id = ? AND ended_at IS NULL`,
		at.Unix(), frames, reason, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update session %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %d not found or already ended", id)
	}
	return nil
}

// RecentSessions returns up to limit sessions, newest first
func (h *DeviceHistory) RecentSessions(limit int) ([]SessionRecord, error) {
	rows, err := h.db.Query(
		`SELECT id, serial, width, height, max_fps, bitrate, started_at, ended_at, frames, end_reason
		 FROM sessions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]SessionRecord, 0)
	for rows.Next() {
		var s SessionRecord
		var ended sql.NullInt64
		var reason sql.NullString
		if err := rows.Scan(&s.ID, &s.Serial, &s.Width, &s.Height, &s.MaxFPS, &s.Bitrate,
			&s.StartedAt, &ended, &s.Frames, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.EndedAt = ended.Int64
		s.EndReason = reason.String
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
