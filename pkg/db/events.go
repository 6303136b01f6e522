package db

import (
	"context"
	"fmt"
)

// joinHistoryLimit bounds the retained join history.
const joinHistoryLimit = 500

// JoinEvent is one join-history entry.
type JoinEvent struct {
	IEEE  string `json:"ieee"`
	NWK   uint16 `json:"nwk"`
	Event string `json:"event"`
	At    string `json:"at"`
}

// SecurityEvent is one security log entry.
type SecurityEvent struct {
	IEEE   string `json:"ieee"`
	Event  string `json:"event"`
	Detail string `json:"detail"`
	At     string `json:"at"`
}

// RecordJoin appends a join-history entry and prunes the ring.
func (d *DB) RecordJoin(ctx context.Context, ieee string, nwk uint16, event string) error {
	if _, err := d.ExecContext(ctx,
		`INSERT INTO join_history (ieee, nwk, event) VALUES (?, ?, ?)`, ieee, nwk, event); err != nil {
		return fmt.Errorf("record join: %w", err)
	}
	_, err := d.ExecContext(ctx, `
		DELETE FROM join_history WHERE id NOT IN (
			SELECT id FROM join_history ORDER BY id DESC LIMIT ?)`, joinHistoryLimit)
	return err
}

// JoinHistory returns the newest entries first.
func (d *DB) JoinHistory(ctx context.Context, limit int) ([]JoinEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.QueryContext(ctx, `
		SELECT ieee, nwk, event, at FROM join_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("join history: %w", err)
	}
	defer rows.Close()

	var out []JoinEvent
	for rows.Next() {
		var e JoinEvent
		if err := rows.Scan(&e.IEEE, &e.NWK, &e.Event, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordSecurityEvent appends a security log entry.
func (d *DB) RecordSecurityEvent(ctx context.Context, ieee, event, detail string) error {
	_, err := d.ExecContext(ctx,
		`INSERT INTO security_events (ieee, event, detail) VALUES (?, ?, ?)`, ieee, event, detail)
	if err != nil {
		return fmt.Errorf("record security event: %w", err)
	}
	return nil
}

// SecurityEvents returns the newest entries first.
func (d *DB) SecurityEvents(ctx context.Context, limit int) ([]SecurityEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.QueryContext(ctx, `
		SELECT ieee, event, detail, at FROM security_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("security events: %w", err)
	}
	defer rows.Close()

	var out []SecurityEvent
	for rows.Next() {
		var e SecurityEvent
		if err := rows.Scan(&e.IEEE, &e.Event, &e.Detail, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordAutomationTrace mirrors one automation execution into the store.
func (d *DB) RecordAutomationTrace(ctx context.Context, ruleID, source, target, command string, success bool, errText string) error {
	ok := 0
	if success {
		ok = 1
	}
	if _, err := d.ExecContext(ctx, `
		INSERT INTO automation_trace (rule_id, source, target, command, success, error)
		VALUES (?, ?, ?, ?, ?, ?)`, ruleID, source, target, command, ok, errText); err != nil {
		return fmt.Errorf("record automation trace: %w", err)
	}
	_, err := d.ExecContext(ctx, `
		DELETE FROM automation_trace WHERE id NOT IN (
			SELECT id FROM automation_trace ORDER BY id DESC LIMIT 1000)`)
	return err
}
