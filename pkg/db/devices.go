package db

import (
	"context"
	"encoding/json"
	"fmt"
)

// DeviceRecord is one persisted device identity.
type DeviceRecord struct {
	IEEE         string          `json:"ieee"`
	NWK          uint16          `json:"nwk"`
	Manufacturer string          `json:"manufacturer"`
	Model        string          `json:"model"`
	Role         string          `json:"role"`
	PowerSource  string          `json:"power_source"`
	Endpoints    json.RawMessage `json:"endpoints"`
}

// UpsertDevice stores or refreshes a device's identity.
func (d *DB) UpsertDevice(ctx context.Context, rec DeviceRecord) error {
	if len(rec.Endpoints) == 0 {
		rec.Endpoints = json.RawMessage("{}")
	}
	_, err := d.ExecContext(ctx, `
		INSERT INTO devices (ieee, nwk, manufacturer, model, role, power_source, endpoints)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ieee) DO UPDATE SET
			nwk = excluded.nwk,
			manufacturer = excluded.manufacturer,
			model = excluded.model,
			role = excluded.role,
			power_source = excluded.power_source,
			endpoints = excluded.endpoints,
			updated_at = datetime('now')`,
		rec.IEEE, rec.NWK, rec.Manufacturer, rec.Model, rec.Role, rec.PowerSource, string(rec.Endpoints))
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", rec.IEEE, err)
	}
	return nil
}

// ListDevices returns every persisted device.
func (d *DB) ListDevices(ctx context.Context) ([]DeviceRecord, error) {
	rows, err := d.QueryContext(ctx, `
		SELECT ieee, nwk, manufacturer, model, role, power_source, endpoints
		FROM devices`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []DeviceRecord
	for rows.Next() {
		var rec DeviceRecord
		var endpoints string
		if err := rows.Scan(&rec.IEEE, &rec.NWK, &rec.Manufacturer, &rec.Model, &rec.Role, &rec.PowerSource, &endpoints); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		rec.Endpoints = json.RawMessage(endpoints)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteDevice removes a device's persisted identity.
func (d *DB) DeleteDevice(ctx context.Context, ieee string) error {
	_, err := d.ExecContext(ctx, `DELETE FROM devices WHERE ieee = ?`, ieee)
	if err != nil {
		return fmt.Errorf("delete device %s: %w", ieee, err)
	}
	return nil
}
