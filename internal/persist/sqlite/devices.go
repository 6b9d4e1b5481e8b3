package sqlite

import (
	"context"

	"github.com/roach88/wolfpack/internal/persist"
)

// RegisterDevice implements persist.DeviceRegistry. Registering an existing
// token moves it to the new user.
func (s *Store) RegisterDevice(ctx context.Context, d persist.Device) error {
	if d.Token == "" || d.UserID == "" {
		return persist.Errorf(persist.CodeValidation, "device requires user_id and token")
	}
	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (token, user_id, platform, registered_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			user_id       = excluded.user_id,
			platform      = excluded.platform,
			registered_at = excluded.registered_at
	`, d.Token, d.UserID, d.Platform, formatTime(d.RegisteredAt))
	return dbError("register device", err)
}

// UnregisterDevice implements persist.DeviceRegistry. Unknown tokens are
// not an error.
func (s *Store) UnregisterDevice(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE token = ?`, token)
	return dbError("unregister device", err)
}

// Devices returns the registered devices of a user ordered by token.
func (s *Store) Devices(ctx context.Context, userID string) ([]persist.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, user_id, platform, registered_at
		FROM devices
		WHERE user_id = ?
		ORDER BY token ASC
	`, userID)
	if err != nil {
		return nil, dbError("devices", err)
	}
	defer rows.Close()

	var out []persist.Device
	for rows.Next() {
		var (
			d  persist.Device
			at string
		)
		if err := rows.Scan(&d.Token, &d.UserID, &d.Platform, &at); err != nil {
			return nil, dbError("devices: scan", err)
		}
		if d.RegisteredAt, err = parseTime(at); err != nil {
			return nil, dbError("devices: time", err)
		}
		out = append(out, d)
	}
	return out, dbError("devices: iterate", rows.Err())
}
