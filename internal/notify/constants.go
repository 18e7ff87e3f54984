package notify

import "time"

// AppName is the application name used in notifications.
const AppName = "ZuidWest FM Tempo"

// timestampUTC returns the time in UTC RFC3339 format.
func timestampUTC(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339)
}
