package notify

import "log/slog"

// logNotifyResult logs the result of a notification attempt.
func logNotifyResult(err error, notifyType string) {
	if err != nil {
		slog.Error("notification failed", "type", notifyType, "error", err)
	} else {
		slog.Info("notification sent", "type", notifyType)
	}
}
