package server

// Request types for WebSocket commands and the settings API with validation tags.
// Pointer fields are optional: nil leaves the stored value unchanged.

// --- Audio settings ---

// AudioUpdateRequest is the request body for audio/update.
type AudioUpdateRequest struct {
	Input                *string `json:"input" validate:"omitempty,max=256"`
	File                 *string `json:"file" validate:"omitempty,max=4096"`
	Realtime             *bool   `json:"realtime"`
	SampleRate           *int    `json:"sample_rate" validate:"omitempty,gte=10,lte=384000"`
	BitDepth             *int    `json:"bit_depth" validate:"omitempty,oneof=8 16 24 32"`
	ChunkDurationSeconds *int    `json:"chunk_duration_seconds" validate:"omitempty,gte=1,lte=60"`
}

// CaptureUpdateRequest is the request body for capture/update.
type CaptureUpdateRequest struct {
	ReadyTimeoutMs *int `json:"ready_timeout_ms" validate:"omitempty,gte=100,lte=60000"`
	PipeCapacity   *int `json:"pipe_capacity" validate:"omitempty,gte=1,lte=64"`
}

// --- Notification settings ---

// WebhookUpdateRequest is the request body for notifications/webhook/update.
type WebhookUpdateRequest struct {
	URL           *string  `json:"url" validate:"omitempty,max=2048"`
	MinIntervalMs *int     `json:"min_interval_ms" validate:"omitempty,gte=0,lte=3600000"`
	TokenURL      *string  `json:"token_url" validate:"omitempty,max=2048"`
	ClientID      *string  `json:"client_id" validate:"omitempty,max=256"`
	ClientSecret  *string  `json:"client_secret" validate:"omitempty,max=512"`
	Scopes        []string `json:"scopes" validate:"omitempty,max=16,dive,max=256"`
}

// --- Event log archive ---

// ArchiveUpdateRequest is the request body for archive/update.
type ArchiveUpdateRequest struct {
	Endpoint        *string `json:"endpoint" validate:"omitempty,max=2048"`
	Bucket          *string `json:"bucket" validate:"omitempty,max=63"`
	AccessKeyID     *string `json:"access_key_id" validate:"omitempty,max=128"`
	SecretAccessKey *string `json:"secret_access_key" validate:"omitempty,max=256"`
	Prefix          *string `json:"prefix" validate:"omitempty,max=256"`
	IntervalMinutes *int    `json:"interval_minutes" validate:"omitempty,gte=0,lte=1440"`
}

// --- Event log view ---

// EventsViewRequest is the request body for events/view.
type EventsViewRequest struct {
	Limit  int    `json:"limit" validate:"omitempty,gte=1,lte=500"`
	Offset int    `json:"offset" validate:"gte=0"`
	Type   string `json:"type" validate:"omitempty,oneof=capture tempo archive"`
}

// --- Combined settings ---

// SettingsRequest is the request body for POST /api/settings. Sections left out are not changed.
type SettingsRequest struct {
	Audio    *AudioUpdateRequest   `json:"audio"`
	Capture  *CaptureUpdateRequest `json:"capture"`
	Webhook  *WebhookUpdateRequest `json:"webhook"`
	Archive  *ArchiveUpdateRequest `json:"archive"`
	LogLevel *string               `json:"log_level" validate:"omitempty,oneof=debug info warn error"`
}
