package config

// Config is the process-level configuration. Tenant records (tokens, channels,
// admins, block lists) live in the directory database, not here; a config
// reload never touches running tenant sessions.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Directory  DirectoryConfig  `json:"directory"`
	Notifier   NotifierConfig   `json:"notifier"`
	Moderation ModerationConfig `json:"moderation"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
}

type TelegramConfig struct {
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// OpsChatID receives warning/error log lines when logging.telegram is
	// enabled. The first started tenant session is used as the sender.
	OpsChatID int64 `json:"ops_chat_id,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DirectoryConfig controls the tenant directory database.
type DirectoryConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite busy_timeout pragma).
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// ReconcileEvery is a Go duration string; how often the registry compares
	// the active tenant set in the directory against running sessions.
	ReconcileEvery string `json:"reconcile_every,omitempty"`
}

// NotifierConfig controls outbound delivery (rate limit + retry policy).
//
// All durations are Go duration strings (e.g. "500ms", "10s").
type NotifierConfig struct {
	RatePerSec int    `json:"rate_per_sec"`
	RetryMax   int    `json:"retry_max"`
	RetryBase  string `json:"retry_base,omitempty"`
}

// ModerationConfig bounds the in-memory moderation state.
//
// All durations are Go duration strings.
type ModerationConfig struct {
	// UndoWindow is how long a rejected submission can be restored.
	UndoWindow string `json:"undo_window,omitempty"`
	// EditTimeout bounds a stuck edit-capture session.
	EditTimeout string `json:"edit_timeout,omitempty"`
	// SubmissionTTL evicts submissions nobody ever acted on.
	SubmissionTTL string `json:"submission_ttl,omitempty"`
	// SweepEvery is the maintenance sweep cadence (cron tick).
	SweepEvery string `json:"sweep_every,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// TickEvery is a Go duration string; how often due jobs are dispatched.
	TickEvery string `json:"tick_every,omitempty"`
	// HistorySize bounds the fired-job history kept for inspection.
	HistorySize int `json:"history_size,omitempty"`
}
