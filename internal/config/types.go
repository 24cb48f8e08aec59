package config

// Config is the daemon configuration.
//
// All durations are Go duration strings (e.g. "10s", "3m", "15m").
// The file may be YAML or JSON; unknown fields are rejected.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Study    StudyConfig    `json:"study"`
	Regions  RegionsConfig  `json:"regions"`
	Dwell    DwellConfig    `json:"dwell"`
	Prompts  PromptsConfig  `json:"prompts"`
	Schedule ScheduleConfig `json:"schedule"`
	HTTP     HTTPConfig     `json:"http"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// StudyConfig points at the remote study server that collects event logs.
// An empty URL keeps events journaled locally only.
type StudyConfig struct {
	URL          string `json:"url,omitempty"`
	FlushTimeout string `json:"flush_timeout,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`
}

type RegionsConfig struct {
	// Path to the GeoJSON FeatureCollection of named regions.
	Path string `json:"path"`
	// NameProperty selects which feature property carries the region name.
	// Defaults to "NAMELSAD" (census neighborhood files).
	NameProperty string `json:"name_property,omitempty"`
}

type DwellConfig struct {
	// Threshold is the continuous dwell time that triggers a survey prompt.
	Threshold string `json:"threshold,omitempty"` // default "3m"
	// PollInterval re-evaluates dwell state even without fresh samples.
	PollInterval string `json:"poll_interval,omitempty"` // default "10s"
}

type PromptsConfig struct {
	// Expiry is the hard prompt lifetime. Default "15m".
	Expiry string `json:"expiry,omitempty"`

	LocationTitle string `json:"location_title,omitempty"`
	LocationURL   string `json:"location_url"`
	RandomTitle   string `json:"random_title,omitempty"`
	RandomURL     string `json:"random_url"`
}

type ScheduleConfig struct {
	// HorizonDays is the length of the randomized plan. Default 7.
	HorizonDays int `json:"horizon_days,omitempty"`
	// Windows are the daily delivery windows, in local time.
	Windows []WindowConfig `json:"windows"`
}

type WindowConfig struct {
	Start string `json:"start"` // "HH:MM"
	End   string `json:"end"`   // "HH:MM", exclusive
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen,omitempty"` // default "127.0.0.1:8787"
}

// TelegramConfig enables the Telegram delivery adapter.
// When disabled, prompts fall back to the console delivery driver.
type TelegramConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty"`
	ChatID      int64  `json:"chat_id,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}
