package models

import "time"

// FrontierNode is a discovered collection page waiting to be traversed.
// Nodes are never mutated after creation; children are new nodes.
type FrontierNode struct {
	URL       string // Remote address of the collection page
	LocalPath string // Local directory mirroring URL
	Name      string // Category label the node was discovered under (empty for the root)
	Depth     int
}

// DownloadTask is a single file transfer extracted from a collection page
type DownloadTask struct {
	SourceURL   string
	DestPath    string
	DisplayName string
}

// TransferEntry stores the outcome of one file transfer in the journal
type TransferEntry struct {
	Status      TransferStatus `json:"status" yaml:"status"`
	Mode        TransferMode   `json:"mode,omitempty" yaml:"mode,omitempty"`
	DestPath    string         `json:"dest_path" yaml:"dest_path"`
	Bytes       int64          `json:"bytes,omitempty" yaml:"bytes,omitempty"`
	MimeType    string         `json:"mime_type,omitempty" yaml:"mime_type,omitempty"`   // Sniffed from the completed file
	ErrorType   string         `json:"error_type,omitempty" yaml:"error_type,omitempty"` // Error category (on failure)
	Attempts    int            `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	LastAttempt time.Time      `json:"last_attempt" yaml:"last_attempt"`
}

// FailedTransfer pairs a journal entry with the URL it is keyed by
type FailedTransfer struct {
	URL           string `yaml:"url"`
	TransferEntry `yaml:",inline"`
}

// RunSummary is written to mirror_summary.yaml at the end of a run.
type RunSummary struct {
	RunID        string           `yaml:"run_id"`
	BaseURL      string           `yaml:"base_url"`
	StartURL     string           `yaml:"start_url"`
	OutputDir    string           `yaml:"output_dir"`
	StartTime    time.Time        `yaml:"start_time"`
	EndTime      time.Time        `yaml:"end_time"`
	Interrupted  bool             `yaml:"interrupted"`
	Pages        int64            `yaml:"pages_visited"`
	Files        int64            `yaml:"files_downloaded"`
	Bytes        int64            `yaml:"bytes_downloaded"`
	BytesHuman   string           `yaml:"bytes_human"`
	Skipped      int64            `yaml:"files_skipped"`
	Errors       int64            `yaml:"errors"`
	Claimed      int              `yaml:"nodes_claimed"`
	Failed       []FailedTransfer `yaml:"failed_transfers,omitempty"`
	ConfigFields map[string]any   `yaml:"configuration,omitempty"`
}
