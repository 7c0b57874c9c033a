package models

// TransferStatus represents the outcome of a file transfer in the journal
type TransferStatus string

const (
	TransferStatusUnset    TransferStatus = ""          // Zero value = unset/unknown
	TransferStatusSuccess  TransferStatus = "success"   // File written completely
	TransferStatusFailure  TransferStatus = "failure"   // All attempts exhausted
	TransferStatusSkipped  TransferStatus = "skipped"   // Destination already complete
	TransferStatusNotFound TransferStatus = "not_found" // URL not in journal
	TransferStatusDBError  TransferStatus = "db_error"  // Database error occurred
)

// String implements fmt.Stringer for logging
func (s TransferStatus) String() string {
	if s == "" {
		return "unset"
	}
	return string(s)
}

// IsValid returns true if the status is a known operational value
func (s TransferStatus) IsValid() bool {
	switch s {
	case TransferStatusSuccess, TransferStatusFailure, TransferStatusSkipped:
		return true
	}
	return false
}

// TransferMode records which path moved the bytes
type TransferMode string

const (
	TransferModeDirect   TransferMode = "direct"   // Streamed over HTTP by this process
	TransferModeExternal TransferMode = "external" // Delegated to the external download manager
)

// String implements fmt.Stringer for logging
func (m TransferMode) String() string {
	if m == "" {
		return "unset"
	}
	return string(m)
}
