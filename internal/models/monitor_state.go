package models

import "time"

// MonitorState is the persisted watermark for one watched contract.
// RescanPending is set by a reorg rewind: the deposits in the watermark
// block were deleted and that block must be scanned again before the
// watermark moves forward.
type MonitorState struct {
	ContractAddress    string    `json:"contract_address" db:"contract_address"`
	LastProcessedBlock uint64    `json:"last_processed_block" db:"last_processed_block"`
	RescanPending      bool      `json:"rescan_pending" db:"rescan_pending"`
	LastUpdated        time.Time `json:"last_updated" db:"last_updated"`
}
