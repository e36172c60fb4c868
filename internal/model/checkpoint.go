package model

import "time"

// SyncPhase tells what a checkpoint token means.
type SyncPhase string

const (
	// PhaseFull: a full sync is in progress and Token is the provider's page
	// continuation token.
	PhaseFull SyncPhase = "full"
	// PhaseIncremental: the account is caught up and Token is a change cursor.
	PhaseIncremental SyncPhase = "incremental"
)

// SyncCheckpoint records how far sync has progressed for one account.
type SyncCheckpoint struct {
	AccountID      string    `json:"account_id"`
	Token          string    `json:"token"`
	Phase          SyncPhase `json:"phase"`
	LastSyncAt     time.Time `json:"last_sync_at"`
	MessagesSynced int64     `json:"messages_synced"`
}
