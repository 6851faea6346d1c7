package storage

import (
	"time"

	"github.com/google/uuid"
)

type EndReason string

const (
	EndDisconnected EndReason = "disconnected"
	EndTimeout      EndReason = "timeout"
	EndShutdown     EndReason = "shutdown"
)

// SessionRecord is one row of the session journal. EndedAt is nil while the
// session is open.
type SessionRecord struct {
	ID          uuid.UUID  `json:"id"`
	ClientName  string     `json:"client_name"`
	Address     string     `json:"address"`
	CommandPort int        `json:"command_port"`
	DataPort    int        `json:"data_port"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	EndReason   *EndReason `json:"end_reason,omitempty"`
}
