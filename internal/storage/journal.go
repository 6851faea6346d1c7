package storage

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const journalTimeout = 5 * time.Second

type sessionStore interface {
	RecordSessionStart(ctx context.Context, client types.NetworkDevice, at time.Time) (uuid.UUID, error)
	RecordSessionEnd(ctx context.Context, id uuid.UUID, reason EndReason, at time.Time) error
}

// Journal writes session lifecycle events to the store. It is a
// types.ClientListener that accepts every client.
type Journal struct {
	store  sessionStore
	logger *zap.Logger

	mu   sync.Mutex
	open map[string]uuid.UUID
	now  func() time.Time
}

func NewJournal(store sessionStore, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{
		store:  store,
		logger: logger.Named("journal"),
		open:   make(map[string]uuid.UUID),
		now:    time.Now,
	}
}

func (j *Journal) AcceptClient(types.NetworkDevice) bool { return true }

func (j *Journal) OnClientAccepted(device types.NetworkDevice) {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	id, err := j.store.RecordSessionStart(ctx, device, j.now())
	if err != nil {
		j.logger.Error("Failed to journal session start",
			zap.String("client", device.String()),
			zap.Error(err))
		return
	}

	j.mu.Lock()
	j.open[device.Key()] = id
	j.mu.Unlock()
}

func (j *Journal) OnClientDisconnected(device types.NetworkDevice) {
	j.end(device, EndDisconnected)
}

func (j *Journal) OnClientTimeout(device types.NetworkDevice) {
	j.end(device, EndTimeout)
}

// CloseAll ends every session still open, used on shutdown.
func (j *Journal) CloseAll() {
	j.mu.Lock()
	open := j.open
	j.open = make(map[string]uuid.UUID)
	j.mu.Unlock()

	for key, id := range open {
		j.record(key, id, EndShutdown)
	}
}

func (j *Journal) end(device types.NetworkDevice, reason EndReason) {
	key := device.Key()

	j.mu.Lock()
	id, ok := j.open[key]
	delete(j.open, key)
	j.mu.Unlock()

	if !ok {
		return
	}
	j.record(key, id, reason)
}

func (j *Journal) record(key string, id uuid.UUID, reason EndReason) {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	if err := j.store.RecordSessionEnd(ctx, id, reason, j.now()); err != nil {
		j.logger.Error("Failed to journal session end",
			zap.String("client", key),
			zap.String("reason", string(reason)),
			zap.Error(err))
	}
}

// OpenSessions returns the number of sessions started but not yet ended.
func (j *Journal) OpenSessions() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.open)
}
