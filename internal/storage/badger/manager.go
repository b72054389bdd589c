package badger

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dispatch/internal/common"
)

// Manager owns the Badger connection and the storages built on it
type Manager struct {
	db    *BadgerDB
	usage *UsageStorage
	calls *CallStorage
	tasks *TaskStorage
}

// NewManager opens the database and creates every storage
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	logger.Info().Str("path", config.Path).Msg("Badger storage manager initialized")

	return newManager(db, logger), nil
}

func newManager(db *BadgerDB, logger arbor.ILogger) *Manager {
	return &Manager{
		db:    db,
		usage: NewUsageStorage(db, logger),
		calls: NewCallStorage(db, logger),
		tasks: NewTaskStorage(db, logger),
	}
}

// UsageStorage returns the usage counter storage
func (m *Manager) UsageStorage() *UsageStorage {
	return m.usage
}

// CallStorage returns the ledger storage
func (m *Manager) CallStorage() *CallStorage {
	return m.calls
}

// TaskStorage returns the task storage
func (m *Manager) TaskStorage() *TaskStorage {
	return m.tasks
}

// CollectGarbage reclaims value log space left behind by deleted tasks and calls
func (m *Manager) CollectGarbage() (int, error) {
	return m.db.CollectGarbage(0.5)
}

// Close closes the database
func (m *Manager) Close() error {
	return m.db.Close()
}
