// Package store persists API credentials and project progress snapshots in a
// local SQLite database.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/hermesdev0131/scene-weaver/types"
)

const (
	TierFree = "free"
	TierPaid = "paid"
)

// Credential is one stored API key.
type Credential struct {
	ID        uint   `gorm:"primarykey"`
	APIKey    string `gorm:"uniqueIndex"`
	Tier      string
	Position  int
	CreatedAt time.Time
}

// Snapshot is one project's latest persisted progress.
type Snapshot struct {
	ID         uint   `gorm:"primarykey"`
	ProjectID  string `gorm:"uniqueIndex"`
	Data       []byte
	ScenesDone int
	Complete   bool
	UpdatedAt  time.Time
}

// Manager wraps the database connection.
type Manager struct {
	DB *gorm.DB
}

// Open connects to the SQLite database at path and migrates the schema.
func Open(path string) (*Manager, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=10000&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&Credential{}, &Snapshot{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Manager{DB: db}, nil
}

// Close closes the underlying connection.
func (m *Manager) Close() error {
	sqlDB, err := m.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AddCredential stores a key. Adding a paid key replaces any existing one:
// only a single paid credential is ever held.
func (m *Manager) AddCredential(apiKey, tier string) error {
	if tier != TierFree && tier != TierPaid {
		return fmt.Errorf("unknown credential tier %q", tier)
	}
	if tier == TierPaid {
		if err := m.DB.Where("tier = ?", TierPaid).Delete(&Credential{}).Error; err != nil {
			return fmt.Errorf("replace paid credential: %w", err)
		}
	}
	var count int64
	if err := m.DB.Model(&Credential{}).Where("tier = ?", TierFree).Count(&count).Error; err != nil {
		return err
	}
	cred := &Credential{APIKey: apiKey, Tier: tier, Position: int(count)}
	if err := m.DB.Create(cred).Error; err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

// RemoveCredential deletes a key.
func (m *Manager) RemoveCredential(apiKey string) error {
	return m.DB.Where("api_key = ?", apiKey).Delete(&Credential{}).Error
}

// Credentials returns the ordered free keys and the paid key, if any.
func (m *Manager) Credentials() (free []string, paid string, err error) {
	var creds []Credential
	if err := m.DB.Order("position").Find(&creds).Error; err != nil {
		return nil, "", fmt.Errorf("load credentials: %w", err)
	}
	for _, c := range creds {
		if c.Tier == TierPaid {
			paid = c.APIKey
		} else {
			free = append(free, c.APIKey)
		}
	}
	return free, paid, nil
}

// SaveSnapshot persists a project snapshot. Snapshots are monotonic: a save
// recording fewer completed scenes than the stored one is ignored, so an
// interrupted run can never regress its own progress record.
func (m *Manager) SaveSnapshot(snap *types.ProjectSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	var existing Snapshot
	err = m.DB.Where("project_id = ?", snap.ProjectID).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		rec := &Snapshot{
			ProjectID:  snap.ProjectID,
			Data:       data,
			ScenesDone: snap.NextIndex,
			Complete:   snap.IsComplete,
		}
		if err := m.DB.Create(rec).Error; err != nil {
			return fmt.Errorf("create snapshot: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("load snapshot: %w", err)
	}

	if snap.NextIndex < existing.ScenesDone {
		return nil
	}
	return m.DB.Model(&existing).Updates(map[string]interface{}{
		"data":        data,
		"scenes_done": snap.NextIndex,
		"complete":    snap.IsComplete,
		"updated_at":  time.Now(),
	}).Error
}

// LoadSnapshot returns the stored snapshot for a project, or nil when none
// exists.
func (m *Manager) LoadSnapshot(projectID string) (*types.ProjectSnapshot, error) {
	var rec Snapshot
	err := m.DB.Where("project_id = ?", projectID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var snap types.ProjectSnapshot
	if err := json.Unmarshal(rec.Data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
