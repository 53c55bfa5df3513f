package drafts

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("database handle is required")

// LocalDraft is the persisted row of a draft entry.
type LocalDraft struct {
	DraftKey string `gorm:"column:draft_key;primaryKey;size:255;not null"`
	Payload  string `gorm:"column:payload;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LocalDraft) TableName() string {
	return "local_drafts"
}

// GormBackend stores drafts in a device-local database.
type GormBackend struct {
	db *gorm.DB
}

func NewGormBackend(db *gorm.DB) (*GormBackend, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStoreConfig, errMissingDatabase)
	}
	return &GormBackend{db: db}, nil
}

func (b *GormBackend) Load(key string) ([]byte, error) {
	var row LocalDraft
	err := b.db.Where("draft_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(row.Payload), nil
}

func (b *GormBackend) Save(key string, value []byte) error {
	return b.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "draft_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload"}),
	}).Create(&LocalDraft{DraftKey: key, Payload: string(value)}).Error
}

func (b *GormBackend) Delete(key string) error {
	return b.db.Where("draft_key = ?", key).Delete(&LocalDraft{}).Error
}
