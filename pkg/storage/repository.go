package storage

import (
	"time"

	"gorm.io/gorm"
)

// TransmissionRepository handles transmission database operations
type TransmissionRepository struct {
	db *gorm.DB
}

// NewTransmissionRepository creates a new transmission repository
func NewTransmissionRepository(db *gorm.DB) *TransmissionRepository {
	return &TransmissionRepository{db: db}
}

// Create adds a new transmission record
func (r *TransmissionRepository) Create(tx *Transmission) error {
	return r.db.Create(tx).Error
}

// GetRecent retrieves the most recent N transmissions
func (r *TransmissionRepository) GetRecent(limit int) ([]Transmission, error) {
	var transmissions []Transmission
	err := r.db.Order("start_time DESC").Limit(limit).Find(&transmissions).Error
	return transmissions, err
}

// GetRecentPaginated retrieves transmissions with pagination
func (r *TransmissionRepository) GetRecentPaginated(page, perPage int) ([]Transmission, int64, error) {
	var transmissions []Transmission
	var total int64

	if err := r.db.Model(&Transmission{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * perPage
	err := r.db.Order("start_time DESC").
		Offset(offset).
		Limit(perPage).
		Find(&transmissions).Error

	return transmissions, total, err
}

// GetBySSRC retrieves transmissions for a specific sender
func (r *TransmissionRepository) GetBySSRC(ssrc uint32, limit int) ([]Transmission, error) {
	var transmissions []Transmission
	err := r.db.Where("ssrc = ?", ssrc).
		Order("start_time DESC").
		Limit(limit).
		Find(&transmissions).Error
	return transmissions, err
}

// GetByNetwork retrieves transmissions on a specific canonical network
func (r *TransmissionRepository) GetByNetwork(network string, limit int) ([]Transmission, error) {
	var transmissions []Transmission
	err := r.db.Where("network = ?", network).
		Order("start_time DESC").
		Limit(limit).
		Find(&transmissions).Error
	return transmissions, err
}

// GetByTimeRange retrieves transmissions within a time range
func (r *TransmissionRepository) GetByTimeRange(start, end time.Time, limit int) ([]Transmission, error) {
	var transmissions []Transmission
	err := r.db.Where("start_time BETWEEN ? AND ?", start, end).
		Order("start_time DESC").
		Limit(limit).
		Find(&transmissions).Error
	return transmissions, err
}

// DeleteOlderThan deletes transmissions older than the specified time
func (r *TransmissionRepository) DeleteOlderThan(before time.Time) (int64, error) {
	result := r.db.Where("start_time < ?", before).Delete(&Transmission{})
	return result.RowsAffected, result.Error
}
