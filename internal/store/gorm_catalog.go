package store

import (
	"context"
	"errors"
	"strings"

	"github.com/router-for-me/CLIProxyCredits/internal/models"
	"gorm.io/gorm"
)

// GormCatalog implements SubscriptionCatalog on top of GORM.
type GormCatalog struct {
	db *gorm.DB
}

// NewGormCatalog constructs a GormCatalog.
func NewGormCatalog(db *gorm.DB) *GormCatalog {
	return &GormCatalog{db: db}
}

// FindPackage loads a package by ID.
func (c *GormCatalog) FindPackage(ctx context.Context, id uint64) (*models.Package, error) {
	var row models.Package
	if errFind := c.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrPackageNotFound
		}
		return nil, errFind
	}
	return &row, nil
}

// FindPackageByCode loads a package by its catalog code.
func (c *GormCatalog) FindPackageByCode(ctx context.Context, code string) (*models.Package, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrPackageNotFound
	}
	var row models.Package
	if errFind := c.db.WithContext(ctx).Where("code = ?", code).Take(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrPackageNotFound
		}
		return nil, errFind
	}
	return &row, nil
}

// ListPackages returns packages in display order.
func (c *GormCatalog) ListPackages(ctx context.Context, activeOnly bool) ([]models.Package, error) {
	q := c.db.WithContext(ctx).Model(&models.Package{})
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var rows []models.Package
	if errFind := q.Order("sort_order ASC, id ASC").Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}
