package pages

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrPageNotFound indicates the referenced page does not exist.
var ErrPageNotFound = errors.New("pages: page not found")

// Page models a published capture page. Page authoring and publishing are owned by an
// external service; this backend only resolves slugs and bumps the view counter.
type Page struct {
	ID              uint      `gorm:"column:id;primaryKey"`
	Slug            string    `gorm:"column:slug;size:190;not null;uniqueIndex"`
	OwnerID         string    `gorm:"column:owner_id;size:36;not null;index"`
	Title           string    `gorm:"column:title;size:190"`
	PlatformBaseURL string    `gorm:"column:platform_base_url;size:512"`
	DefaultJoinURL  string    `gorm:"column:default_join_url;size:512"`
	Views           int64     `gorm:"column:views;not null;default:0"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Page) TableName() string {
	return "pages"
}

// FindBySlug resolves a page by its public slug using the provided handle, which may be
// a live transaction.
func FindBySlug(tx *gorm.DB, slug string) (Page, error) {
	var page Page
	err := tx.Where("slug = ?", slug).Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Page{}, ErrPageNotFound
	}
	if err != nil {
		return Page{}, err
	}
	return page, nil
}

// IncrementViews bumps the page view counter with a storage-level relative update so
// concurrent submissions never lose increments.
func IncrementViews(tx *gorm.DB, pageID uint) error {
	result := tx.Model(&Page{}).
		Where("id = ?", pageID).
		UpdateColumn("views", gorm.Expr("views + ?", 1))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPageNotFound
	}
	return nil
}
