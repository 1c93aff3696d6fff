package pages

import "time"

// Page is a public page owned by an account. The default page's slug equals
// the owner's username.
type Page struct {
	ID          uint      `gorm:"column:id;primaryKey;autoIncrement"`
	UserID      uint      `gorm:"column:user_id;not null;uniqueIndex:idx_pages_owner_slug,priority:1"`
	Slug        string    `gorm:"column:slug;size:190;not null;uniqueIndex:idx_pages_owner_slug,priority:2"`
	Title       string    `gorm:"column:title;size:320;not null;default:''"`
	Description string    `gorm:"column:description;type:text;not null;default:''"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Page) TableName() string {
	return "pages"
}

// ShortLink redirects /s/<code> to TargetURL.
type ShortLink struct {
	Code      string    `gorm:"column:code;primaryKey;size:64;not null"`
	UserID    uint      `gorm:"column:user_id;not null;index"`
	TargetURL string    `gorm:"column:target_url;size:2048;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (ShortLink) TableName() string {
	return "short_links"
}
