package gwmodel

import "time"

// MountPoint attaches a backend at the root of a user's virtual namespace. Credentials
// holds the encrypted JSON of the driver options. Admin-preconfigured mount points come
// from configuration and are never stored.
type MountPoint struct {
	ID                   int       `json:"id"`
	Owner                string    `json:"owner" gorm:"size:255;index"`
	Title                string    `json:"title" gorm:"size:255"`
	DriverKind           string    `json:"driver" gorm:"size:64"`
	Credentials          string    `json:"-" gorm:"type:text"`
	Enabled              bool      `json:"enabled"`
	IsAdminPreconfigured bool      `json:"admin_preconfigured" gorm:"-"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`

	// Options are the decrypted driver options. Only admin-preconfigured mounts and the
	// router itself ever populate this.
	Options map[string]any `json:"-" gorm:"-"`
}

func (MountPoint) TableName() string {
	return "mount_points"
}
