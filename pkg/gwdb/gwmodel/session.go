package gwmodel

import (
	"encoding/json"
	"time"
)

// Session connects a file URI to a document on the collaborative editing service.
type Session struct {
	ID        string    `json:"id" gorm:"primaryKey;size:64"`
	URI       string    `json:"uri" gorm:"size:1024;index"`
	Owner     string    `json:"owner" gorm:"size:255;index"`
	OwnerName string    `json:"owner_name"`
	Data      string    `json:"-" gorm:"type:text"`
	Readonly  bool      `json:"readonly"`
	CreatedAt time.Time `json:"created_at"`

	// WriterKey digests owner and URI on writable sessions and is NULL on readonly ones.
	// Its unique index allows one writable session per owner and URI across processes.
	WriterKey *string `json:"-" gorm:"size:64;uniqueIndex"`

	// Filled by listing calls for the requesting user, never persisted.
	IsOwner    bool   `json:"is_owner" gorm:"-"`
	Invitation string `json:"invitation,omitempty" gorm:"-"`
	Type       string `json:"type,omitempty" gorm:"-"`
}

func (Session) TableName() string {
	return "doc_sessions"
}

// SessionData is the JSON document stored in Session.Data.
type SessionData struct {
	Type string `json:"type"`

	// AuthInfo is an encrypted snapshot of the owner's backend credentials for the
	// mount point the file lives on.
	AuthInfo string `json:"auth_info,omitempty"`
}

func (s *Session) GetData() (SessionData, error) {
	var d SessionData
	if s.Data == "" {
		return d, nil
	}

	err := json.Unmarshal([]byte(s.Data), &d)
	return d, err
}

func (s *Session) SetData(d SessionData) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}

	s.Data = string(b)
	return nil
}
