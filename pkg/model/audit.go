package model

import "time"

// AuditEntry captures a management operation or a trust transition.
type AuditEntry struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	Actor     string    `json:"actor" gorm:"size:128"`
	Action    string    `json:"action" gorm:"size:64;index"`
	Target    string    `json:"target" gorm:"size:128"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp" gorm:"index"`
}
