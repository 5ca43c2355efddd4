package models

import "time"

// UpgradeEvent represents a state transition event for an upgrade
type UpgradeEvent struct {
	ID         int64                  `json:"id"`
	UpgradeID  string                 `json:"upgradeId"`
	At         time.Time              `json:"at"`
	FromStatus *UpgradeStatus         `json:"fromStatus,omitempty"`
	ToStatus   UpgradeStatus          `json:"toStatus"`
	Reason     string                 `json:"reason"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

// AuditEntry is an immutable record of a security- or business-relevant action
type AuditEntry struct {
	ID           string                 `json:"id"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resourceType"`
	ResourceID   string                 `json:"resourceId"`
	UserID       *string                `json:"userId,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	IPAddress    *string                `json:"ipAddress,omitempty"`
	UserAgent    *string                `json:"userAgent,omitempty"`
}
