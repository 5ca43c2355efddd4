package models

import "time"

// Upgrade represents one dependency upgrade request and its lifecycle
type Upgrade struct {
	ID             string                 `json:"id"`
	Repository     string                 `json:"repository"`
	Ecosystem      Ecosystem              `json:"ecosystem"`
	PackageName    string                 `json:"packageName"`
	CurrentVersion string                 `json:"currentVersion"`
	TargetVersion  string                 `json:"targetVersion"`
	Status         UpgradeStatus          `json:"status"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
	CompletedAt    *time.Time             `json:"completedAt,omitempty"`
	ErrorMessage   *string                `json:"errorMessage,omitempty"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// Ecosystem is the package manager / language targeted by an upgrade
type Ecosystem string

const (
	EcosystemNode   Ecosystem = "node"
	EcosystemRust   Ecosystem = "rust"
	EcosystemPython Ecosystem = "python"
	EcosystemGo     Ecosystem = "go"
	EcosystemLean   Ecosystem = "lean"
)

// AllEcosystems lists every accepted ecosystem
var AllEcosystems = []Ecosystem{
	EcosystemNode,
	EcosystemRust,
	EcosystemPython,
	EcosystemGo,
	EcosystemLean,
}

// Valid reports whether e is one of the closed set of ecosystems
func (e Ecosystem) Valid() bool {
	for _, known := range AllEcosystems {
		if e == known {
			return true
		}
	}
	return false
}

// UpgradeStatus represents the current status of an upgrade
type UpgradeStatus string

const (
	UpgradeStatusPending    UpgradeStatus = "pending"
	UpgradeStatusProcessing UpgradeStatus = "processing"
	UpgradeStatusCompleted  UpgradeStatus = "completed"
	UpgradeStatusFailed     UpgradeStatus = "failed"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []UpgradeStatus{
	UpgradeStatusPending,
	UpgradeStatusProcessing,
	UpgradeStatusCompleted,
	UpgradeStatusFailed,
}

// Valid reports whether s is a known status
func (s UpgradeStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition may leave s
func (s UpgradeStatus) Terminal() bool {
	return s == UpgradeStatusCompleted || s == UpgradeStatusFailed
}

// transitions is the only allowed edge set: pending -> processing -> {completed|failed}
var transitions = map[UpgradeStatus][]UpgradeStatus{
	UpgradeStatusPending:    {UpgradeStatusProcessing},
	UpgradeStatusProcessing: {UpgradeStatusCompleted, UpgradeStatusFailed},
}

// CanTransition reports whether from -> to is a legal status change
func CanTransition(from, to UpgradeStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// JobDescriptor is the message handed to the dispatch queue for one upgrade
type JobDescriptor struct {
	UpgradeID      string    `json:"upgradeId"`
	Repository     string    `json:"repository"`
	Ecosystem      Ecosystem `json:"ecosystem"`
	PackageName    string    `json:"packageName"`
	CurrentVersion string    `json:"currentVersion"`
	TargetVersion  string    `json:"targetVersion"`
}

// Descriptor derives the queue message for u
func (u *Upgrade) Descriptor() JobDescriptor {
	return JobDescriptor{
		UpgradeID:      u.ID,
		Repository:     u.Repository,
		Ecosystem:      u.Ecosystem,
		PackageName:    u.PackageName,
		CurrentVersion: u.CurrentVersion,
		TargetVersion:  u.TargetVersion,
	}
}
