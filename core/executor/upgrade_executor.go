package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"upgrade-orchestrator/core/models"
)

// RiskLevel grades an upgrade
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// PerformanceImpact estimates runtime impact
type PerformanceImpact string

const (
	ImpactNone   PerformanceImpact = "none"
	ImpactLow    PerformanceImpact = "low"
	ImpactMedium PerformanceImpact = "medium"
	ImpactHigh   PerformanceImpact = "high"
)

// ChangeType is the kind of file edit proposed
type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeModify ChangeType = "modify"
	ChangeDelete ChangeType = "delete"
)

// Change is one proposed file edit
type Change struct {
	FilePath   string     `json:"filePath"`
	ChangeType ChangeType `json:"changeType"`
	Content    string     `json:"content"`
}

// RiskAssessment summarises what could go wrong
type RiskAssessment struct {
	RiskLevel         RiskLevel         `json:"riskLevel"`
	BreakingChanges   bool              `json:"breakingChanges"`
	SecurityIssues    []string          `json:"securityIssues"`
	PerformanceImpact PerformanceImpact `json:"performanceImpact"`
}

// Assessment is the outcome of assessing one upgrade
type Assessment struct {
	CompatibilityScore float64        `json:"compatibilityScore"`
	Risk               RiskAssessment `json:"risk"`
	Changes            []Change       `json:"changes"`
}

// Metadata flattens the assessment into the map stored on the record
func (a *Assessment) Metadata() map[string]interface{} {
	changes := make([]map[string]interface{}, len(a.Changes))
	for i, c := range a.Changes {
		changes[i] = map[string]interface{}{
			"filePath":   c.FilePath,
			"changeType": string(c.ChangeType),
			"content":    c.Content,
		}
	}
	security := make([]string, len(a.Risk.SecurityIssues))
	copy(security, a.Risk.SecurityIssues)

	return map[string]interface{}{
		"compatibilityScore": a.CompatibilityScore,
		"riskLevel":          string(a.Risk.RiskLevel),
		"breakingChanges":    a.Risk.BreakingChanges,
		"securityIssues":     security,
		"performanceImpact":  string(a.Risk.PerformanceImpact),
		"changes":            changes,
	}
}

// AssessmentError is a permanent failure for one upgrade. Workers mark the
// record failed instead of retrying.
type AssessmentError struct {
	Message string
}

func (e *AssessmentError) Error() string {
	return e.Message
}

const baseCompatibility = 0.8

var ecosystemMultiplier = map[models.Ecosystem]float64{
	models.EcosystemNode:   1.0,
	models.EcosystemRust:   0.9,
	models.EcosystemPython: 0.85,
	models.EcosystemGo:     0.95,
}

const defaultMultiplier = 0.7

// UpgradeExecutor assesses upgrades described by job descriptors
type UpgradeExecutor struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewUpgradeExecutor creates an executor. timeout bounds a single
// assessment; zero means no bound beyond ctx.
func NewUpgradeExecutor(timeout time.Duration, logger *slog.Logger) *UpgradeExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &UpgradeExecutor{timeout: timeout, logger: logger}
}

// Assess validates the job, scores its compatibility, proposes the manifest
// edit and grades its risk
func (e *UpgradeExecutor) Assess(ctx context.Context, job models.JobDescriptor) (*Assessment, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	if err := validateJob(job); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	score := compatibilityScore(job.Ecosystem)
	changes := generateChanges(job)
	risk := assessRisk(job, changes)

	e.logger.Debug("upgrade assessed",
		"upgrade_id", job.UpgradeID,
		"score", score,
		"risk", risk.RiskLevel,
		"changes", len(changes),
	)

	return &Assessment{
		CompatibilityScore: score,
		Risk:               risk,
		Changes:            changes,
	}, nil
}

func validateJob(job models.JobDescriptor) error {
	if strings.TrimSpace(job.Repository) == "" {
		return &AssessmentError{Message: "repository cannot be empty"}
	}
	if strings.TrimSpace(job.PackageName) == "" {
		return &AssessmentError{Message: "package name cannot be empty"}
	}
	if !ValidVersion(job.CurrentVersion) {
		return &AssessmentError{Message: fmt.Sprintf("invalid current version: %s", job.CurrentVersion)}
	}
	if !ValidVersion(job.TargetVersion) {
		return &AssessmentError{Message: fmt.Sprintf("invalid target version: %s", job.TargetVersion)}
	}
	return nil
}

// ValidVersion accepts two or three dot-separated parts made of letters,
// digits and '-'
func ValidVersion(v string) bool {
	parts := strings.Split(v, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for _, r := range p {
			if !isAlnum(r) && r != '-' {
				return false
			}
		}
	}
	return true
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func compatibilityScore(eco models.Ecosystem) float64 {
	m, ok := ecosystemMultiplier[eco]
	if !ok {
		m = defaultMultiplier
	}
	score := baseCompatibility * m
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func generateChanges(job models.JobDescriptor) []Change {
	var change Change
	switch job.Ecosystem {
	case models.EcosystemNode:
		change = Change{
			FilePath: "package.json",
			Content:  fmt.Sprintf(`{"dependencies": {%q: %q}}`, job.PackageName, job.TargetVersion),
		}
	case models.EcosystemRust:
		change = Change{
			FilePath: "Cargo.toml",
			Content:  fmt.Sprintf("[dependencies]\n%s = %q\n", job.PackageName, job.TargetVersion),
		}
	case models.EcosystemPython:
		change = Change{
			FilePath: "requirements.txt",
			Content:  fmt.Sprintf("%s==%s\n", job.PackageName, job.TargetVersion),
		}
	case models.EcosystemGo:
		change = Change{
			FilePath: "go.mod",
			Content:  fmt.Sprintf("require %s v%s\n", job.PackageName, strings.TrimPrefix(job.TargetVersion, "v")),
		}
	case models.EcosystemLean:
		change = Change{
			FilePath: "lakefile.lean",
			Content:  fmt.Sprintf("require %s from git @ %q\n", job.PackageName, job.TargetVersion),
		}
	default:
		return nil
	}
	change.ChangeType = ChangeModify
	return []Change{change}
}

func assessRisk(job models.JobDescriptor, changes []Change) RiskAssessment {
	risk := RiskAssessment{
		RiskLevel:         RiskLow,
		SecurityIssues:    []string{},
		PerformanceImpact: ImpactNone,
	}

	if majorJump(job.CurrentVersion, job.TargetVersion) {
		risk.RiskLevel = RiskHigh
		risk.BreakingChanges = true
	}

	if knownVulnerable(job.PackageName, job.TargetVersion) {
		risk.SecurityIssues = append(risk.SecurityIssues, "Known security vulnerability detected")
		risk.RiskLevel = RiskCritical
	}

	if len(changes) > 5 {
		risk.PerformanceImpact = ImpactMedium
	}

	return risk
}

// majorJump reports whether the leading numeric part increases. A
// non-numeric major counts as 0.
func majorJump(current, target string) bool {
	return majorOf(target) > majorOf(current)
}

func majorOf(v string) uint64 {
	head, _, _ := strings.Cut(strings.TrimPrefix(v, "v"), ".")
	n, err := strconv.ParseUint(head, 10, 32)
	if err != nil {
		return 0
	}
	return n
}

func knownVulnerable(pkg, version string) bool {
	return strings.Contains(pkg, "vulnerable") || strings.Contains(version, "0.0.0")
}
