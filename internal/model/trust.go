package model

import (
	"fmt"
	"time"
)

// Tier is the symbolic classification of a composite trust score.
type Tier string

const (
	TierUntrusted       Tier = "untrusted"
	TierProbationary    Tier = "probationary"
	TierStandard        Tier = "standard"
	TierTrusted         Tier = "trusted"
	TierVerifiedPartner Tier = "verified_partner"
)

// TierForScore maps a composite score to its tier.
func TierForScore(score int) Tier {
	switch {
	case score < 300:
		return TierUntrusted
	case score < 500:
		return TierProbationary
	case score < 700:
		return TierStandard
	case score < 900:
		return TierTrusted
	default:
		return TierVerifiedPartner
	}
}

// Dimension names one of the five scored behavior dimensions.
type Dimension string

const (
	DimensionPolicyCompliance    Dimension = "policy_compliance"
	DimensionSecurityPosture     Dimension = "security_posture"
	DimensionOutputQuality       Dimension = "output_quality"
	DimensionResourceEfficiency  Dimension = "resource_efficiency"
	DimensionCollaborationHealth Dimension = "collaboration_health"
)

// AllDimensions returns the five dimensions in weight order.
func AllDimensions() []Dimension {
	return []Dimension{
		DimensionPolicyCompliance,
		DimensionSecurityPosture,
		DimensionOutputQuality,
		DimensionResourceEfficiency,
		DimensionCollaborationHealth,
	}
}

// Valid reports whether d is a known dimension.
func (d Dimension) Valid() bool {
	switch d {
	case DimensionPolicyCompliance, DimensionSecurityPosture, DimensionOutputQuality,
		DimensionResourceEfficiency, DimensionCollaborationHealth:
		return true
	}
	return false
}

// Trend labels for dimension movement.
const (
	TrendImproving = "improving"
	TrendDeclining = "declining"
	TrendStable    = "stable"
)

// DimensionState is the running state of one scored dimension.
type DimensionState struct {
	Score         float64   `json:"score"`
	Weight        float64   `json:"weight"`
	SignalCount   int       `json:"signal_count"`
	PositiveCount int       `json:"positive_count"`
	NegativeCount int       `json:"negative_count"`
	Trend         string    `json:"trend"`
	LastSignalAt  time.Time `json:"last_signal_at,omitzero"`
}

// TrustScore is the composite scoring record for one agent.
type TrustScore struct {
	AgentDID      string                       `json:"agent_did"`
	TotalScore    int                          `json:"total_score"`
	Tier          Tier                         `json:"tier"`
	Dimensions    map[Dimension]DimensionState `json:"dimensions"`
	CalculatedAt  time.Time                    `json:"calculated_at"`
	PreviousScore int                          `json:"previous_score"`
}

// RewardSignal is one observed behavior sample feeding a dimension.
// Value is normalized to [0,1]; Weight overrides the signal's influence when
// positive and falls back to 1.0 otherwise.
type RewardSignal struct {
	Dimension Dimension         `json:"dimension"`
	Value     float64           `json:"value"`
	Source    string            `json:"source"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Weight    float64           `json:"weight,omitempty"`
}

// Validate checks the signal's dimension and value range.
func (s RewardSignal) Validate() error {
	if !s.Dimension.Valid() {
		return fmt.Errorf("unknown dimension %q", s.Dimension)
	}
	if s.Value < 0 || s.Value > 1 {
		return fmt.Errorf("signal value must be in [0,1], got %v", s.Value)
	}
	if s.Weight < 0 {
		return fmt.Errorf("signal weight must not be negative, got %v", s.Weight)
	}
	return nil
}

// ScoreExplanation is the explainability view of an agent's trust state.
type ScoreExplanation struct {
	AgentDID      string                 `json:"agent_did"`
	TotalScore    int                    `json:"total_score"`
	Tier          Tier                   `json:"tier"`
	Dimensions    []DimensionExplanation `json:"dimensions"`
	RecentSignals []RewardSignal         `json:"recent_signals"`
	Revoked       bool                   `json:"revoked"`
	CalculatedAt  time.Time              `json:"calculated_at"`
}

// DimensionExplanation is one dimension's contribution to the composite.
type DimensionExplanation struct {
	Dimension    Dimension `json:"dimension"`
	Score        float64   `json:"score"`
	Weight       float64   `json:"weight"`
	Contribution float64   `json:"contribution"`
	SignalCount  int       `json:"signal_count"`
	Trend        string    `json:"trend"`
}
