package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentmesh-ai/agentmesh/internal/capability"
)

// HumanSponsor is the accountable human behind one or more agents. Every
// delegation chain roots at a sponsor.
type HumanSponsor struct {
	Email               string         `json:"email"`
	Name                string         `json:"name"`
	Organization        string         `json:"organization,omitempty"`
	VerifiedMethod      string         `json:"verified_method,omitempty"`
	AllowedCapabilities capability.Set `json:"allowed_capabilities"`
	MaxAgents           int            `json:"max_agents"`
	SponsoredDIDs       []string       `json:"sponsored_dids"`
	CreatedAt           time.Time      `json:"created_at"`
	VerifiedAt          *time.Time     `json:"verified_at,omitempty"`
}

// Verified reports whether the sponsor completed verification.
func (s *HumanSponsor) Verified() bool {
	return s.VerifiedAt != nil && s.VerifiedMethod != ""
}

// AtCapacity reports whether the sponsor has reached its agent quota.
func (s *HumanSponsor) AtCapacity() bool {
	return len(s.SponsoredDIDs) >= s.MaxAgents
}

// ValidateEmail performs the minimal structural check used at registration.
// Deliverability is the verification flow's concern, not the registry's.
func ValidateEmail(email string) error {
	if len(email) == 0 {
		return fmt.Errorf("email is required")
	}
	if len(email) > 320 {
		return fmt.Errorf("email must be at most 320 characters")
	}
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return fmt.Errorf("email must contain a local part and a domain")
	}
	if strings.IndexByte(email[at+1:], '@') >= 0 {
		return fmt.Errorf("email must contain exactly one @")
	}
	if !strings.Contains(email[at+1:], ".") {
		return fmt.Errorf("email domain must contain a dot")
	}
	return nil
}
