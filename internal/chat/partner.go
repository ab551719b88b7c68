package chat

import (
	"github.com/google/uuid"

	"safetalk-backend/internal/roles"
	"safetalk-backend/internal/storage"
)

type PartnerKind string

const (
	PartnerHuman PartnerKind = "human"
	PartnerAI    PartnerKind = "ai"
)

// Partner is either a matched human or the AI companion.
type Partner struct {
	Kind    PartnerKind
	Name    string
	Profile *storage.Profile
}

func HumanPartner(p *storage.Profile) Partner {
	return Partner{Kind: PartnerHuman, Name: p.Username, Profile: p}
}

func AIPartner(name string) Partner {
	return Partner{Kind: PartnerAI, Name: name}
}

func (p Partner) IsAI() bool { return p.Kind == PartnerAI }

// UserID is uuid.Nil for the AI.
func (p Partner) UserID() uuid.UUID {
	if p.Profile == nil {
		return uuid.Nil
	}
	return p.Profile.ID
}

type PartnerView struct {
	Kind      PartnerKind `json:"kind"`
	UserID    *uuid.UUID  `json:"user_id,omitempty"`
	Username  string      `json:"username"`
	Role      roles.Role  `json:"role,omitempty"`
	IsPremium bool        `json:"is_premium"`
}

func (p Partner) View() PartnerView {
	v := PartnerView{Kind: p.Kind, Username: p.Name}
	if p.Profile != nil {
		id := p.Profile.ID
		v.UserID = &id
		v.Role = p.Profile.Role
		v.IsPremium = p.Profile.IsPremium
	}
	return v
}
