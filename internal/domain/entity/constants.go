package entity

import (
	"fmt"
	"strings"
)

// ConsultationType categorizes an encounter and drives assignment eligibility
type ConsultationType string

const (
	ConsultationGeneral    ConsultationType = "general"
	ConsultationSpecialist ConsultationType = "specialist"
	ConsultationEmergency  ConsultationType = "emergency"
	ConsultationFollowUp   ConsultationType = "followup"
	ConsultationPreventive ConsultationType = "preventive"
	ConsultationOther      ConsultationType = "other"
)

// ConsultationTypes lists every consultation type in display order
func ConsultationTypes() []ConsultationType {
	return []ConsultationType{
		ConsultationGeneral,
		ConsultationSpecialist,
		ConsultationEmergency,
		ConsultationFollowUp,
		ConsultationPreventive,
		ConsultationOther,
	}
}

// IsValid returns true for the known consultation types
func (c ConsultationType) IsValid() bool {
	switch c {
	case ConsultationGeneral,
		ConsultationSpecialist,
		ConsultationEmergency,
		ConsultationFollowUp,
		ConsultationPreventive,
		ConsultationOther:
		return true
	default:
		return false
	}
}

// String returns the string representation of the consultation type
func (c ConsultationType) String() string {
	return string(c)
}

// ParseConsultationType normalizes and validates a consultation type
func ParseConsultationType(s string) (ConsultationType, error) {
	c := ConsultationType(strings.ToLower(strings.TrimSpace(s)))
	if c == "follow-up" {
		c = ConsultationFollowUp
	}
	if !c.IsValid() {
		return "", fmt.Errorf("unknown consultation type: %q", s)
	}
	return c, nil
}

// GeneralMedicineSpecialty is the generic roster specialty label
const GeneralMedicineSpecialty = "general medicine"

// Actor used when no acting user is known
const SystemActor = "system"
