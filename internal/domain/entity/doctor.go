package entity

import "strings"

// Doctor is a staff roster entry as supplied at assignment time
type Doctor struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name,omitempty" yaml:"name"`
	Specialty string `json:"specialty,omitempty" yaml:"specialty"`
	IsActive  bool   `json:"is_active" yaml:"active"`
	// LarkOpenID receives consultation notifications when set
	LarkOpenID string `json:"lark_open_id,omitempty" yaml:"lark_open_id"`
}

// IsSpecialist reports whether the doctor carries a specialty other than general medicine
func (d Doctor) IsSpecialist() bool {
	s := strings.ToLower(strings.TrimSpace(d.Specialty))
	return s != "" && s != GeneralMedicineSpecialty
}
