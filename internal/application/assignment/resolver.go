// Package assignment selects doctors for encounters that need one.
package assignment

import (
	"fmt"
	"sort"

	"github.com/garyjia/clinic-workflow/internal/domain/entity"
	domainwf "github.com/garyjia/clinic-workflow/internal/domain/workflow"
)

// Resolver picks candidate doctors from a roster. It holds no state and is
// safe for concurrent use.
type Resolver struct{}

// NewResolver creates a Resolver
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve returns the eligible doctor ids for the consultation type, best
// candidate first. load carries the current queue length per doctor id;
// missing entries count as zero.
//
// Specialist encounters prefer doctors with a specialty other than general
// medicine and fall back to the whole active roster when there are none.
func (r *Resolver) Resolve(ct entity.ConsultationType, roster []entity.Doctor, load map[string]int) ([]string, error) {
	active := make([]entity.Doctor, 0, len(roster))
	for _, d := range roster {
		if d.IsActive && d.ID != "" {
			active = append(active, d)
		}
	}
	if len(active) == 0 {
		return nil, fmt.Errorf("%s consultation: %w", ct, domainwf.ErrNoEligibleDoctor)
	}

	eligible := active
	if ct == entity.ConsultationSpecialist {
		specialists := make([]entity.Doctor, 0, len(active))
		for _, d := range active {
			if d.IsSpecialist() {
				specialists = append(specialists, d)
			}
		}
		if len(specialists) > 0 {
			eligible = specialists
		}
	}

	ids := make([]string, 0, len(eligible))
	seen := make(map[string]struct{}, len(eligible))
	for _, d := range eligible {
		if _, dup := seen[d.ID]; dup {
			continue
		}
		seen[d.ID] = struct{}{}
		ids = append(ids, d.ID)
	}

	sort.Slice(ids, func(i, j int) bool {
		li, lj := load[ids[i]], load[ids[j]]
		if li != lj {
			return li < lj
		}
		return ids[i] < ids[j]
	})
	return ids, nil
}

// Pick returns the first candidate from Resolve
func (r *Resolver) Pick(ct entity.ConsultationType, roster []entity.Doctor, load map[string]int) (string, error) {
	ids, err := r.Resolve(ct, roster, load)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// Validate checks a manually chosen doctor. The doctor must be on the roster
// and active; specialty is not considered.
func (r *Resolver) Validate(doctorID string, roster []entity.Doctor) (entity.Doctor, error) {
	for _, d := range roster {
		if d.ID != doctorID {
			continue
		}
		if !d.IsActive {
			return entity.Doctor{}, fmt.Errorf("doctor %s: %w", doctorID, domainwf.ErrDoctorInactive)
		}
		return d, nil
	}
	return entity.Doctor{}, fmt.Errorf("doctor %s not on roster: %w", doctorID, domainwf.ErrDoctorInactive)
}
