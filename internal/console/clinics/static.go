package clinics

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"finitefield.org/clinic-console/internal/console/backend"
)

// StaticBackend keeps clinics and patients in memory. Used by tests and local demos.
type StaticBackend struct {
	mu       sync.Mutex
	clinics  []backend.Clinic
	patients map[string][]backend.Patient
	now      func() time.Time

	// Err, when set, is returned from every call.
	Err error
}

// NewStaticBackend seeds a StaticBackend with clinics.
func NewStaticBackend(clinics ...backend.Clinic) *StaticBackend {
	seeded := append([]backend.Clinic(nil), clinics...)
	sort.SliceStable(seeded, func(i, j int) bool { return seeded[i].Name < seeded[j].Name })
	return &StaticBackend{
		clinics:  seeded,
		patients: make(map[string][]backend.Patient),
		now:      time.Now,
	}
}

// ListClinics implements Backend.
func (s *StaticBackend) ListClinics(context.Context) ([]backend.Clinic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]backend.Clinic(nil), s.clinics...), nil
}

// ListPatients implements Backend. Newest patients come first.
func (s *StaticBackend) ListPatients(_ context.Context, clinicID string) ([]backend.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	stored := s.patients[clinicID]
	out := make([]backend.Patient, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		out = append(out, stored[i])
	}
	return out, nil
}

// CreatePatientForClinic implements Backend.
func (s *StaticBackend) CreatePatientForClinic(_ context.Context, clinicID string, in backend.NewPatient) (*backend.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if !s.hasClinic(clinicID) {
		return nil, &backend.Error{Status: 400, Code: "P0001", Message: "clinic " + clinicID + " is not accessible"}
	}
	patient := backend.Patient{
		ID:        uuid.NewString(),
		ClinicID:  clinicID,
		Name:      strings.TrimSpace(in.Name),
		BirthDate: strings.TrimSpace(in.BirthDate),
		CreatedAt: s.now().UTC(),
	}
	s.patients[clinicID] = append(s.patients[clinicID], patient)
	return &patient, nil
}

func (s *StaticBackend) hasClinic(id string) bool {
	for _, clinic := range s.clinics {
		if clinic.ID == id {
			return true
		}
	}
	return false
}
