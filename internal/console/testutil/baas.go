package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"finitefield.org/clinic-console/internal/console/backend"
)

// FakeAnonKey is the public key the fake backend expects in the apikey header.
const FakeAnonKey = "test-anon-key"

// FakeBackend is an in-process stand-in for the hosted auth and data platform.
// It speaks the token, logout, user, table and RPC endpoints the console uses.
type FakeBackend struct {
	URL string

	// SignInDelay holds password grants open, to exercise in-flight handling.
	SignInDelay time.Duration

	signIns atomic.Int64

	mu        sync.Mutex
	passwords map[string]string
	users     map[string]backend.User
	access    map[string]string
	refresh   map[string]string
	clinics   []backend.Clinic
	patients  map[string][]backend.Patient
	now       func() time.Time
}

// NewFakeBackend starts a fake backend that lives until the test ends.
func NewFakeBackend(t testing.TB) *FakeBackend {
	t.Helper()
	fb := &FakeBackend{
		passwords: map[string]string{},
		users:     map[string]backend.User{},
		access:    map[string]string{},
		refresh:   map[string]string{},
		patients:  map[string][]backend.Patient{},
		now:       time.Now,
	}
	srv := httptest.NewServer(http.HandlerFunc(fb.serve))
	t.Cleanup(srv.Close)
	fb.URL = srv.URL
	return fb
}

// AddUser registers credentials.
func (fb *FakeBackend) AddUser(email, password string) backend.User {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	user := backend.User{ID: uuid.NewString(), Email: strings.ToLower(email), Role: "authenticated"}
	fb.passwords[user.Email] = password
	fb.users[user.ID] = user
	return user
}

// AddClinic registers a clinic visible to every signed-in user.
func (fb *FakeBackend) AddClinic(id, name string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.clinics = append(fb.clinics, backend.Clinic{ID: id, Name: name})
}

// Patients returns the stored patients of clinicID, oldest first.
func (fb *FakeBackend) Patients(clinicID string) []backend.Patient {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]backend.Patient(nil), fb.patients[clinicID]...)
}

// SignInCount reports how many password grants reached the backend.
func (fb *FakeBackend) SignInCount() int {
	return int(fb.signIns.Load())
}

func (fb *FakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("apikey") != FakeAnonKey {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid API key"})
		return
	}
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/auth/v1/token":
		fb.token(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/auth/v1/logout":
		fb.logout(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/auth/v1/user":
		user, ok := fb.bearerUser(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "invalid JWT"})
			return
		}
		writeJSON(w, http.StatusOK, user)
	case r.Method == http.MethodGet && r.URL.Path == "/rest/v1/clinics":
		fb.listClinics(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/rest/v1/patients":
		fb.listPatients(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/rest/v1/rpc/create_patient_for_clinic":
		fb.createPatient(w, r)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
	}
}

func (fb *FakeBackend) token(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email        string `json:"email"`
		Password     string `json:"password"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	switch r.URL.Query().Get("grant_type") {
	case "password":
		fb.signIns.Add(1)
		if fb.SignInDelay > 0 {
			time.Sleep(fb.SignInDelay)
		}
		fb.mu.Lock()
		expected, ok := fb.passwords[strings.ToLower(body.Email)]
		fb.mu.Unlock()
		if !ok || expected != body.Password {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "Invalid login credentials"})
			return
		}
		writeJSON(w, http.StatusOK, fb.issue(fb.userByEmail(body.Email)))
	case "refresh_token":
		fb.mu.Lock()
		userID, ok := fb.refresh[body.RefreshToken]
		delete(fb.refresh, body.RefreshToken)
		user := fb.users[userID]
		fb.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "Invalid Refresh Token"})
			return
		}
		writeJSON(w, http.StatusOK, fb.issue(user))
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

func (fb *FakeBackend) issue(user backend.User) map[string]any {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	access := "access-" + uuid.NewString()
	refresh := "refresh-" + uuid.NewString()
	fb.access[access] = user.ID
	fb.refresh[refresh] = user.ID
	return map[string]any{
		"access_token":  access,
		"token_type":    "bearer",
		"expires_in":    3600,
		"refresh_token": refresh,
		"user":          user,
	}
}

func (fb *FakeBackend) userByEmail(email string) backend.User {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for _, user := range fb.users {
		if user.Email == strings.ToLower(email) {
			return user
		}
	}
	return backend.User{}
}

func (fb *FakeBackend) logout(w http.ResponseWriter, r *http.Request) {
	token := bearer(r)
	fb.mu.Lock()
	_, ok := fb.access[token]
	delete(fb.access, token)
	fb.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "invalid JWT"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (fb *FakeBackend) bearerUser(r *http.Request) (backend.User, bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	userID, ok := fb.access[bearer(r)]
	if !ok {
		return backend.User{}, false
	}
	return fb.users[userID], true
}

func (fb *FakeBackend) listClinics(w http.ResponseWriter, r *http.Request) {
	if _, ok := fb.bearerUser(r); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "JWT expired", "code": "PGRST301"})
		return
	}
	fb.mu.Lock()
	clinics := append([]backend.Clinic(nil), fb.clinics...)
	fb.mu.Unlock()
	sort.Slice(clinics, func(i, j int) bool { return clinics[i].Name < clinics[j].Name })
	writeJSON(w, http.StatusOK, clinics)
}

func (fb *FakeBackend) listPatients(w http.ResponseWriter, r *http.Request) {
	if _, ok := fb.bearerUser(r); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "JWT expired", "code": "PGRST301"})
		return
	}
	clinicID := strings.TrimPrefix(r.URL.Query().Get("clinic_id"), "eq.")
	fb.mu.Lock()
	stored := fb.patients[clinicID]
	out := make([]backend.Patient, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		out = append(out, stored[i])
	}
	fb.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (fb *FakeBackend) createPatient(w http.ResponseWriter, r *http.Request) {
	if _, ok := fb.bearerUser(r); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "JWT expired", "code": "PGRST301"})
		return
	}
	var params struct {
		ClinicID  string  `json:"p_clinic_id"`
		Name      string  `json:"p_name"`
		BirthDate *string `json:"p_birth_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	known := false
	for _, clinic := range fb.clinics {
		if clinic.ID == params.ClinicID {
			known = true
			break
		}
	}
	if !known {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"message": fmt.Sprintf("clinic %s not found", params.ClinicID),
			"code":    "P0001",
		})
		return
	}

	patient := backend.Patient{
		ID:        uuid.NewString(),
		ClinicID:  params.ClinicID,
		Name:      params.Name,
		CreatedAt: fb.now().UTC(),
	}
	if params.BirthDate != nil {
		patient.BirthDate = *params.BirthDate
	}
	fb.patients[params.ClinicID] = append(fb.patients[params.ClinicID], patient)
	writeJSON(w, http.StatusOK, patient)
}

func bearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
