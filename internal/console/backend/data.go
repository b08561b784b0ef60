package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	clinicsTable          = "clinics"
	patientsTable         = "patients"
	createPatientFunction = "create_patient_for_clinic"
)

// ListClinics returns the clinics visible to the signed-in user, ordered by name.
func (c *Client) ListClinics(ctx context.Context) ([]Clinic, error) {
	query := url.Values{}
	query.Set("select", "id,name")
	query.Set("order", "name.asc")

	var clinics []Clinic
	if err := c.query(ctx, clinicsTable, query, "list_clinics", &clinics); err != nil {
		return nil, err
	}
	return clinics, nil
}

// ListPatients returns the patients of clinicID, newest first.
func (c *Client) ListPatients(ctx context.Context, clinicID string) ([]Patient, error) {
	clinicID = strings.TrimSpace(clinicID)
	if clinicID == "" {
		return nil, fmt.Errorf("backend: clinic id is required")
	}
	query := url.Values{}
	query.Set("select", "id,clinic_id,name,birth_date,created_at")
	query.Set("clinic_id", "eq."+clinicID)
	query.Set("order", "created_at.desc")

	var patients []Patient
	if err := c.query(ctx, patientsTable, query, "list_patients", &patients); err != nil {
		return nil, err
	}
	return patients, nil
}

// CreatePatientForClinic calls the create_patient_for_clinic procedure.
func (c *Client) CreatePatientForClinic(ctx context.Context, clinicID string, in NewPatient) (*Patient, error) {
	clinicID = strings.TrimSpace(clinicID)
	if clinicID == "" {
		return nil, fmt.Errorf("backend: clinic id is required")
	}
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	params := map[string]any{
		"p_clinic_id":  clinicID,
		"p_name":       in.Name,
		"p_birth_date": nil,
	}
	if strings.TrimSpace(in.BirthDate) != "" {
		params["p_birth_date"] = in.BirthDate
	}

	req, err := c.svc.newJSONRequest(ctx, http.MethodPost, "rest/v1/rpc/"+createPatientFunction, nil, params, token)
	if err != nil {
		return nil, err
	}
	resp, err := c.svc.do(req, "create_patient", http.StatusOK, http.StatusCreated)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, transportError(err)
	}
	patient, err := decodeCreatedPatient(raw)
	if err != nil {
		return nil, err
	}
	if patient.ClinicID == "" {
		patient.ClinicID = clinicID
	}
	if patient.Name == "" {
		patient.Name = in.Name
	}
	if patient.BirthDate == "" {
		patient.BirthDate = in.BirthDate
	}
	return patient, nil
}

func (c *Client) query(ctx context.Context, table string, query url.Values, operation string, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	req, err := c.svc.newRequest(ctx, http.MethodGet, "rest/v1/"+table, query, nil, token)
	if err != nil {
		return err
	}
	return c.svc.doJSON(req, operation, out, http.StatusOK)
}

// decodeCreatedPatient accepts a row, a single-row array or a bare id.
func decodeCreatedPatient(raw []byte) (*Patient, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return &Patient{}, nil
	}
	switch raw[0] {
	case '[':
		var rows []Patient
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("backend: decode create_patient: %w", err)
		}
		if len(rows) == 0 {
			return &Patient{}, nil
		}
		return &rows[0], nil
	case '{':
		var row Patient
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("backend: decode create_patient: %w", err)
		}
		return &row, nil
	default:
		return &Patient{ID: strings.Trim(string(raw), `"`)}, nil
	}
}
