// Package clinics renders the clinic list and the patients of the selected clinic.
package clinics

const pageTitle = "Clínicas"

func fieldID(name string) string {
	return "patient-" + name
}
