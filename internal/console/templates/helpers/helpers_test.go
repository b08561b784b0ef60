package helpers

import (
	"testing"
	"time"
)

func TestBirthDate(t *testing.T) {
	cases := map[string]string{
		"":           "-",
		"1990-04-12": "12/04/1990",
		"unknown":    "unknown",
	}
	for in, want := range cases {
		if got := BirthDate(in); got != want {
			t.Fatalf("BirthDate(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDateZero(t *testing.T) {
	if Date(time.Time{}, "") != "" {
		t.Fatalf("zero time should render empty")
	}
}

func TestEnvironmentBadge(t *testing.T) {
	cases := map[string]string{
		"Production":  "PRD",
		"staging":     "STG",
		"Development": "DEV",
		"":            "DEV",
		"qa":          "QA",
	}
	for in, want := range cases {
		if got := EnvironmentBadge(in); got != want {
			t.Fatalf("EnvironmentBadge(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJoinPath(t *testing.T) {
	if got := JoinPath("/console/", "/patients"); got != "/console/patients" {
		t.Fatalf("unexpected %s", got)
	}
	if got := JoinPath("/", "login"); got != "/login" {
		t.Fatalf("unexpected %s", got)
	}
	if got := JoinPath("", ""); got != "/" {
		t.Fatalf("unexpected %s", got)
	}
}
