package workflow

import (
	"errors"
	"math/rand"
	"testing"
)

func TestIsUploadMissingDocument(t *testing.T) {
	required := map[string]int{"passport": 1, "bankaccount": 1}

	tests := []struct {
		name     string
		uploaded map[string]int
		newType  string
		want     bool
	}{
		{"one type missing", map[string]int{"passport": 1}, "", true},
		{"all types present", map[string]int{"passport": 1, "bankaccount": 1}, "", false},
		{"count below minimum", map[string]int{"passport": 1, "bankaccount": 0}, "", true},
		{"extra types ignored", map[string]int{"passport": 2, "bankaccount": 1, "paystub": 4}, "", false},
		{"nothing known yet", nil, "", false},
		{"incremental ignores other absent types", map[string]int{"passport": 1}, "passport", false},
		{"incremental new type absent", map[string]int{"passport": 1}, "bankaccount", true},
		{"incremental still checks uploaded counts", map[string]int{"passport": 0}, "bankaccount", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IsUploadMissingDocument(tt.uploaded, required, tt.newType)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("IsUploadMissingDocument(%v, %v, %q) = %v, want %v", tt.uploaded, required, tt.newType, got, tt.want)
			}
		})
	}
}

func TestIsUploadMissingDocumentWithoutRequirements(t *testing.T) {
	_, err := IsUploadMissingDocument(map[string]int{"passport": 1}, nil, "")
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("error = %v, want ErrConfiguration", err)
	}
}

// A "not missing" answer must mean every requirement is met.
func TestIsUploadMissingDocumentMonotonic(t *testing.T) {
	types := []string{"passport", "paystub", "bankaccount", "license"}
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 500; i++ {
		uploaded := map[string]int{}
		required := map[string]int{}
		for _, typ := range types {
			if rng.Intn(3) > 0 {
				uploaded[typ] = rng.Intn(3)
			}
			if rng.Intn(2) == 0 {
				required[typ] = rng.Intn(3)
			}
		}

		missing, err := IsUploadMissingDocument(uploaded, required, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if missing {
			continue
		}
		for typ, min := range required {
			if got, ok := uploaded[typ]; !ok || got < min {
				t.Fatalf("uploaded=%v required=%v reported complete but %s has %d", uploaded, required, typ, got)
			}
		}
	}
}
