package services

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestCallerIdentity(t *testing.T) {
	signed := func(claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
		if err != nil {
			t.Fatalf("SignedString() error = %v", err)
		}
		return s
	}

	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "subject", header: "Bearer " + signed(jwt.MapClaims{"sub": "owner"}), want: "owner"},
		{name: "no header", header: "", wantErr: true},
		{name: "not bearer", header: "Basic abc", wantErr: true},
		{name: "garbage token", header: "Bearer not-a-jwt", wantErr: true},
		{name: "no subject", header: "Bearer " + signed(jwt.MapClaims{"email": "a@b.c"}), wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			got, err := CallerIdentity(r)
			if tc.wantErr {
				if !errors.Is(err, ErrUnauthenticated) {
					t.Errorf("CallerIdentity() error = %v, want ErrUnauthenticated", err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Errorf("CallerIdentity() = %q, %v; want %q", got, err, tc.want)
			}
		})
	}
}
