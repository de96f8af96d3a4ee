package cryptoutil

import (
	"errors"
	"strings"
	"testing"
)

// cheap parameters keep the tests fast
var testParams = Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32}

func TestHashPassword_Format(t *testing.T) {
	h, err := HashPassword("correct horse battery", testParams)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(h, "$argon2id$v=19$m=1024,t=1,p=1$") {
		t.Fatalf("hash = %q", h)
	}
	if strings.Count(h, "$") != 5 {
		t.Fatalf("hash = %q", h)
	}
}

func TestHashPassword_Salted(t *testing.T) {
	a, _ := HashPassword("same password", testParams)
	b, _ := HashPassword("same password", testParams)
	if a == b {
		t.Fatal("two hashes of one password must differ")
	}
}

func TestVerifyPassword(t *testing.T) {
	h, err := HashPassword("correct horse battery", testParams)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	tests := []struct {
		name     string
		password string
		want     bool
	}{
		{"match", "correct horse battery", true},
		{"wrong", "correct horse battery!", false},
		{"empty", "", false},
		{"case", "Correct horse battery", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := VerifyPassword(tt.password, h)
			if err != nil {
				t.Fatalf("VerifyPassword: %v", err)
			}
			if ok != tt.want {
				t.Fatalf("VerifyPassword = %v, want %v", ok, tt.want)
			}
		})
	}
}

func TestVerifyPassword_UsesStoredParams(t *testing.T) {
	other := testParams
	other.Iterations = 2
	h, _ := HashPassword("pw-with-other-cost", other)

	ok, err := VerifyPassword("pw-with-other-cost", h)
	if err != nil || !ok {
		t.Fatalf("VerifyPassword = %v, %v", ok, err)
	}
}

func TestVerifyPassword_Malformed(t *testing.T) {
	for _, enc := range []string{
		"",
		"plaintext",
		"$2a$10$bcryptlookingthing",
		"$argon2i$v=19$m=1024,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=18$m=1024,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=0,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=1024,t=1,p=1$!!!$a2V5",
		"$argon2id$v=19$m=1024,t=1,p=1$c2FsdA$",
	} {
		if _, err := VerifyPassword("x", enc); !errors.Is(err, ErrMalformedHash) {
			t.Errorf("VerifyPassword(%q) err = %v, want ErrMalformedHash", enc, err)
		}
	}
}
