package banks

import (
	"errors"
	"testing"
)

func TestResolve_ManyVariantsMapToOneCode(t *testing.T) {
	r, err := NewResolver()
	if err != nil {
		t.Fatalf("NewResolver returned error: %v", err)
	}

	variants := []string{"BBVA", "bbva bancomer", "Bancomer", "BBVA México", "  BBVA   MEXICO  "}
	for _, v := range variants {
		code, err := r.Resolve(v)
		if err != nil {
			t.Fatalf("Resolve(%q) returned error: %v", v, err)
		}
		if code != "40012" {
			t.Fatalf("Resolve(%q) = %s, want 40012", v, code)
		}
	}
}

func TestResolve_FoldsDiacriticsAndPunctuation(t *testing.T) {
	r, err := NewResolver()
	if err != nil {
		t.Fatalf("NewResolver returned error: %v", err)
	}

	cases := map[string]string{
		"Banco Nacional de México":   "40002",
		"NU MÉXICO":                  "90638",
		"banco-azteca":               "40127",
		"Sistema de Transferencias y Pagos": "90646",
	}
	for raw, want := range cases {
		code, err := r.Resolve(raw)
		if err != nil {
			t.Fatalf("Resolve(%q) returned error: %v", raw, err)
		}
		if code != want {
			t.Fatalf("Resolve(%q) = %s, want %s", raw, code, want)
		}
	}
}

func TestResolve_UnknownIsNeverGuessed(t *testing.T) {
	r, err := NewResolver()
	if err != nil {
		t.Fatalf("NewResolver returned error: %v", err)
	}

	for _, raw := range []string{"Bank of Narnia", "", "   ", "bbva2000 credit union"} {
		if _, err := r.Resolve(raw); !errors.Is(err, ErrUnresolved) {
			t.Fatalf("Resolve(%q) expected ErrUnresolved, got %v", raw, err)
		}
	}
}

func TestKnownCode(t *testing.T) {
	r, err := NewResolver()
	if err != nil {
		t.Fatalf("NewResolver returned error: %v", err)
	}
	if !r.KnownCode("90646") {
		t.Fatal("expected 90646 to be a known SPEI participant")
	}
	if r.KnownCode("99999") {
		t.Fatal("did not expect 99999 to be known")
	}
}
