package cepclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testQuery() Query {
	return Query{
		Date:             time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC),
		TrackingCode:     "MBAN01002403110087494802",
		SenderBankCode:   "40012",
		ReceiverBankCode: "90646",
		Account:          "646180146006124571",
		Amount:           decimal.RequireFromString("28500.00"),
	}
}

func TestValidate_Confirmed(t *testing.T) {
	document := []byte("%PDF-1.4 official receipt")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-cep-key") != "test-key" {
			t.Errorf("expected api key header, got %q", r.Header.Get("x-cep-key"))
		}
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req["claveRastreo"] != "MBAN01002403110087494802" {
			t.Errorf("unexpected tracking code %q", req["claveRastreo"])
		}
		if req["monto"] != "28500.00" {
			t.Errorf("unexpected amount %q", req["monto"])
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"transferencia": map[string]string{
				"claveRastreo":            "MBAN01002403110087494802",
				"institucionOrdenante":    "40012",
				"institucionBeneficiaria": "90646",
				"cuentaBeneficiario":      "646180146006124571",
				"monto":                   "28500.00",
				"fechaAbono":              "2024-03-11T14:05:12Z",
			},
			"cep": base64.StdEncoding.EncodeToString(document),
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key")
	outcome := client.Validate(context.Background(), testQuery())

	if outcome.Kind != OutcomeConfirmed {
		t.Fatalf("expected confirmed outcome, got %s (err=%v)", outcome.Kind, outcome.Err)
	}
	if outcome.Transfer == nil {
		t.Fatal("expected transfer fields on confirmed outcome")
	}
	if !outcome.Transfer.Amount.Equal(decimal.RequireFromString("28500.00")) {
		t.Fatalf("expected authority amount 28500.00, got %s", outcome.Transfer.Amount)
	}
	if string(outcome.Document) != string(document) {
		t.Fatal("expected decoded document bytes")
	}
	if outcome.Transfer.SettledAt.IsZero() {
		t.Fatal("expected settled timestamp to be parsed")
	}
}

func TestValidate_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"codigo":"CEP-404","mensaje":"operacion no encontrada"}`, http.StatusNotFound)
	}))
	defer server.Close()

	outcome := NewClient(server.URL, "k").Validate(context.Background(), testQuery())
	if outcome.Kind != OutcomeNotFound {
		t.Fatalf("expected not_found outcome, got %s", outcome.Kind)
	}
}

func TestValidate_RejectedInput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"codigo":"CEP-102","mensaje":"institucion ordenante invalida"}`, http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	outcome := NewClient(server.URL, "k").Validate(context.Background(), testQuery())
	if outcome.Kind != OutcomeRejectedInput {
		t.Fatalf("expected rejected_input outcome, got %s", outcome.Kind)
	}
	if outcome.Detail == "" {
		t.Fatal("expected rejection detail")
	}
}

func TestValidate_ServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer server.Close()

	outcome := NewClient(server.URL, "k").Validate(context.Background(), testQuery())
	if outcome.Kind != OutcomeServiceError {
		t.Fatalf("expected service_error outcome, got %s", outcome.Kind)
	}
	if outcome.Err == nil {
		t.Fatal("expected error on service_error outcome")
	}
}

func TestValidate_NetworkFailureIsServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // connection refused from here on

	outcome := NewClient(server.URL, "k").Validate(context.Background(), testQuery())
	if outcome.Kind != OutcomeServiceError {
		t.Fatalf("expected service_error outcome, got %s", outcome.Kind)
	}
}
