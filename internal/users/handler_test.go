package users

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProfileHandler(t *testing.T) {
	repo := NewInMemoryRepository()
	if _, err := repo.GetOrCreate(context.Background(), "whatsapp:+51999"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	handler := NewHandler(NewService(repo, nil), nil)

	req := httptest.NewRequest(http.MethodGet, "/users/profile?numero=whatsapp:%2B51999", nil)
	w := httptest.NewRecorder()
	handler.Profile(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["numero_whatsapp"] != "whatsapp:+51999" || body["primer_contacto"] != true {
		t.Fatalf("unexpected body %v", body)
	}

	w = httptest.NewRecorder()
	handler.Profile(w, httptest.NewRequest(http.MethodGet, "/users/profile", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.Profile(w, httptest.NewRequest(http.MethodGet, "/users/profile?numero=unknown", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
