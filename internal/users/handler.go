package users

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/oberoende/clinic-assistant/pkg/logging"
)

// Handler serves the usuario profile endpoint.
type Handler struct {
	svc    *Service
	logger *logging.Logger
}

func NewHandler(svc *Service, logger *logging.Logger) *Handler {
	if svc == nil {
		panic("users: service required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

type profileResponse struct {
	ID             int64   `json:"id"`
	NumeroWhatsApp string  `json:"numero_whatsapp"`
	Nombre         *string `json:"nombre"`
	FechaCreacion  string  `json:"fecha_creacion"`
	PrimerContacto bool    `json:"primer_contacto"`
}

// Profile handles GET /users/profile?numero=
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	numero := strings.TrimSpace(r.URL.Query().Get("numero"))
	if numero == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Se requiere parámetro 'numero'"})
		return
	}
	u, err := h.svc.Profile(r.Context(), numero)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "Usuario no encontrado"})
			return
		}
		h.logger.Error("failed to load usuario", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Error interno del servidor"})
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{
		ID:             u.ID,
		NumeroWhatsApp: u.NumeroWhatsApp,
		Nombre:         u.Nombre,
		FechaCreacion:  u.FechaCreacion.Format(time.RFC3339),
		PrimerContacto: u.PrimerContacto,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
