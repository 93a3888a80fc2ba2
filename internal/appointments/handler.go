package appointments

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/oberoende/clinic-assistant/pkg/logging"
)

// Handler serves the REST appointment API.
type Handler struct {
	svc    *Service
	logger *logging.Logger
}

// NewHandler creates a new appointments handler
func NewHandler(svc *Service, logger *logging.Logger) *Handler {
	if svc == nil {
		panic("appointments: service required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the handler on r. The nested /appointments path is kept for
// clients of the original API.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/", h.ListByDate)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Post("/appointments", h.Create)
	r.Put("/appointments/{id}", h.Update)
}

type createResponse struct {
	Message       string `json:"message"`
	AppointmentID int64  `json:"appointment_id"`
}

type updateResponse struct {
	Message       string `json:"message"`
	AppointmentID int64  `json:"appointment_id"`
	NewDate       string `json:"new_date"`
	NewTime       string `json:"new_time"`
	Status        Status `json:"status"`
}

// Create handles POST /appointments
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Cuerpo de la solicitud inválido")
		return
	}

	appt, err := h.svc.Create(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err, UserMessage(err))
		return
	}

	writeJSON(w, http.StatusCreated, createResponse{Message: "Cita creada", AppointmentID: appt.ID})
}

// Update handles PUT /appointments/{id}
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Cuerpo de la solicitud inválido")
		return
	}

	appt, err := h.svc.Update(r.Context(), id, req)
	if err != nil {
		msg := UserMessage(err)
		if errors.Is(err, ErrConflict) {
			msg = "Ya existe otra cita en ese horario"
		}
		h.writeServiceError(w, err, msg)
		return
	}

	writeJSON(w, http.StatusOK, updateResponse{
		Message:       "Cita actualizada",
		AppointmentID: appt.ID,
		NewDate:       appt.Date,
		NewTime:       appt.Time,
		Status:        appt.Status,
	})
}

// Get handles GET /appointments/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	appt, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, UserMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

// ListByDate handles GET /appointments?date=YYYY-MM-DD
func (h *Handler) ListByDate(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		writeError(w, http.StatusBadRequest, "Se requiere parámetro 'date'")
		return
	}
	list, err := h.svc.ListByDate(r.Context(), date)
	if err != nil {
		h.writeServiceError(w, err, UserMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":         date,
		"appointments": list,
		"count":        len(list),
	})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, ErrValidation):
		writeError(w, http.StatusBadRequest, msg)
	case errors.Is(err, ErrConflict):
		writeError(w, http.StatusConflict, msg)
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, msg)
	default:
		h.logger.Error("appointment request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Error interno del servidor")
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, UserMessage(ErrNotFound))
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
