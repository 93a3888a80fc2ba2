package users

import (
	"errors"
	"time"
)

// ErrUserNotFound is returned when no usuario exists for a number.
var ErrUserNotFound = errors.New("users: usuario not found")

// Usuario is a chat contact, created lazily on the first inbound message.
type Usuario struct {
	ID             int64     `json:"id"`
	NumeroWhatsApp string    `json:"numero_whatsapp"`
	Nombre         *string   `json:"nombre"`
	FechaCreacion  time.Time `json:"fecha_creacion"`
	PrimerContacto bool      `json:"primer_contacto"`
}
