package models

import "time"

// User is read-only here: account management is owned by a separate service.
// This backend only needs the shipping snapshot and notification address.
type User struct {
	ID        int64     `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}
