package domain

import "github.com/google/uuid"

// Client is a customer whose software moves through the pipeline.
type Client struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}
