package domain

import "time"

// Folder groups memos for a single owner. It is read-only here.
type Folder struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	CreatedUser string    `json:"createdUser"`
	UpdatedDate time.Time `json:"updatedDate"`
}
