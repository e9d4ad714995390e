package domain

import "strings"

// UntitledTitle replaces a blank title on every write.
const UntitledTitle = "無題"

// FolderNone marks a memo that belongs to no folder.
const FolderNone = ""

// Memo is a single note owned by one user.
type Memo struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	FolderID    string    `json:"folderId"`
	CreatedUser string    `json:"createdUser"`
	CreatedDate Timestamp `json:"createdDate"`
	UpdatedDate Timestamp `json:"updatedDate"`
}

// CoerceTitle returns UntitledTitle for blank input and raw otherwise.
func CoerceTitle(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return UntitledTitle
	}
	return raw
}

// Identity is the authenticated owner performing an operation.
type Identity struct {
	UserID string `json:"userId"`
}
