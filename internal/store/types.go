package store

import (
	"time"

	"github.com/roach88/hashrepo/internal/ident"
)

// Commit describes one submission to write.
type Commit struct {
	URI         ident.URI
	MediaType   string
	Size        int64
	Terms       []string
	SubmitterID int64
	Targets     []int64
}

// Committed is the outcome of CommitSubmission.
type Committed struct {
	ContentID    int64
	SubmissionID int64
	Targets      []int64
	CreatedAt    time.Time
	NewContent   bool
}

// Match is one query result row.
type Match struct {
	SubmissionID int64
	URI          ident.URI
	MediaType    string
}

// SubmissionRef describes an existing submission of some content.
type SubmissionRef struct {
	SubmissionID int64
	CreatedAt    time.Time
	Username     string
}

// Content is a stored content record.
type Content struct {
	ID        int64
	URI       ident.URI
	MediaType string
	Size      int64
}

// User is a local account.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CanWrite     bool
}

// PullRecord is a persisted replication subscription.
type PullRecord struct {
	ID        string
	UserID    int64
	Targets   []int64
	Remote    string
	Query     string
	Language  string
	Username  string
	Password  string
	CreatedAt time.Time

	// Err is set when the stored row could not be decoded. The record
	// still carries its ID so the caller can disable that pull alone.
	Err error
}

// PublicTargetName is the reserved target name for the public sentinel.
const PublicTargetName = "public"
