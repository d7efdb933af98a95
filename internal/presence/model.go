// Package presence tracks which lecture notes anonymous viewers are editing and
// pushes collaborator counts to watching connections.
package presence

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// EventCounts carries the noteID to collaborator count map pushed to watchers.
	EventCounts = "counts"

	maxIdentifierLength = 190
	maxTitleLength      = 320
)

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("presence: invalid note id")
	// ErrInvalidLectureID indicates that a lecture identifier is empty or exceeds storage bounds.
	ErrInvalidLectureID = errors.New("presence: invalid lecture id")
	// ErrNoteNotFound indicates that the note has not been registered.
	ErrNoteNotFound = errors.New("presence: note not found")
)

func validateIdentifier(rawInput string, kind error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", kind)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", kind, maxIdentifierLength)
	}
	return trimmed, nil
}

// NoteID identifies a lecture note.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidNoteID)
	return NoteID(value), err
}

func (id NoteID) String() string {
	return string(id)
}

// LectureID identifies the lecture a note belongs to.
type LectureID string

// NewLectureID validates raw input and returns a LectureID.
func NewLectureID(rawInput string) (LectureID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidLectureID)
	return LectureID(value), err
}

func (id LectureID) String() string {
	return string(id)
}

// Counts maps note identifiers to the number of viewers contributing to them.
type Counts map[string]int
