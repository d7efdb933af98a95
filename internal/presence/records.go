package presence

import (
	"strings"
	"time"
)

// Note stores a lecture note that viewers can collaborate on.
type Note struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	LectureID        string `gorm:"column:lecture_id;size:190;not null;index"`
	Title            string `gorm:"column:title;size:320;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "lecture_notes"
}

// NoteCollaborator records one viewer contributing to a note.
type NoteCollaborator struct {
	NoteID          string `gorm:"column:note_id;primaryKey;size:190;not null"`
	CollaboratorID  string `gorm:"column:collaborator_id;primaryKey;size:190;not null"`
	JoinedAtSeconds int64  `gorm:"column:joined_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NoteCollaborator) TableName() string {
	return "note_collaborators"
}

// Models lists the tables owned by the presence store.
func Models() []any {
	return []any{&Note{}, &NoteCollaborator{}}
}

// NewNote builds a note record, trimming the title to its column size.
func NewNote(noteID NoteID, lectureID LectureID, title string, createdAt time.Time) Note {
	runes := []rune(strings.TrimSpace(title))
	if len(runes) > maxTitleLength {
		runes = runes[:maxTitleLength]
	}
	return Note{
		NoteID:           noteID.String(),
		LectureID:        lectureID.String(),
		Title:            string(runes),
		CreatedAtSeconds: createdAt.UTC().Unix(),
	}
}
