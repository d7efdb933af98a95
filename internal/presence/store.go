package presence

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryNoteID          = "note_id = ?"
	queryCollaborator    = "note_id = ? AND collaborator_id = ?"
	queryNotesInLectures = "lecture_notes.lecture_id IN ?"
	selectCounts         = "lecture_notes.note_id AS note_id, COUNT(note_collaborators.collaborator_id) AS collaborators"
	joinCollaborators    = "LEFT JOIN note_collaborators ON note_collaborators.note_id = lecture_notes.note_id"
	groupByNote          = "lecture_notes.note_id"
)

// Store persists notes and their collaborator sets.
type Store interface {
	RegisterNote(ctx context.Context, note Note) error
	AddCollaborator(ctx context.Context, noteID NoteID, collaboratorID string, atSeconds int64) (bool, error)
	RemoveCollaborator(ctx context.Context, noteID NoteID, collaboratorID string) error
	CountsForLectures(ctx context.Context, lectureIDs []LectureID) (Counts, error)
	ClearCollaborators(ctx context.Context) (int64, error)
}

type gormStore struct {
	db *gorm.DB
}

// NewStore returns a Store backed by the provided GORM handle.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// RegisterNote creates the note or moves it to the given lecture and title.
func (s *gormStore) RegisterNote(ctx context.Context, note Note) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "note_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"lecture_id", "title"}),
	}).Create(&note).Error
}

func (s *gormStore) AddCollaborator(ctx context.Context, noteID NoteID, collaboratorID string, atSeconds int64) (bool, error) {
	added := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var note Note
		if err := tx.Where(queryNoteID, noteID.String()).Take(&note).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoteNotFound
			}
			return err
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&NoteCollaborator{
			NoteID:          noteID.String(),
			CollaboratorID:  collaboratorID,
			JoinedAtSeconds: atSeconds,
		})
		if result.Error != nil {
			return result.Error
		}
		added = result.RowsAffected > 0
		return nil
	})
	return added, err
}

func (s *gormStore) RemoveCollaborator(ctx context.Context, noteID NoteID, collaboratorID string) error {
	return s.db.WithContext(ctx).
		Where(queryCollaborator, noteID.String(), collaboratorID).
		Delete(&NoteCollaborator{}).Error
}

type noteCount struct {
	NoteID        string `gorm:"column:note_id"`
	Collaborators int    `gorm:"column:collaborators"`
}

// CountsForLectures returns the collaborator count of every note registered
// under the lectures, including notes nobody is editing.
func (s *gormStore) CountsForLectures(ctx context.Context, lectureIDs []LectureID) (Counts, error) {
	counts := Counts{}
	if len(lectureIDs) == 0 {
		return counts, nil
	}
	ids := make([]string, 0, len(lectureIDs))
	for _, lectureID := range lectureIDs {
		ids = append(ids, lectureID.String())
	}

	var rows []noteCount
	if err := s.db.WithContext(ctx).
		Model(&Note{}).
		Select(selectCounts).
		Joins(joinCollaborators).
		Where(queryNotesInLectures, ids).
		Group(groupByNote).
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		counts[row.NoteID] = row.Collaborators
	}
	return counts, nil
}

// ClearCollaborators drops every collaborator row. Contributions belong to live
// connections, so rows left behind by a previous process are stale.
func (s *gormStore) ClearCollaborators(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&NoteCollaborator{})
	return result.RowsAffected, result.Error
}
