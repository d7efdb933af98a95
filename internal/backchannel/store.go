package backchannel

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryPostID        = "post_id = ?"
	queryPostInLecture = "post_id = ? AND lecture_id = ?"
	queryPostIDIn      = "post_id IN ?"
	queryLectureID     = "lecture_id = ?"
	orderActivityDesc  = "last_activity_ms DESC"
	orderPostIDAsc     = "post_id ASC"
	orderCommentIDAsc  = "comment_id ASC"
	orderMarkAsc       = "created_at_ms ASC, user_id ASC"
	columnLastActivity = "last_activity_ms"
)

// Store is the durable post store consumed by the Service.
type Store interface {
	InsertPost(ctx context.Context, post *Post) error
	ListPosts(ctx context.Context, lectureID LectureID) ([]PostAggregate, error)
	AddVote(ctx context.Context, lectureID LectureID, postID PostID, userID UserID, atMillis int64) (Post, bool, error)
	AddReport(ctx context.Context, lectureID LectureID, postID PostID, userID UserID, atMillis int64) (Post, bool, error)
	AppendComment(ctx context.Context, lectureID LectureID, comment *PostComment) (Post, error)
}

type gormStore struct {
	db *gorm.DB
}

// NewStore returns a Store backed by the provided GORM handle.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) InsertPost(ctx context.Context, post *Post) error {
	return s.db.WithContext(ctx).Create(post).Error
}

func (s *gormStore) ListPosts(ctx context.Context, lectureID LectureID) ([]PostAggregate, error) {
	db := s.db.WithContext(ctx)

	var posts []Post
	if err := db.Where(queryLectureID, lectureID.String()).
		Order(orderActivityDesc).
		Order(orderPostIDAsc).
		Find(&posts).Error; err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, nil
	}

	postIDs := make([]string, 0, len(posts))
	for _, post := range posts {
		postIDs = append(postIDs, post.PostID)
	}

	var comments []PostComment
	if err := db.Where(queryPostIDIn, postIDs).Order(orderCommentIDAsc).Find(&comments).Error; err != nil {
		return nil, err
	}
	var votes []PostVote
	if err := db.Where(queryPostIDIn, postIDs).Order(orderMarkAsc).Find(&votes).Error; err != nil {
		return nil, err
	}
	var reports []PostReport
	if err := db.Where(queryPostIDIn, postIDs).Order(orderMarkAsc).Find(&reports).Error; err != nil {
		return nil, err
	}

	commentsByPost := make(map[string][]PostComment, len(posts))
	for _, comment := range comments {
		commentsByPost[comment.PostID] = append(commentsByPost[comment.PostID], comment)
	}
	votersByPost := make(map[string][]string, len(posts))
	for _, vote := range votes {
		votersByPost[vote.PostID] = append(votersByPost[vote.PostID], vote.UserID)
	}
	reportersByPost := make(map[string][]string, len(posts))
	for _, report := range reports {
		reportersByPost[report.PostID] = append(reportersByPost[report.PostID], report.UserID)
	}

	aggregates := make([]PostAggregate, 0, len(posts))
	for _, post := range posts {
		aggregates = append(aggregates, PostAggregate{
			Post:      post,
			Comments:  commentsByPost[post.PostID],
			Voters:    votersByPost[post.PostID],
			Reporters: reportersByPost[post.PostID],
		})
	}
	return aggregates, nil
}

func (s *gormStore) AddVote(ctx context.Context, lectureID LectureID, postID PostID, userID UserID, atMillis int64) (Post, bool, error) {
	return s.addToSet(ctx, lectureID, postID, &PostVote{
		PostID:          postID.String(),
		UserID:          userID.String(),
		CreatedAtMillis: atMillis,
	})
}

func (s *gormStore) AddReport(ctx context.Context, lectureID LectureID, postID PostID, userID UserID, atMillis int64) (Post, bool, error) {
	return s.addToSet(ctx, lectureID, postID, &PostReport{
		PostID:          postID.String(),
		UserID:          userID.String(),
		CreatedAtMillis: atMillis,
	})
}

// addToSet inserts the membership row unless it already exists. The conflict
// clause makes the check and the append a single statement.
func (s *gormStore) addToSet(ctx context.Context, lectureID LectureID, postID PostID, member any) (Post, bool, error) {
	var post Post
	added := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := takePost(tx, lectureID, postID, &post); err != nil {
			return err
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(member)
		if result.Error != nil {
			return result.Error
		}
		added = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return Post{}, false, err
	}
	return post, added, nil
}

func (s *gormStore) AppendComment(ctx context.Context, lectureID LectureID, comment *PostComment) (Post, error) {
	postID := PostID(comment.PostID)
	var post Post
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := takePost(tx.Clauses(clause.Locking{Strength: "UPDATE"}), lectureID, postID, &post); err != nil {
			return err
		}
		if err := tx.Create(comment).Error; err != nil {
			return err
		}
		activity := post.LastActivityMillis
		if comment.CreatedAtMillis > activity {
			activity = comment.CreatedAtMillis
		}
		if err := tx.Model(&Post{}).
			Where(queryPostID, postID.String()).
			Update(columnLastActivity, activity).Error; err != nil {
			return err
		}
		post.LastActivityMillis = activity
		return nil
	})
	if err != nil {
		return Post{}, err
	}
	return post, nil
}

func takePost(tx *gorm.DB, lectureID LectureID, postID PostID, post *Post) error {
	err := tx.Where(queryPostInLecture, postID.String(), lectureID.String()).Take(post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrPostNotFound
	}
	return err
}
