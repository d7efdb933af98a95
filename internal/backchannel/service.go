package backchannel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/backchannel/internal/rooms"
	"go.uber.org/zap"
)

var (
	errMissingStore      = errors.New("post store is required")
	errMissingRooms      = errors.New("room registry is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries an operation-scoped code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "backchannel.service.new"
	opSubscribe      = "backchannel.subscribe"
	opSubmitPost     = "backchannel.submit_post"
	opSubmitVote     = "backchannel.submit_vote"
	opSubmitReport   = "backchannel.submit_report"
	opSubmitComment  = "backchannel.submit_comment"
	reasonQuery      = "query_failed"
	reasonPersist    = "persist_failed"
	reasonIDFailed   = "id_generation_failed"
	reasonNotFound   = "post_not_found"
	reasonInvalid    = "invalid_draft"
	reasonBroadcast  = "broadcast_failed"
	fieldLectureID   = "lecture_id"
	fieldPostID      = "post_id"
	fieldUserID      = "user_id"
	fieldMemberID    = "member_id"
	fieldEventName   = "event"
	logMessageFailed = "backchannel service error"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Rooms is the fan-out surface the service broadcasts through.
type Rooms interface {
	Join(lectureID string, member rooms.Member)
	Publish(ctx context.Context, lectureID, event string, payload any, audience rooms.Audience) error
}

type ServiceConfig struct {
	Store      Store
	Rooms      Rooms
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service validates client events, persists them and fans them out to lecture rooms.
type Service struct {
	store      Store
	rooms      Rooms
	clock      func() time.Time
	idProvider IDProvider
	sanitizer  *textSanitizer
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Rooms == nil {
		return nil, newServiceError(opServiceNew, "missing_rooms", errMissingRooms)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:      cfg.Store,
		rooms:      cfg.Rooms,
		clock:      clock,
		idProvider: idProvider,
		sanitizer:  newTextSanitizer(),
		logger:     logger,
	}, nil
}

// Subscribe joins the member to the lecture room and returns the lecture's posts.
// Members without a resolved identity only see public posts.
func (s *Service) Subscribe(ctx context.Context, lectureID LectureID, member rooms.Member) ([]PostView, error) {
	s.rooms.Join(lectureID.String(), member)

	aggregates, err := s.store.ListPosts(ctx, lectureID)
	if err != nil {
		s.logError(opSubscribe, reasonQuery, err,
			zap.String(fieldLectureID, lectureID.String()),
			zap.String(fieldMemberID, member.ID()))
		return nil, newServiceError(opSubscribe, reasonQuery, err)
	}

	views := make([]PostView, 0, len(aggregates))
	for _, aggregate := range aggregates {
		if !aggregate.Post.Public && !member.Authenticated() {
			continue
		}
		views = append(views, aggregate.view())
	}
	return views, nil
}

// SubmitPost persists a new post and broadcasts it to the audience its visibility allows.
func (s *Service) SubmitPost(ctx context.Context, lectureID LectureID, author Author, draft PostDraft) (PostView, error) {
	body, err := s.sanitizer.body(draft.Body)
	if err != nil {
		return PostView{}, newServiceError(opSubmitPost, reasonInvalid, err)
	}
	postID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSubmitPost, reasonIDFailed, err, zap.String(fieldLectureID, lectureID.String()))
		return PostView{}, newServiceError(opSubmitPost, reasonIDFailed, err)
	}

	nowMillis := s.clock().UTC().UnixMilli()
	post := Post{
		PostID:             postID,
		LectureID:          lectureID.String(),
		Body:               body,
		Public:             draft.Public,
		CreatedAtMillis:    nowMillis,
		LastActivityMillis: nowMillis,
	}
	if draft.Anonymous {
		post.AuthorName = AnonymousName
		post.AuthorAffiliation = AnonymousAffiliation
	} else {
		post.AuthorName = s.sanitizer.label(draft.UserName, maxLabelLength)
		post.AuthorAffiliation = s.sanitizer.label(draft.UserAffil, maxLabelLength)
		if author.UserID != "" {
			authorID := author.UserID
			post.AuthorID = &authorID
		}
	}

	if err := s.store.InsertPost(ctx, &post); err != nil {
		s.logError(opSubmitPost, reasonPersist, err,
			zap.String(fieldLectureID, lectureID.String()),
			zap.String(fieldPostID, postID))
		return PostView{}, newServiceError(opSubmitPost, reasonPersist, err)
	}

	view := PostAggregate{Post: post}.view()
	s.publish(ctx, opSubmitPost, lectureID, EventPost, view, post.Public)
	return view, nil
}

// SubmitVote records the voter on the post. A repeated vote is a silent no-op and reports false.
func (s *Service) SubmitVote(ctx context.Context, lectureID LectureID, voterID UserID, postID PostID) (bool, error) {
	post, added, err := s.store.AddVote(ctx, lectureID, postID, voterID, s.clock().UTC().UnixMilli())
	if err != nil {
		return false, s.markError(opSubmitVote, lectureID, postID, voterID, err)
	}
	if !added {
		return false, nil
	}
	s.publish(ctx, opSubmitVote, lectureID, EventVote, VoteRecord{
		ParentID: postID.String(),
		UserID:   voterID.String(),
	}, post.Public)
	return true, nil
}

// SubmitReport records the reporter on the post. A repeated report is a silent no-op and reports false.
func (s *Service) SubmitReport(ctx context.Context, lectureID LectureID, reporterID UserID, postID PostID) (bool, error) {
	post, added, err := s.store.AddReport(ctx, lectureID, postID, reporterID, s.clock().UTC().UnixMilli())
	if err != nil {
		return false, s.markError(opSubmitReport, lectureID, postID, reporterID, err)
	}
	if !added {
		return false, nil
	}
	s.publish(ctx, opSubmitReport, lectureID, EventReport, ReportRecord{
		ParentID: postID.String(),
		UserID:   reporterID.String(),
	}, post.Public)
	return true, nil
}

// SubmitComment appends a comment to the post, refreshes its activity time and broadcasts the comment.
func (s *Service) SubmitComment(ctx context.Context, lectureID LectureID, postID PostID, draft CommentDraft) (CommentView, error) {
	body, err := s.sanitizer.body(draft.Body)
	if err != nil {
		return CommentView{}, newServiceError(opSubmitComment, reasonInvalid, err)
	}

	comment := PostComment{
		PostID:          postID.String(),
		Body:            body,
		Anonymous:       draft.Anonymous,
		CreatedAtMillis: s.clock().UTC().UnixMilli(),
	}
	if draft.Anonymous {
		comment.AuthorName = AnonymousName
		comment.AuthorAffiliation = AnonymousAffiliation
	} else {
		comment.AuthorName = s.sanitizer.label(draft.UserName, maxLabelLength)
		comment.AuthorAffiliation = s.sanitizer.label(draft.UserAffil, maxLabelLength)
	}

	post, err := s.store.AppendComment(ctx, lectureID, &comment)
	if err != nil {
		if errors.Is(err, ErrPostNotFound) {
			return CommentView{}, newServiceError(opSubmitComment, reasonNotFound, err)
		}
		s.logError(opSubmitComment, reasonPersist, err,
			zap.String(fieldLectureID, lectureID.String()),
			zap.String(fieldPostID, postID.String()))
		return CommentView{}, newServiceError(opSubmitComment, reasonPersist, err)
	}

	view := comment.view()
	s.publish(ctx, opSubmitComment, lectureID, EventComment, view, post.Public)
	return view, nil
}

func (s *Service) markError(operation string, lectureID LectureID, postID PostID, userID UserID, err error) error {
	if errors.Is(err, ErrPostNotFound) {
		return newServiceError(operation, reasonNotFound, err)
	}
	s.logError(operation, reasonPersist, err,
		zap.String(fieldLectureID, lectureID.String()),
		zap.String(fieldPostID, postID.String()),
		zap.String(fieldUserID, userID.String()))
	return newServiceError(operation, reasonPersist, err)
}

// publish runs only after the store has committed the change.
func (s *Service) publish(ctx context.Context, operation string, lectureID LectureID, event string, payload any, public bool) {
	if err := s.rooms.Publish(ctx, lectureID.String(), event, payload, rooms.AudienceFor(public)); err != nil {
		s.logError(operation, reasonBroadcast, err,
			zap.String(fieldLectureID, lectureID.String()),
			zap.String(fieldEventName, event))
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error(logMessageFailed, attrs...)
}
