package backchannel

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// EventPost announces a newly persisted post.
	EventPost = "post"
	// EventVote announces a vote appended to a post.
	EventVote = "vote"
	// EventReport announces a report appended to a post.
	EventReport = "report"
	// EventComment announces a comment appended to a post.
	EventComment = "comment"

	// AnonymousName replaces the author name on anonymous submissions.
	AnonymousName = "Anonymous"
	// AnonymousAffiliation replaces the author affiliation on anonymous submissions.
	AnonymousAffiliation = "N/A"

	// ReportDemotionThreshold is the report count at which clients move a post to the bottom of the feed.
	ReportDemotionThreshold = 2

	maxIdentifierLength = 190
	maxBodyLength       = 4000
	maxLabelLength      = 320
)

var (
	// ErrInvalidLectureID indicates that a lecture identifier is empty or exceeds storage bounds.
	ErrInvalidLectureID = errors.New("backchannel: invalid lecture id")
	// ErrInvalidPostID indicates that a post identifier is empty or exceeds storage bounds.
	ErrInvalidPostID = errors.New("backchannel: invalid post id")
	// ErrInvalidUserID indicates that a voter or reporter identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("backchannel: invalid user id")
	// ErrInvalidBody indicates that a post or comment body is empty after sanitising or too long.
	ErrInvalidBody = errors.New("backchannel: invalid body")
	// ErrPostNotFound indicates that the referenced post does not exist in the lecture.
	ErrPostNotFound = errors.New("backchannel: post not found")
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

// LectureID represents a validated lecture identifier.
type LectureID string

// NewLectureID validates raw input and returns a LectureID.
func NewLectureID(rawInput string) (LectureID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidLectureID)
	return LectureID(value), err
}

// String returns the underlying string identifier.
func (id LectureID) String() string {
	return string(id)
}

// PostID represents a validated post identifier.
type PostID string

// NewPostID validates raw input and returns a PostID.
func NewPostID(rawInput string) (PostID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidPostID)
	return PostID(value), err
}

// String returns the underlying string identifier.
func (id PostID) String() string {
	return string(id)
}

// UserID identifies a voter or reporter.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidUserID)
	return UserID(value), err
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Author carries the submitting connection's resolved identity.
// An empty UserID means the connection is not authenticated.
type Author struct {
	UserID string
}

// PostDraft is the client-supplied content of a new post.
type PostDraft struct {
	Anonymous bool
	UserName  string
	UserAffil string
	Public    bool
	Body      string
}

// CommentDraft is the client-supplied content of a new comment.
type CommentDraft struct {
	Anonymous bool
	UserName  string
	UserAffil string
	Body      string
}

// PostView is the wire representation of a post with its nested state.
type PostView struct {
	ID        string        `json:"id"`
	Lecture   string        `json:"lecture"`
	UserID    *string       `json:"userid"`
	UserName  string        `json:"userName"`
	UserAffil string        `json:"userAffil"`
	Public    bool          `json:"public"`
	Body      string        `json:"body"`
	Date      time.Time     `json:"date"`
	CreatedAt time.Time     `json:"createdAt"`
	Comments  []CommentView `json:"comments"`
	Votes     []string      `json:"votes"`
	Reports   []string      `json:"reports"`
}

// CommentView is the wire representation of a comment.
type CommentView struct {
	ParentID  string    `json:"parentid"`
	Body      string    `json:"body"`
	UserName  string    `json:"userName"`
	UserAffil string    `json:"userAffil"`
	Anonymous bool      `json:"anonymous"`
	Date      time.Time `json:"date"`
}

// VoteRecord is relayed to the room when a vote is appended.
type VoteRecord struct {
	ParentID string `json:"parentid"`
	UserID   string `json:"userid"`
}

// ReportRecord is relayed to the room when a report is appended.
type ReportRecord struct {
	ParentID string `json:"parentid"`
	UserID   string `json:"userid"`
}

func millisToTime(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}
