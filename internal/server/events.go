package server

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/backchannel/internal/backchannel"
	"github.com/MarcoPoloResearchLab/backchannel/internal/metrics"
	"github.com/MarcoPoloResearchLab/backchannel/internal/presence"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	eventSubscribe = "subscribe"
	eventJoin      = "join"
	eventWatch     = "watch"
	eventUnknown   = "unknown"

	anonymousMarkerPrefix = "anon:"

	codeInvalidPayload = "invalid_payload"
	codePostNotFound   = "post_not_found"
	codeNoteNotFound   = "note_not_found"
	codeRateLimited    = "rate_limited"
	codeUnknownEvent   = "unknown_event"
	codeInternal       = "internal_error"
)

var errInvalidPayload = errors.New("invalid payload")

type postPayload struct {
	Post struct {
		Anonymous bool   `json:"anonymous"`
		UserName  string `json:"userName" validate:"max=320"`
		UserAffil string `json:"userAffil" validate:"max=320"`
		Public    bool   `json:"public"`
		Body      string `json:"body" validate:"required,max=4000"`
	} `json:"post"`
	Lecture string `json:"lecture" validate:"required,max=190"`
}

type markPayload struct {
	ParentID string `json:"parentid" validate:"required,max=190"`
	UserID   string `json:"userid" validate:"max=180"`
}

type votePayload struct {
	Vote    markPayload `json:"vote"`
	Lecture string      `json:"lecture" validate:"required,max=190"`
}

type reportPayload struct {
	Report  markPayload `json:"report"`
	Lecture string      `json:"lecture" validate:"required,max=190"`
}

type commentPayload struct {
	Comment struct {
		ParentID  string `json:"parentid" validate:"required,max=190"`
		Body      string `json:"body" validate:"required,max=4000"`
		UserName  string `json:"userName" validate:"max=320"`
		UserAffil string `json:"userAffil" validate:"max=320"`
		Anonymous bool   `json:"anonymous"`
	} `json:"comment"`
	Lecture string `json:"lecture" validate:"required,max=190"`
}

type markResult struct {
	Applied bool `json:"applied"`
}

func (h *httpHandler) handleBackchannel(c *gin.Context) {
	h.serveSocket(c, namespaceBackchannel, h.dispatchBackchannel, func(_ context.Context, sock *socket) {
		h.rooms.LeaveAll(sock)
	})
}

func (h *httpHandler) handleCounts(c *gin.Context) {
	h.serveSocket(c, namespaceCounts, h.dispatchCounts, func(ctx context.Context, sock *socket) {
		h.presence.Disconnect(ctx, sock)
	})
}

func (h *httpHandler) dispatchBackchannel(ctx context.Context, sock *socket, frame inboundFrame) {
	var (
		result  any
		outcome = metrics.OutcomeApplied
		err     error
	)
	switch frame.Event {
	case eventSubscribe:
		result, err = h.subscribe(ctx, sock, frame.Data)
	case backchannel.EventPost:
		result, err = h.submitPost(ctx, sock, frame.Data)
	case backchannel.EventVote:
		result, err = h.submitMark(ctx, sock, frame.Data, false)
	case backchannel.EventReport:
		result, err = h.submitMark(ctx, sock, frame.Data, true)
	case backchannel.EventComment:
		result, err = h.submitComment(ctx, sock, frame.Data)
	default:
		h.rejectUnknown(sock, frame)
		return
	}
	if mark, ok := result.(markResult); ok && err == nil && !mark.Applied {
		outcome = metrics.OutcomeDuplicate
	}
	h.finish(sock, frame, result, outcome, err)
}

func (h *httpHandler) dispatchCounts(ctx context.Context, sock *socket, frame inboundFrame) {
	var (
		result any
		err    error
	)
	switch frame.Event {
	case eventJoin:
		result, err = h.joinNote(ctx, sock, frame.Data)
	case eventWatch:
		result, err = h.watchLecture(ctx, sock, frame.Data)
	default:
		h.rejectUnknown(sock, frame)
		return
	}
	h.finish(sock, frame, result, metrics.OutcomeApplied, err)
}

func (h *httpHandler) finish(sock *socket, frame inboundFrame, result any, outcome string, err error) {
	if err != nil {
		code := errorCode(err)
		if code == codeInternal {
			outcome = metrics.OutcomeFailed
		} else {
			outcome = metrics.OutcomeRejected
		}
		metrics.Events.WithLabelValues(sock.namespace, frame.Event, outcome).Inc()
		sock.logger.Debug("event rejected", zap.String("event", frame.Event), zap.String("code", code), zap.Error(err))
		sock.fail(frame.ID, frame.Event, code)
		return
	}
	metrics.Events.WithLabelValues(sock.namespace, frame.Event, outcome).Inc()
	sock.ack(frame.ID, result)
}

func (h *httpHandler) rejectUnknown(sock *socket, frame inboundFrame) {
	metrics.Events.WithLabelValues(sock.namespace, eventUnknown, metrics.OutcomeRejected).Inc()
	sock.fail(frame.ID, frame.Event, codeUnknownEvent)
}

func (h *httpHandler) subscribe(ctx context.Context, sock *socket, data json.RawMessage) (any, error) {
	var rawLecture string
	if err := json.Unmarshal(data, &rawLecture); err != nil {
		return nil, errInvalidPayload
	}
	lectureID, err := backchannel.NewLectureID(rawLecture)
	if err != nil {
		return nil, err
	}
	return h.backchannel.Subscribe(ctx, lectureID, sock)
}

func (h *httpHandler) submitPost(ctx context.Context, sock *socket, data json.RawMessage) (any, error) {
	var payload postPayload
	if err := h.decode(data, &payload); err != nil {
		return nil, err
	}
	lectureID, err := backchannel.NewLectureID(payload.Lecture)
	if err != nil {
		return nil, err
	}
	userName := payload.Post.UserName
	if strings.TrimSpace(userName) == "" {
		userName = sock.identity.DisplayName
	}
	return h.backchannel.SubmitPost(ctx, lectureID, backchannel.Author{UserID: sock.identity.UserID}, backchannel.PostDraft{
		Anonymous: payload.Post.Anonymous,
		UserName:  userName,
		UserAffil: payload.Post.UserAffil,
		Public:    payload.Post.Public,
		Body:      payload.Post.Body,
	})
}

func (h *httpHandler) submitMark(ctx context.Context, sock *socket, data json.RawMessage, report bool) (any, error) {
	var (
		lecture string
		mark    markPayload
	)
	if report {
		var payload reportPayload
		if err := h.decode(data, &payload); err != nil {
			return nil, err
		}
		lecture, mark = payload.Lecture, payload.Report
	} else {
		var payload votePayload
		if err := h.decode(data, &payload); err != nil {
			return nil, err
		}
		lecture, mark = payload.Lecture, payload.Vote
	}

	lectureID, err := backchannel.NewLectureID(lecture)
	if err != nil {
		return nil, err
	}
	postID, err := backchannel.NewPostID(mark.ParentID)
	if err != nil {
		return nil, err
	}
	userID, err := backchannel.NewUserID(markerID(sock, mark.UserID))
	if err != nil {
		return nil, err
	}

	var applied bool
	if report {
		applied, err = h.backchannel.SubmitReport(ctx, lectureID, userID, postID)
	} else {
		applied, err = h.backchannel.SubmitVote(ctx, lectureID, userID, postID)
	}
	if err != nil {
		return nil, err
	}
	return markResult{Applied: applied}, nil
}

func (h *httpHandler) submitComment(ctx context.Context, sock *socket, data json.RawMessage) (any, error) {
	var payload commentPayload
	if err := h.decode(data, &payload); err != nil {
		return nil, err
	}
	lectureID, err := backchannel.NewLectureID(payload.Lecture)
	if err != nil {
		return nil, err
	}
	postID, err := backchannel.NewPostID(payload.Comment.ParentID)
	if err != nil {
		return nil, err
	}
	userName := payload.Comment.UserName
	if strings.TrimSpace(userName) == "" {
		userName = sock.identity.DisplayName
	}
	return h.backchannel.SubmitComment(ctx, lectureID, postID, backchannel.CommentDraft{
		Anonymous: payload.Comment.Anonymous,
		UserName:  userName,
		UserAffil: payload.Comment.UserAffil,
		Body:      payload.Comment.Body,
	})
}

func (h *httpHandler) joinNote(ctx context.Context, sock *socket, data json.RawMessage) (any, error) {
	var rawNote string
	if err := json.Unmarshal(data, &rawNote); err != nil {
		return nil, errInvalidPayload
	}
	noteID, err := presence.NewNoteID(rawNote)
	if err != nil {
		return nil, err
	}
	if err := h.presence.Join(ctx, sock, noteID); err != nil {
		return nil, err
	}
	return gin.H{"note": noteID.String()}, nil
}

func (h *httpHandler) watchLecture(ctx context.Context, sock *socket, data json.RawMessage) (any, error) {
	var rawLecture string
	if err := json.Unmarshal(data, &rawLecture); err != nil {
		return nil, errInvalidPayload
	}
	lectureID, err := presence.NewLectureID(rawLecture)
	if err != nil {
		return nil, err
	}
	h.presence.Watch(ctx, sock, lectureID)
	return gin.H{"lecture": lectureID.String()}, nil
}

func (h *httpHandler) decode(data json.RawMessage, target any) error {
	if len(data) == 0 {
		return errInvalidPayload
	}
	if err := json.Unmarshal(data, target); err != nil {
		return errInvalidPayload
	}
	if err := h.validate.Struct(target); err != nil {
		return errors.Join(errInvalidPayload, err)
	}
	return nil
}

// markerID picks the voter or reporter identity. Authenticated connections always
// use their resolved user id. Anonymous ids live under anonymousMarkerPrefix so a
// guest can never occupy a signed-in user's slot in a vote or report set.
func markerID(sock *socket, claimed string) string {
	if sock.Authenticated() {
		return sock.identity.UserID
	}
	if trimmed := strings.TrimSpace(claimed); trimmed != "" {
		return anonymousMarkerPrefix + trimmed
	}
	return anonymousMarkerPrefix + sock.ID()
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, backchannel.ErrPostNotFound):
		return codePostNotFound
	case errors.Is(err, presence.ErrNoteNotFound):
		return codeNoteNotFound
	case errors.Is(err, errInvalidPayload),
		errors.Is(err, backchannel.ErrInvalidLectureID),
		errors.Is(err, backchannel.ErrInvalidPostID),
		errors.Is(err, backchannel.ErrInvalidUserID),
		errors.Is(err, backchannel.ErrInvalidBody),
		errors.Is(err, presence.ErrInvalidNoteID),
		errors.Is(err, presence.ErrInvalidLectureID):
		return codeInvalidPayload
	default:
		return codeInternal
	}
}

// eventLabel bounds the metric label set to known event names.
func eventLabel(event string) string {
	switch event {
	case eventSubscribe, backchannel.EventPost, backchannel.EventVote, backchannel.EventReport,
		backchannel.EventComment, eventJoin, eventWatch:
		return event
	default:
		return eventUnknown
	}
}
