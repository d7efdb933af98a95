package backchannel

// Post stores a backchannel post.
type Post struct {
	PostID             string  `gorm:"column:post_id;primaryKey;size:190;not null"`
	LectureID          string  `gorm:"column:lecture_id;size:190;not null;index:idx_posts_lecture_activity,priority:1"`
	AuthorID           *string `gorm:"column:author_id;size:190"`
	AuthorName         string  `gorm:"column:author_name;size:320;not null"`
	AuthorAffiliation  string  `gorm:"column:author_affiliation;size:320;not null"`
	Body               string  `gorm:"column:body;type:text;not null"`
	Public             bool    `gorm:"column:is_public;not null"`
	CreatedAtMillis    int64   `gorm:"column:created_at_ms;not null"`
	LastActivityMillis int64   `gorm:"column:last_activity_ms;not null;index:idx_posts_lecture_activity,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Post) TableName() string {
	return "backchannel_posts"
}

// PostComment stores an append-only comment on a post.
type PostComment struct {
	CommentID         int64  `gorm:"column:comment_id;primaryKey;autoIncrement"`
	PostID            string `gorm:"column:post_id;size:190;not null;index"`
	Body              string `gorm:"column:body;type:text;not null"`
	AuthorName        string `gorm:"column:author_name;size:320;not null"`
	AuthorAffiliation string `gorm:"column:author_affiliation;size:320;not null"`
	Anonymous         bool   `gorm:"column:is_anonymous;not null"`
	CreatedAtMillis   int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PostComment) TableName() string {
	return "backchannel_comments"
}

// PostVote records one voter on a post. The composite key keeps the voter set duplicate free.
type PostVote struct {
	PostID          string `gorm:"column:post_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PostVote) TableName() string {
	return "backchannel_votes"
}

// PostReport records one reporter on a post. The composite key keeps the reporter set duplicate free.
type PostReport struct {
	PostID          string `gorm:"column:post_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PostReport) TableName() string {
	return "backchannel_reports"
}

// Models lists the tables owned by the backchannel store.
func Models() []any {
	return []any{&Post{}, &PostComment{}, &PostVote{}, &PostReport{}}
}

// PostAggregate is a post together with its comments, voters and reporters.
type PostAggregate struct {
	Post      Post
	Comments  []PostComment
	Voters    []string
	Reporters []string
}

func (aggregate PostAggregate) view() PostView {
	post := aggregate.Post
	view := PostView{
		ID:        post.PostID,
		Lecture:   post.LectureID,
		UserName:  post.AuthorName,
		UserAffil: post.AuthorAffiliation,
		Public:    post.Public,
		Body:      post.Body,
		Date:      millisToTime(post.LastActivityMillis),
		CreatedAt: millisToTime(post.CreatedAtMillis),
		Comments:  make([]CommentView, 0, len(aggregate.Comments)),
		Votes:     append([]string{}, aggregate.Voters...),
		Reports:   append([]string{}, aggregate.Reporters...),
	}
	if post.AuthorID != nil {
		authorID := *post.AuthorID
		view.UserID = &authorID
	}
	for _, comment := range aggregate.Comments {
		view.Comments = append(view.Comments, comment.view())
	}
	return view
}

func (comment PostComment) view() CommentView {
	return CommentView{
		ParentID:  comment.PostID,
		Body:      comment.Body,
		UserName:  comment.AuthorName,
		UserAffil: comment.AuthorAffiliation,
		Anonymous: comment.Anonymous,
		Date:      millisToTime(comment.CreatedAtMillis),
	}
}
