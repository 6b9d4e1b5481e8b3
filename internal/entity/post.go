package entity

import (
	"fmt"
	"time"
)

// Post field names.
const (
	FieldAuthorID     = "author_id"
	FieldLikeCount    = "like_count"
	FieldCommentCount = "comment_count"
)

// Post is the typed view of a feed post or video.
type Post struct {
	ID           string
	Version      int64
	AuthorID     string
	LikeCount    int64
	CommentCount int64
	CreatedAt    time.Time
}

// PostFrom decodes the typed view of a post entity.
func PostFrom(e Entity) (Post, error) {
	if e.Kind != KindPost {
		return Post{}, fmt.Errorf("entity %s is a %s, not a post", e.ID, e.Kind)
	}
	p := Post{ID: e.ID, Version: e.Version, CreatedAt: e.CreatedAt}
	p.AuthorID, _ = e.Fields.String(FieldAuthorID)
	p.LikeCount, _ = e.Fields.Int(FieldLikeCount)
	p.CommentCount, _ = e.Fields.Int(FieldCommentCount)
	return p, nil
}

// Entity encodes the post as a generic entity.
func (p Post) Entity() Entity {
	return Entity{
		Kind:      KindPost,
		ID:        p.ID,
		Version:   p.Version,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.CreatedAt,
		Fields: Fields{
			FieldAuthorID:     String(p.AuthorID),
			FieldLikeCount:    Int(p.LikeCount),
			FieldCommentCount: Int(p.CommentCount),
		},
	}
}

// LikeDelta is the optimistic change for a like (n=1) or unlike (n=-1).
func LikeDelta(n int64) Delta {
	return Delta{Ops: []FieldOp{Incr(FieldLikeCount, n)}}
}

// CommentDelta is the optimistic change for a new comment.
func CommentDelta() Delta {
	return Delta{Ops: []FieldOp{Incr(FieldCommentCount, 1)}}
}
