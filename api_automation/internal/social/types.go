package social

import (
	"fmt"
	"time"
)

type Category string

const (
	CategoryComment       Category = "comment"
	CategoryMention       Category = "mention"
	CategoryMessage       Category = "message"
	CategoryStoryInsight  Category = "story_insight"
	CategoryMediaUpdate   Category = "media_update"
	CategoryAccountReview Category = "account_review"
)

var AllCategories = []Category{
	CategoryComment,
	CategoryMention,
	CategoryMessage,
	CategoryStoryInsight,
	CategoryMediaUpdate,
	CategoryAccountReview,
}

func (c Category) Valid() bool {
	for _, known := range AllCategories {
		if c == known {
			return true
		}
	}
	return false
}

// Origin records which source delivered an event.
type Origin string

const (
	OriginPush Origin = "push"
	OriginPoll Origin = "poll"
)

// DedupKey identifies one logical event across push and poll delivery.
type DedupKey struct {
	ID            string
	Category      Category
	SourceMediaID string
}

func (k DedupKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Category, k.SourceMediaID, k.ID)
}

// SocialEvent is a normalized platform event. Values are passed by copy
// and never mutated after construction.
type SocialEvent struct {
	ID            string    `json:"id"`
	WorkspaceID   string    `json:"workspaceId"`
	Category      Category  `json:"category"`
	SourceMediaID string    `json:"sourceMediaId,omitempty"`
	AuthorHandle  string    `json:"authorHandle"`
	Text          string    `json:"text,omitempty"`
	ReceivedAt    time.Time `json:"receivedAt"`
	Origin        Origin    `json:"origin"`
}

func (e SocialEvent) Key() DedupKey {
	return DedupKey{ID: e.ID, Category: e.Category, SourceMediaID: e.SourceMediaID}
}

// Validate reports the first missing or unknown field.
func (e SocialEvent) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("event id is required")
	case e.WorkspaceID == "":
		return fmt.Errorf("event %s: workspace id is required", e.ID)
	case !e.Category.Valid():
		return fmt.Errorf("event %s: unknown category %q", e.ID, e.Category)
	}
	return nil
}

// Invalidation tells dashboards that a category changed for a workspace.
type Invalidation struct {
	WorkspaceID string   `json:"workspaceId"`
	Category    Category `json:"category"`
}

// ActionKind is the platform call an automation issues.
type ActionKind string

const (
	ActionComment ActionKind = "comment"
	ActionDM      ActionKind = "dm"
)
