package orchestration

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	clipScanWindow     = 100
	defaultClipResults = 5
)

var errMissingClipContent = errors.New("clip content is required")

// Clip is one stored snippet of prior conversation used as retrieval context
// for the planner.
type Clip struct {
	ClipID           string `gorm:"column:clip_id;primaryKey"`
	SessionID        string `gorm:"column:session_id;index:idx_clips_session"`
	UserID           string `gorm:"column:user_id"`
	Content          string `gorm:"column:content"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s"`
}

// TableName maps the model onto the clips table.
func (Clip) TableName() string {
	return "clips"
}

// ClipStore persists clips and answers relevance queries over them.
type ClipStore struct {
	db    *gorm.DB
	clock func() time.Time
	ids   interface{ NewID() (string, error) }
}

// NewClipStore wires a store around the shared database handle.
func NewClipStore(db *gorm.DB, clock func() time.Time, ids interface{ NewID() (string, error) }) *ClipStore {
	if clock == nil {
		clock = time.Now
	}
	return &ClipStore{db: db, clock: clock, ids: ids}
}

// Save records one snippet of conversation.
func (s *ClipStore) Save(ctx context.Context, sessionID, userID, content string) error {
	if strings.TrimSpace(content) == "" {
		return errMissingClipContent
	}
	clipID, err := s.ids.NewID()
	if err != nil {
		return err
	}
	clip := Clip{
		ClipID:           clipID,
		SessionID:        sessionID,
		UserID:           userID,
		Content:          content,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	return s.db.WithContext(ctx).Create(&clip).Error
}

// SearchRelevant returns up to limit stored clips for the session ranked by
// keyword overlap with the query, most relevant first. Clips that share no
// keyword with the query are omitted.
func (s *ClipStore) SearchRelevant(ctx context.Context, sessionID, query string, limit int) ([]Clip, error) {
	if limit <= 0 {
		limit = defaultClipResults
	}
	queryTerms := keywordSet(query)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	var recent []Clip
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at_s DESC").
		Limit(clipScanWindow).
		Find(&recent).Error
	if err != nil {
		return nil, err
	}

	type scored struct {
		clip  Clip
		score int
	}
	matches := make([]scored, 0, len(recent))
	for _, clip := range recent {
		score := 0
		for term := range keywordSet(clip.Content) {
			if _, ok := queryTerms[term]; ok {
				score++
			}
		}
		if score > 0 {
			matches = append(matches, scored{clip: clip, score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	result := make([]Clip, len(matches))
	for i, match := range matches {
		result[i] = match.clip
	}
	return result, nil
}

// keywordSet lowercases and tokenizes text, dropping short stop-ish words
// that would match everything.
func keywordSet(text string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(word) < 3 {
			continue
		}
		terms[word] = struct{}{}
	}
	return terms
}
