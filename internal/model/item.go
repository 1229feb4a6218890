package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidID is returned when an item id is malformed or no longer
// resolves on the event source.
var ErrInvalidID = errors.New("invalid item id")

// Kind distinguishes the two reportable item types.
type Kind string

const (
	KindSubmission Kind = "submission"
	KindComment    Kind = "comment"
)

func (k Kind) Valid() bool { return k == KindSubmission || k == KindComment }

// FlaggedItem is one reported item as seen by a single poll.
// It is produced fresh each poll and never mutated afterwards.
type FlaggedItem struct {
	ID           string
	Kind         Kind
	Container    string
	Author       string
	Permalink    string
	LinkURL      string
	MediaURL     string
	ThumbnailURL string
	Title        string
	Snippet      string
	NumReports   int
	CreatedAt    time.Time
	NumComments  *int

	Locked         bool
	ReportsIgnored bool
	Removed        bool
	Approved       bool

	UserReports []string
	ModReports  []string
}

// State returns the refreshable subset of the item.
func (it FlaggedItem) State() ItemState {
	return ItemState{
		Locked:         it.Locked,
		ReportsIgnored: it.ReportsIgnored,
		Removed:        it.Removed,
		Approved:       it.Approved,
		NumReports:     it.NumReports,
		NumComments:    it.NumComments,
	}
}

// ItemState is the whitelisted set of fields the drift refresh may change.
type ItemState struct {
	Locked         bool
	ReportsIgnored bool
	Removed        bool
	Approved       bool
	NumReports     int
	NumComments    *int
}

const (
	prefixComment    = "t1_"
	prefixSubmission = "t3_"
)

// KindOf validates an item id (t1_/t3_ prefix followed by base36) and
// returns its kind.
func KindOf(id string) (Kind, error) {
	id = strings.TrimSpace(id)
	var kind Kind
	var rest string
	switch {
	case strings.HasPrefix(id, prefixComment):
		kind, rest = KindComment, id[len(prefixComment):]
	case strings.HasPrefix(id, prefixSubmission):
		kind, rest = KindSubmission, id[len(prefixSubmission):]
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if rest == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	for _, r := range rest {
		if !isBase36(r) {
			return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
		}
	}
	return kind, nil
}

func isBase36(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// IntPtr is a small helper for optional counts.
func IntPtr(v int) *int { return &v }

func equalIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
