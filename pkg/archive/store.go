package archive

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/docassist/pkg/conversation"
)

var (
	ErrNotFound  = errors.New("conversation not found in archive")
	ErrInvalidID = errors.New("invalid conversation id")
)

// Store persists whole conversations keyed by id.
type Store interface {
	// Save writes the conversation, replacing any previous version, and stamps its save time.
	Save(ctx context.Context, c *conversation.Conversation) error
	Load(ctx context.Context, id string) (*conversation.Conversation, error)
	// List returns every readable conversation, most recently saved first.
	List(ctx context.Context) (*Listing, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Entry summarizes an archived conversation.
type Entry struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Model   string    `json:"model"`
	SavedAt time.Time `json:"saved_at"`
	Turns   int       `json:"turns"`
}

// Problem is an archived record that could not be read.
type Problem struct {
	Source string
	Err    error
}

func (p Problem) String() string {
	return fmt.Sprintf("%s: %v", p.Source, p.Err)
}

type Listing struct {
	Entries  []Entry
	Problems []Problem
}

// Find returns the entry with the given id.
func (l *Listing) Find(id string) (Entry, bool) {
	for _, e := range l.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// normalize keeps the newest entry per id and orders entries by save time,
// newest first, with entries lacking a save time last.
func normalize(entries []Entry) []Entry {
	byID := map[string]Entry{}
	for _, e := range entries {
		if prev, ok := byID[e.ID]; ok && !prev.SavedAt.Before(e.SavedAt) {
			continue
		}
		byID[e.ID] = e
	}

	ret := make([]Entry, 0, len(byID))
	for _, e := range byID {
		ret = append(ret, e)
	}
	sort.SliceStable(ret, func(i, j int) bool {
		a, b := ret[i], ret[j]
		if a.SavedAt.IsZero() != b.SavedAt.IsZero() {
			return !a.SavedAt.IsZero()
		}
		if !a.SavedAt.Equal(b.SavedAt) {
			return a.SavedAt.After(b.SavedAt)
		}
		return a.ID < b.ID
	})
	return ret
}

func checkID(id string) error {
	if !validID(id) {
		return errors.Wrapf(ErrInvalidID, "%q", id)
	}
	return nil
}
