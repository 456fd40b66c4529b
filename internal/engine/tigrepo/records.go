package tigrepo

import (
	"time"

	"tigdiff/internal/engine"
)

// Revision is one immutable-by-convention node of the revision graph. Only
// the working-copy revision has its tree replaced, and any revision may have
// its description rewritten.
type Revision struct {
	ID          string            `json:"id"`
	ChangeID    string            `json:"change_id"`
	Parents     []string          `json:"parents,omitempty"`
	Tree        map[string]string `json:"tree,omitempty"` // path -> blob hash
	Author      string            `json:"author"`
	Description string            `json:"description"`
	Timestamp   time.Time         `json:"timestamp"`
}

func (r Revision) GetID() string { return r.ID }

func (r Revision) summary() engine.RevisionSummary {
	return engine.RevisionSummary{
		RevisionID:  engine.RevisionID(r.ID),
		ChangeID:    engine.ChangeID(r.ChangeID),
		Author:      r.Author,
		Description: r.Description,
		Timestamp:   r.Timestamp,
	}
}

func (r Revision) sameTree(other Revision) bool {
	if len(r.Tree) != len(other.Tree) {
		return false
	}
	for path, hash := range r.Tree {
		if other.Tree[path] != hash {
			return false
		}
	}
	return true
}

const viewID = "head"

// View is the mutable pointer set of the repository.
type View struct {
	ID          string   `json:"id"`
	WorkingCopy string   `json:"working_copy"`
	Heads       []string `json:"heads"`
}

func (v View) GetID() string { return v.ID }

func (v *View) replaceHead(old, repl string) {
	out := v.Heads[:0]
	for _, h := range v.Heads {
		if h != old {
			out = append(out, h)
		}
	}
	if repl != "" {
		out = append(out, repl)
	}
	v.Heads = out
}

// Operation records one mutation of the repository.
type Operation struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	WorkingCopy string    `json:"working_copy"`
	Timestamp   time.Time `json:"timestamp"`
}

func (o Operation) GetID() string { return o.ID }
