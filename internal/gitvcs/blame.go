package gitvcs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"tigdiff/internal/async"
	"tigdiff/internal/buffer"
	"tigdiff/internal/diff"
	"tigdiff/internal/vcs"
)

// notCommitted is the author git reports for lines that exist only in the
// working copy.
const notCommitted = "Not Committed Yet"

// BlameBuffer blames the buffer's current text, so unsaved edits show up as
// uncommitted lines. Lines carried over from HEAD take the blame of their
// HEAD counterpart.
func (b *Backend) BlameBuffer(ctx context.Context, buf *buffer.Buffer) *async.Task[[]vcs.BlameLine] {
	loc, err := b.locate(buf)
	if err != nil {
		return async.Ready[[]vcs.BlameLine](nil, err)
	}
	text := buf.Text()
	return async.Go(func() ([]vcs.BlameLine, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lines, err := blameText(loc.repo, loc.rel, text)
		if err != nil {
			return nil, fmt.Errorf("blaming %s: %w", loc.rel, err)
		}
		return lines, nil
	})
}

func blameText(repo *git.Repository, rel string, text []byte) ([]vcs.BlameLine, error) {
	var (
		committed []*git.Line
		headText  []byte
	)
	c, ok, err := headCommit(repo)
	if err != nil {
		return nil, err
	}
	if ok {
		f, found, err := headFile(repo, rel)
		if err != nil {
			return nil, err
		}
		if found {
			contents, err := f.Contents()
			if err != nil {
				return nil, err
			}
			result, err := git.Blame(c, rel)
			if err != nil {
				return nil, err
			}
			headText, committed = []byte(contents), result.Lines
		}
	}

	summaries := make(map[plumbing.Hash]string)
	summary := func(h plumbing.Hash) string {
		if s, ok := summaries[h]; ok {
			return s
		}
		var s string
		if commit, err := repo.CommitObject(h); err == nil {
			s, _, _ = strings.Cut(commit.Message, "\n")
		}
		summaries[h] = s
		return s
	}

	matches := diff.MatchLines(headText, text)
	out := make([]vcs.BlameLine, len(matches))
	for i, m := range matches {
		out[i] = vcs.BlameLine{Line: i + 1, Revision: plumbing.ZeroHash.String(), Author: notCommitted}
		if m == 0 || m > len(committed) {
			continue
		}
		l := committed[m-1]
		out[i].Revision = l.Hash.String()
		out[i].Author = l.AuthorName
		out[i].Summary = summary(l.Hash)
		out[i].Timestamp = l.Date.In(time.UTC)
	}
	return out, nil
}
