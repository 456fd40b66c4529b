package gitvcs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-git/go-git/v5"

	"tigdiff/internal/async"
	"tigdiff/internal/buffer"
	tigerrors "tigdiff/internal/errors"
)

// PermalinkToLine links to lines first..last of the buffer's file at HEAD
// on the origin remote's web host.
func (b *Backend) PermalinkToLine(ctx context.Context, buf *buffer.Buffer, first, last int) *async.Task[string] {
	if first < 1 || last < first {
		return async.Ready("", tigerrors.ValidationError(fmt.Sprintf("invalid line range %d-%d", first, last)))
	}
	loc, err := b.locate(buf)
	if err != nil {
		return async.Ready("", err)
	}

	return async.Go(func() (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		remote, err := loc.repo.Remote("origin")
		if err != nil {
			if errors.Is(err, git.ErrRemoteNotFound) {
				return "", tigerrors.ValidationError("repository has no origin remote")
			}
			return "", fmt.Errorf("reading origin remote: %w", err)
		}
		var remoteURL string
		if urls := remote.Config().URLs; len(urls) > 0 {
			remoteURL = urls[0]
		}
		base, err := normalizeRemote(remoteURL)
		if err != nil {
			return "", err
		}
		head, err := loc.repo.Head()
		if err != nil {
			return "", fmt.Errorf("resolving HEAD: %w", err)
		}
		return permalink(base, head.Hash().String(), loc.rel, first, last), nil
	})
}

func permalink(base, commit, rel string, first, last int) string {
	segments := strings.Split(rel, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	link := fmt.Sprintf("%s/blob/%s/%s#L%d", base, commit, strings.Join(segments, "/"), first)
	if last > first {
		link += fmt.Sprintf("-L%d", last)
	}
	return link
}

// normalizeRemote turns a clone URL, in scp form (git@host:owner/repo.git)
// or as an ssh, git or http(s) URL, into the https URL of the repository's
// web page.
func normalizeRemote(remote string) (string, error) {
	if remote == "" {
		return "", tigerrors.ValidationError("origin remote has no URL")
	}

	var host, path string
	if !strings.Contains(remote, "://") {
		userHost, p, ok := strings.Cut(remote, ":")
		if !ok || strings.Contains(userHost, "/") {
			return "", tigerrors.ValidationError(fmt.Sprintf("unsupported remote %q", remote))
		}
		if _, h, found := strings.Cut(userHost, "@"); found {
			userHost = h
		}
		host, path = userHost, p
	} else {
		u, err := url.Parse(remote)
		if err != nil {
			return "", tigerrors.ValidationError(fmt.Sprintf("unsupported remote %q: %v", remote, err))
		}
		switch u.Scheme {
		case "https", "http", "ssh", "git", "git+ssh":
		default:
			return "", tigerrors.ValidationError(fmt.Sprintf("unsupported remote scheme %q", u.Scheme))
		}
		host, path = u.Hostname(), u.Path
	}

	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	if host == "" || path == "" {
		return "", tigerrors.ValidationError(fmt.Sprintf("unsupported remote %q", remote))
	}
	return "https://" + host + "/" + path, nil
}
