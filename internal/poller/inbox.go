package poller

import (
	"context"
	"fmt"

	"github.com/kalambet/halowatch/internal/event"
	"github.com/kalambet/halowatch/internal/halo"
	"github.com/kalambet/halowatch/internal/snapshot"
)

// Inbox polls each tracked (user, forum) pair and emits unread new posts.
type Inbox struct {
	runner[halo.InboxPost]
	deps Deps
}

func NewInbox(store *snapshot.Store[halo.InboxPost], deps Deps) *Inbox {
	return &Inbox{runner: newRunner("inbox", store, deps), deps: deps}
}

func (p *Inbox) Name() string { return p.name }

func (p *Inbox) Sweep(ctx context.Context) (Result, error) {
	forums, err := p.deps.Directory.InboxForums(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("listing inbox forums: %w", err)
	}

	steps := make([]step[halo.InboxPost], 0, len(forums))
	for _, f := range forums {
		steps = append(steps, step[halo.InboxPost]{
			key:   snapshot.Key{Entity: f.UserID, Sub: f.ForumID},
			users: []string{f.UserID},
			fetch: func(ctx context.Context, cred halo.Credential) ([]halo.InboxPost, error) {
				return p.deps.Upstream.InboxPosts(ctx, cred, f.ForumID)
			},
			notify: func(post halo.InboxPost) bool { return !post.IsRead },
			event: func(_ context.Context, userID string, _ halo.Credential, post halo.InboxPost) (event.Event, error) {
				e := event.New(event.TypeInbox, post)
				e.UserID = userID
				e.Recipients = []string{userID}
				e.Summary = summarize(post.Title, post.Content)
				return e, nil
			},
		})
	}
	return p.sweep(ctx, steps), nil
}

// ForgetUser drops every inbox snapshot of userID.
func (p *Inbox) ForgetUser(ctx context.Context, userID string) error {
	return p.forget(ctx, func(k snapshot.Key) bool { return k.Entity == userID })
}
