package poller

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/kalambet/halowatch/internal/event"
	"github.com/kalambet/halowatch/internal/halo"
	"github.com/kalambet/halowatch/internal/snapshot"
)

const excerptLength = 280

// Announcements polls each active class's announcement board. A class is
// fetched with the credential of its earliest-joined member who has one.
type Announcements struct {
	runner[halo.Announcement]
	deps Deps
}

func NewAnnouncements(store *snapshot.Store[halo.Announcement], deps Deps) *Announcements {
	return &Announcements{runner: newRunner("announcements", store, deps), deps: deps}
}

func (p *Announcements) Name() string { return p.name }

func (p *Announcements) Sweep(ctx context.Context) (Result, error) {
	classes, err := p.deps.Directory.ActiveClasses(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("listing active classes: %w", err)
	}

	steps := make([]step[halo.Announcement], 0, len(classes))
	for _, c := range classes {
		users := make([]string, len(c.Members))
		for i, m := range c.Members {
			users[i] = m.UserID
		}
		steps = append(steps, step[halo.Announcement]{
			key:   snapshot.Key{Entity: c.ID},
			users: users,
			fetch: func(ctx context.Context, cred halo.Credential) ([]halo.Announcement, error) {
				return p.deps.Upstream.ClassAnnouncements(ctx, cred, c.ID)
			},
			event: func(_ context.Context, _ string, _ halo.Credential, a halo.Announcement) (event.Event, error) {
				e := event.New(event.TypeAnnouncement, a)
				e.ClassID = c.ID
				e.CourseCode = c.CourseCode
				e.Recipients = slices.Clone(users)
				e.Summary = summarize(a.Title, a.Content)
				return e, nil
			},
		})
	}
	return p.sweep(ctx, steps), nil
}

func summarize(title, content string) string {
	text := event.Excerpt(content, excerptLength)
	title = strings.TrimSpace(title)
	switch {
	case title == "":
		return text
	case text == "":
		return title
	}
	return title + ": " + text
}
