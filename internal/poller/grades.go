package poller

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/kalambet/halowatch/internal/event"
	"github.com/kalambet/halowatch/internal/halo"
	"github.com/kalambet/halowatch/internal/snapshot"
)

// Identities caches the upstream account id of each user.
type Identities interface {
	HaloUserID(ctx context.Context, userID string) (string, error)
	SetHaloUserID(ctx context.Context, userID, haloUserID string) error
}

// UserResolver looks up the upstream account id behind a credential.
type UserResolver interface {
	UserID(ctx context.Context, cred halo.Credential) (string, error)
}

// GradeNotice is the item carried by grade events.
type GradeNotice struct {
	Grade    halo.Grade          `json:"grade"`
	Feedback *halo.GradeFeedback `json:"feedback,omitempty"`
}

// Grades polls each (class, member) pair whose member opted into grade
// notifications, and emits released grades the member has not viewed yet.
type Grades struct {
	runner[halo.Grade]
	deps       Deps
	identities Identities
	resolver   UserResolver
}

func NewGrades(store *snapshot.Store[halo.Grade], deps Deps, identities Identities, resolver UserResolver) *Grades {
	return &Grades{
		runner:     newRunner("grades", store, deps),
		deps:       deps,
		identities: identities,
		resolver:   resolver,
	}
}

func (p *Grades) Name() string { return p.name }

func (p *Grades) Sweep(ctx context.Context) (Result, error) {
	classes, err := p.deps.Directory.ActiveClasses(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("listing active classes: %w", err)
	}

	var steps []step[halo.Grade]
	for _, c := range classes {
		slug := c.SlugID
		if slug == "" {
			p.logger.Debug("class has no slug, grades not polled", "class_id", c.ID)
			continue
		}
		for _, m := range c.Members {
			if !m.GradeNotifications {
				continue
			}
			steps = append(steps, step[halo.Grade]{
				key:   snapshot.Key{Entity: c.ID, Sub: m.UserID},
				users: []string{m.UserID},
				fetch: func(ctx context.Context, cred halo.Credential) ([]halo.Grade, error) {
					return p.deps.Upstream.ClassGrades(ctx, cred, slug)
				},
				notify: func(g halo.Grade) bool { return !g.Seen() },
				event: func(ctx context.Context, userID string, cred halo.Credential, g halo.Grade) (event.Event, error) {
					notice, err := p.enrich(ctx, userID, cred, g)
					if err != nil {
						return event.Event{}, err
					}
					e := event.New(event.TypeGrade, notice)
					e.UserID = userID
					e.ClassID = c.ID
					e.CourseCode = c.CourseCode
					e.Recipients = []string{userID}
					e.Summary = gradeSummary(notice)
					return e, nil
				},
			})
		}
	}
	return p.sweep(ctx, steps), nil
}

// ForgetUser drops every grade snapshot of userID.
func (p *Grades) ForgetUser(ctx context.Context, userID string) error {
	return p.forget(ctx, func(k snapshot.Key) bool { return k.Sub == userID })
}

// enrich attaches the assessment feedback to g. Only a rejected session is
// an error; any other lookup failure yields a notice without feedback.
func (p *Grades) enrich(ctx context.Context, userID string, cred halo.Credential, g halo.Grade) (GradeNotice, error) {
	notice := GradeNotice{Grade: g}
	if g.Assessment.ID == "" {
		return notice, nil
	}

	haloUserID, err := p.haloUserID(ctx, userID, cred)
	if err == nil {
		var fb halo.GradeFeedback
		if fb, err = p.deps.Upstream.GradeFeedback(ctx, cred, g.Assessment.ID, haloUserID); err == nil {
			notice.Feedback = &fb
			return notice, nil
		}
	}
	if errors.Is(err, halo.ErrSessionInvalid) {
		return GradeNotice{}, err
	}
	p.logger.Warn("grade feedback unavailable", "user_id", userID, "grade_id", g.ID, "error", err)
	return notice, nil
}

func (p *Grades) haloUserID(ctx context.Context, userID string, cred halo.Credential) (string, error) {
	if id, err := p.identities.HaloUserID(ctx, userID); err == nil && id != "" {
		return id, nil
	}
	id, err := p.resolver.UserID(ctx, cred)
	if err != nil {
		return "", fmt.Errorf("resolving halo user id: %w", err)
	}
	if err := p.identities.SetHaloUserID(ctx, userID, id); err != nil {
		p.logger.Warn("caching halo user id", "user_id", userID, "error", err)
	}
	return id, nil
}

func gradeSummary(n GradeNotice) string {
	title := "New grade"
	points := n.Grade.FinalPoints
	var possible *float64
	var comment string
	if n.Grade.FinalComment != nil {
		comment = n.Grade.FinalComment.Comment
	}
	if fb := n.Feedback; fb != nil {
		if fb.Assessment.Title != "" {
			title = fb.Assessment.Title
		}
		if fb.FinalPoints != nil {
			points = fb.FinalPoints
		}
		possible = fb.Assessment.Points
		if fb.FinalComment != nil {
			comment = fb.FinalComment.Comment
		}
	}
	if points != nil {
		title += ": " + formatPoints(*points)
		if possible != nil {
			title += "/" + formatPoints(*possible)
		}
	}
	return summarize(title, comment)
}

func formatPoints(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
