// Package roster keeps the tracked-entity directory in line with each
// linked user's enrollments and inbox forums.
package roster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/halowatch/internal/halo"
	"github.com/kalambet/halowatch/internal/storage"
)

const defaultConcurrency = 2

type Credentials interface {
	Credential(userID string) (halo.Credential, bool)
	Invalidate(userID string)
}

// Users lists linked users and caches their upstream ids.
type Users interface {
	ListCredentials(ctx context.Context) ([]storage.Credential, error)
	SetHaloUserID(ctx context.Context, userID, haloUserID string) error
}

type Directory interface {
	UpsertClass(ctx context.Context, c storage.Class) error
	UpsertMember(ctx context.Context, m storage.ClassMember) error
	AddInboxForum(ctx context.Context, userID, forumID string) error
}

type Upstream interface {
	UserID(ctx context.Context, cred halo.Credential) (string, error)
	UserOverview(ctx context.Context, cred halo.Credential, haloUserID string) (halo.UserOverview, error)
	InboxForums(ctx context.Context, cred halo.Credential) ([]halo.InboxForum, error)
}

// Result summarizes one sync.
type Result struct {
	Users   int
	Skipped int
	Failed  int
	Classes int
	Forums  int
}

type Syncer struct {
	creds       Credentials
	users       Users
	directory   Directory
	upstream    Upstream
	concurrency int
	logger      *slog.Logger
}

func NewSyncer(creds Credentials, users Users, directory Directory, upstream Upstream) *Syncer {
	return &Syncer{
		creds:       creds,
		users:       users,
		directory:   directory,
		upstream:    upstream,
		concurrency: defaultConcurrency,
		logger:      slog.Default().With("job", "roster"),
	}
}

var errNoCredential = errors.New("no usable credential")

// Sync refreshes the directory for every linked user. One user's failure
// does not stop the others.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	creds, err := s.users.ListCredentials(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("listing users: %w", err)
	}

	var (
		skipped, failed, classes, forums atomic.Int64
		g                                errgroup.Group
	)
	g.SetLimit(s.concurrency)
	for _, c := range creds {
		g.Go(func() error {
			nc, nf, err := s.syncUser(ctx, c)
			classes.Add(int64(nc))
			forums.Add(int64(nf))
			switch {
			case errors.Is(err, errNoCredential):
				skipped.Add(1)
			case err != nil:
				failed.Add(1)
				s.logger.Warn("roster sync failed", "user_id", c.UserID, "error", err)
			}
			return nil
		})
	}
	g.Wait()

	res := Result{
		Users:   len(creds),
		Skipped: int(skipped.Load()),
		Failed:  int(failed.Load()),
		Classes: int(classes.Load()),
		Forums:  int(forums.Load()),
	}
	s.logger.Info("roster sync finished", "users", res.Users, "skipped", res.Skipped,
		"failed", res.Failed, "classes", res.Classes, "forums", res.Forums)
	return res, nil
}

// SyncUser refreshes the directory for one user.
func (s *Syncer) SyncUser(ctx context.Context, userID string) error {
	_, _, err := s.syncUser(ctx, storage.Credential{UserID: userID})
	return err
}

func (s *Syncer) syncUser(ctx context.Context, stored storage.Credential) (classes, forums int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if errors.Is(err, halo.ErrSessionInvalid) {
			s.creds.Invalidate(stored.UserID)
		}
	}()

	userID := stored.UserID
	cred, ok := s.creds.Credential(userID)
	if !ok {
		return 0, 0, errNoCredential
	}

	haloID := stored.HaloUserID
	if haloID == "" {
		if haloID, err = s.upstream.UserID(ctx, cred); err != nil {
			return 0, 0, fmt.Errorf("resolving halo user id: %w", err)
		}
		if err := s.users.SetHaloUserID(ctx, userID, haloID); err != nil {
			s.logger.Warn("caching halo user id", "user_id", userID, "error", err)
		}
	}

	overview, err := s.upstream.UserOverview(ctx, cred, haloID)
	if err != nil {
		return 0, 0, fmt.Errorf("fetching user overview: %w", err)
	}
	for _, c := range overview.Classes {
		if err := s.directory.UpsertClass(ctx, storage.Class{
			ID:         c.ID,
			SlugID:     c.SlugID,
			ClassCode:  c.ClassCode,
			CourseCode: c.CourseCode,
			Name:       c.Name,
			Stage:      c.Stage,
		}); err != nil {
			return classes, 0, err
		}
		status := storage.MemberActive
		if student, ok := c.Student(haloID); ok && student.Status != "" {
			status = student.Status
		}
		if err := s.directory.UpsertMember(ctx, storage.ClassMember{
			ClassID:            c.ID,
			UserID:             userID,
			Status:             status,
			GradeNotifications: true,
		}); err != nil {
			return classes, 0, err
		}
		classes++
	}

	inbox, err := s.upstream.InboxForums(ctx, cred)
	if err != nil {
		return classes, 0, fmt.Errorf("fetching inbox forums: %w", err)
	}
	for _, f := range inbox {
		if err := s.directory.AddInboxForum(ctx, userID, f.ID); err != nil {
			return classes, forums, err
		}
		forums++
	}
	return classes, forums, nil
}
