// Package halo is a client for the Halo learning platform's GraphQL gateway
// and session endpoints.
package halo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultAttempts   = 3
	defaultRetryDelay = 500 * time.Millisecond
	maxErrorBody      = 512
)

// Endpoints are the upstream URLs the client talks to.
type Endpoints struct {
	Gateway  string
	Refresh  string
	Validate string
}

// DefaultEndpoints returns the production Halo endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Gateway:  "https://gateway.halo.gcu.edu",
		Refresh:  "https://halo.gcu.edu/api/refresh-token",
		Validate: "https://halo.gcu.edu/api/token-validate/",
	}
}

// Client calls the Halo API on behalf of a credential supplied per call.
// It holds no per-user state and is safe for concurrent use.
type Client struct {
	endpoints  Endpoints
	httpClient *http.Client
	clock      clock.Clock
	attempts   int
	retryDelay time.Duration
	logger     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock sets the clock used for rate-limit backoff.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithRetry sets how many times a rate-limited request is attempted and the
// initial delay, which doubles after each attempt.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if delay > 0 {
			c.retryDelay = delay
		}
	}
}

func NewClient(endpoints Endpoints, opts ...Option) *Client {
	c := &Client{
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: defaultTimeout},
		clock:      clock.WallClock,
		attempts:   defaultAttempts,
		retryDelay: defaultRetryDelay,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.endpoints.Gateway = strings.TrimRight(c.endpoints.Gateway, "/")
	return c
}

// ClassAnnouncements returns the published announcements of a class.
func (c *Client) ClassAnnouncements(ctx context.Context, cred Credential, classID string) ([]Announcement, error) {
	var data struct {
		Announcements struct {
			Posts []Announcement `json:"posts"`
		} `json:"announcements"`
	}
	vars := map[string]any{"courseClassId": classID}
	if err := c.graphql(ctx, cred, "GetAnnouncementsStudent", queryAnnouncements, vars, &data); err != nil {
		return nil, err
	}

	posts := make([]Announcement, 0, len(data.Announcements.Posts))
	for _, p := range data.Announcements.Posts {
		if p.PostStatus != Published {
			continue
		}
		p.CourseClassID = classID
		posts = append(posts, p)
	}
	return posts, nil
}

// ClassGrades returns the released grades of the credential's owner in the
// class identified by slugID.
func (c *Client) ClassGrades(ctx context.Context, cred Credential, slugID string) ([]Grade, error) {
	var data struct {
		GradeOverview []struct {
			Grades []Grade `json:"grades"`
		} `json:"gradeOverview"`
	}
	vars := map[string]any{"courseClassSlugId": slugID, "courseClassUserIds": ""}
	if err := c.graphql(ctx, cred, "GradeOverview", queryGradeOverview, vars, &data); err != nil {
		return nil, err
	}
	if len(data.GradeOverview) == 0 {
		return []Grade{}, nil
	}

	grades := make([]Grade, 0, len(data.GradeOverview[0].Grades))
	for _, g := range data.GradeOverview[0].Grades {
		if g.Status == Published {
			grades = append(grades, g)
		}
	}
	return grades, nil
}

// GradeFeedback returns the full grading detail for one assessment.
func (c *Client) GradeFeedback(ctx context.Context, cred Credential, assessmentID, haloUserID string) (GradeFeedback, error) {
	var data struct {
		Feedback GradeFeedback `json:"assessmentFeedback"`
	}
	vars := map[string]any{"assessmentId": assessmentID, "userId": haloUserID}
	if err := c.graphql(ctx, cred, "AssessmentFeedback", queryAssessmentFeedback, vars, &data); err != nil {
		return GradeFeedback{}, err
	}
	return data.Feedback, nil
}

// UserOverview returns the profile and enrolled classes of a user.
func (c *Client) UserOverview(ctx context.Context, cred Credential, haloUserID string) (UserOverview, error) {
	var data struct {
		UserInfo Person `json:"userInfo"`
		Classes  struct {
			CourseClasses []CourseClass `json:"courseClasses"`
		} `json:"classes"`
	}
	vars := map[string]any{"userId": haloUserID, "skipClasses": false}
	if err := c.graphql(ctx, cred, "HeaderFields", queryUserOverview, vars, &data); err != nil {
		return UserOverview{}, err
	}
	return UserOverview{User: data.UserInfo, Classes: data.Classes.CourseClasses}, nil
}

// InboxForums returns the inbox forums visible to the credential's owner.
func (c *Client) InboxForums(ctx context.Context, cred Credential) ([]InboxForum, error) {
	var data struct {
		Forums []InboxForum `json:"inboxForums"`
	}
	if err := c.graphql(ctx, cred, "GetInboxForums", queryInboxForums, map[string]any{}, &data); err != nil {
		return nil, err
	}
	return data.Forums, nil
}

// InboxPosts returns every post in an inbox forum.
func (c *Client) InboxPosts(ctx context.Context, cred Credential, forumID string) ([]InboxPost, error) {
	var data struct {
		Posts []InboxPost `json:"inboxPosts"`
	}
	vars := map[string]any{"forumId": forumID}
	if err := c.graphql(ctx, cred, "GetInboxPosts", queryInboxPosts, vars, &data); err != nil {
		return nil, err
	}
	if data.Posts == nil {
		return []InboxPost{}, nil
	}
	return data.Posts, nil
}

// UserID resolves the upstream account id that owns cred.
func (c *Client) UserID(ctx context.Context, cred Credential) (string, error) {
	body := map[string]string{"userToken": cred.Auth, "contextToken": cred.Context}
	var resp struct {
		Payload struct {
			UserID string `json:"userid"`
		} `json:"payload"`
	}
	if err := c.postJSON(ctx, "token-validate", c.endpoints.Validate, cred, body, &resp); err != nil {
		return "", err
	}
	if resp.Payload.UserID == "" {
		return "", fmt.Errorf("token-validate: response missing user id")
	}
	return resp.Payload.UserID, nil
}

// Refresh exchanges cred for a new token pair.
func (c *Client) Refresh(ctx context.Context, cred Credential) (Credential, error) {
	var resp map[string]string
	if err := c.postJSON(ctx, "refresh-token", c.endpoints.Refresh, cred, nil, &resp); err != nil {
		return Credential{}, err
	}
	next := Credential{Auth: resp[AuthCookie], Context: resp[ContextCookie]}
	if !next.Valid() {
		return Credential{}, fmt.Errorf("refresh-token: response missing token pair")
	}
	return next, nil
}

type graphqlRequest struct {
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
	Query         string         `json:"query"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) graphql(ctx context.Context, cred Credential, op, query string, vars map[string]any, out any) error {
	body := graphqlRequest{OperationName: op, Variables: vars, Query: query}

	var resp graphqlResponse
	if err := c.postJSON(ctx, op, c.endpoints.Gateway, cred, body, &resp); err != nil {
		return err
	}

	if len(resp.Errors) > 0 {
		msg := resp.Errors[0].Message
		if strings.Contains(msg, "401") {
			return &SessionError{Op: op, Message: msg}
		}
		return fmt.Errorf("halo %s: %s", op, msg)
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return fmt.Errorf("halo %s: empty data", op)
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("halo %s: decoding data: %w", op, err)
	}
	return nil
}

// postJSON sends body to endpoint with cred attached and decodes the JSON
// response into out. Rate-limited requests are retried with doubling delay.
func (c *Client) postJSON(ctx context.Context, op, endpoint string, cred Credential, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("halo %s: marshaling request: %w", op, err)
		}
	}

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return c.doPost(ctx, op, endpoint, cred, payload, out)
		},
		IsFatalError: func(err error) bool {
			return !isRateLimit(err)
		},
		NotifyFunc: func(err error, attempt int) {
			c.logger.Debug("halo request retrying", "op", op, "attempt", attempt, "error", err)
		},
		Attempts:    c.attempts,
		Delay:       c.retryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       c.clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if retry.IsAttemptsExceeded(err) {
		return fmt.Errorf("halo %s: rate limited after %d attempts: %w", op, c.attempts, retry.LastError(err))
	}
	return err
}

func (c *Client) doPost(ctx context.Context, op, endpoint string, cred Credential, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return fmt.Errorf("halo %s: creating request: %w", op, err)
	}
	setHeaders(req, cred)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("halo %s: executing request: %w", op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &rateLimitError{status: resp.StatusCode}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &SessionError{Op: op, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("halo %s: unexpected status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("halo %s: decoding response: %w", op, err)
	}
	return nil
}

func setHeaders(req *http.Request, cred Credential) {
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.Auth)
	req.Header.Set("Contexttoken", "Bearer "+cred.Context)
	req.Header.Set("Cookie", cookieHeader(cred))
}

func cookieHeader(cred Credential) string {
	return AuthCookie + "=" + url.QueryEscape(cred.Auth) + "; " + ContextCookie + "=" + url.QueryEscape(cred.Context)
}
