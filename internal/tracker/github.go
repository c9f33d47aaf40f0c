package tracker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/remedyd/internal/alert"
	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/retry"
)

// keyMarker is the machine-readable dedupe marker embedded in issue
// bodies. Reuse across restarts depends on this exact format.
const keyMarker = "<!-- remedyd-key: %s -->"

// issuesAPI is the slice of the GitHub API the tracker uses.
// Implemented by *github.Client; faked in tests.
type issuesAPI interface {
	CreateIssue(ctx context.Context, owner, repo string, req *github.IssueRequest) (*github.Issue, error)
	EditIssue(ctx context.Context, owner, repo string, number int, req *github.IssueRequest) (*github.Issue, error)
	GetIssue(ctx context.Context, owner, repo string, number int) (*github.Issue, error)
	CreateComment(ctx context.Context, owner, repo string, number int, body string) error
	SearchIssues(ctx context.Context, query string) ([]*github.Issue, error)
}

// GitHubTracker backs tracking records with GitHub issues: the issue
// number is the record id, the issue body carries the dedupe marker,
// and resolution closes the issue.
type GitHubTracker struct {
	api    issuesAPI
	owner  string
	repo   string
	logger *zap.Logger
	rc     *retry.Controller

	// byKey caches dedupe key → issue number so concurrent ensures in
	// one process hit the API once.
	mu    sync.Mutex
	byKey map[string]int64
}

// NewGitHubTracker creates a tracker against owner/repo using a token.
func NewGitHubTracker(ctx context.Context, repository string, token config.Secret, policy retry.Policy, logger *zap.Logger) (*GitHubTracker, error) {
	if !token.IsSet() {
		return nil, fmt.Errorf("github token not set")
	}
	owner, repo, ok := strings.Cut(repository, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("repository must be owner/repo, got %q", repository)
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	tc := oauth2.NewClient(ctx, ts)
	client := github.NewClient(tc)

	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitHubTracker{
		api:    &githubIssues{client: client},
		owner:  owner,
		repo:   repo,
		logger: logger,
		rc:     retry.New(policy),
		byKey:  make(map[string]int64),
	}, nil
}

// EnsureTrackingRecord finds or creates the issue for the alert's
// dedupe key. The process-local cache and the body-marker search
// together give idempotency; store outages surface as *SyncError after
// retries.
func (t *GitHubTracker) EnsureTrackingRecord(ctx context.Context, a alert.Alert) (*TrackingRecord, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.byKey[a.DedupeKey]; ok {
		rec, err := t.getLocked(ctx, id)
		return rec, false, err
	}

	marker := fmt.Sprintf(keyMarker, a.DedupeKey)
	query := fmt.Sprintf("repo:%s/%s is:issue is:open in:body %q", t.owner, t.repo, "remedyd-key: "+a.DedupeKey)

	existing, err := retry.Do(ctx, t.rc, func(ctx context.Context) ([]*github.Issue, error) {
		issues, err := t.api.SearchIssues(ctx, query)
		if err != nil {
			return nil, &SyncError{Op: "search issues", Err: err}
		}
		return issues, nil
	}, nil)
	if err != nil {
		return nil, false, err
	}
	for _, issue := range existing {
		if strings.Contains(issue.GetBody(), marker) {
			id := int64(issue.GetNumber())
			t.byKey[a.DedupeKey] = id
			return issueToRecord(issue, a), false, nil
		}
	}

	title := fmt.Sprintf("[%s] %s", a.Kind, a.Summary)
	body := issueBody(a, marker)
	issue, err := retry.Do(ctx, t.rc, func(ctx context.Context) (*github.Issue, error) {
		created, err := t.api.CreateIssue(ctx, t.owner, t.repo, &github.IssueRequest{
			Title:  github.String(title),
			Body:   github.String(body),
			Labels: &[]string{"remediation", string(a.Kind)},
		})
		if err != nil {
			return nil, &SyncError{Op: "create issue", Err: err}
		}
		return created, nil
	}, nil)
	if err != nil {
		return nil, false, err
	}

	id := int64(issue.GetNumber())
	t.byKey[a.DedupeKey] = id
	t.logger.Info("opened tracking issue",
		zap.Int64("record_id", id),
		zap.String("kind", string(a.Kind)),
		zap.String("scope", a.Scope.String()),
	)
	return issueToRecord(issue, a), true, nil
}

// RecordResolution comments the linked PR and closes the issue.
func (t *GitHubTracker) RecordResolution(ctx context.Context, id int64, linkedPR string) error {
	rec, err := t.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.State != StateOpen {
		t.logger.Warn("ignoring resolution for terminal record",
			zap.Int64("record_id", id),
			zap.String("state", string(rec.State)),
		)
		return nil
	}

	comment := fmt.Sprintf("Resolved by %s (%s)", linkedPR, FixesReference(id))
	_, err = retry.Do(ctx, t.rc, func(ctx context.Context) (struct{}, error) {
		if err := t.api.CreateComment(ctx, t.owner, t.repo, int(id), comment); err != nil {
			return struct{}{}, &SyncError{Op: "comment resolution", Err: err}
		}
		_, err := t.api.EditIssue(ctx, t.owner, t.repo, int(id), &github.IssueRequest{
			State:       github.String("closed"),
			StateReason: github.String("completed"),
		})
		if err != nil {
			return struct{}{}, &SyncError{Op: "close issue", Err: err}
		}
		return struct{}{}, nil
	}, nil)
	return err
}

// RecordEscalation posts diagnostics and labels the issue escalated.
// The issue stays open for a human.
func (t *GitHubTracker) RecordEscalation(ctx context.Context, id int64, diagnostics []string) error {
	rec, err := t.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.State != StateOpen {
		t.logger.Warn("ignoring escalation for terminal record",
			zap.Int64("record_id", id),
			zap.String("state", string(rec.State)),
		)
		return nil
	}

	var b strings.Builder
	b.WriteString("Automatic remediation exhausted its attempts. Diagnostics:\n\n")
	for _, d := range diagnostics {
		fmt.Fprintf(&b, "- %s\n", d)
	}

	_, err = retry.Do(ctx, t.rc, func(ctx context.Context) (struct{}, error) {
		if err := t.api.CreateComment(ctx, t.owner, t.repo, int(id), b.String()); err != nil {
			return struct{}{}, &SyncError{Op: "comment escalation", Err: err}
		}
		_, err := t.api.EditIssue(ctx, t.owner, t.repo, int(id), &github.IssueRequest{
			Labels: &[]string{"remediation", "escalated"},
		})
		if err != nil {
			return struct{}{}, &SyncError{Op: "label escalation", Err: err}
		}
		return struct{}{}, nil
	}, nil)
	return err
}

// Get fetches the issue and maps it to a record.
func (t *GitHubTracker) Get(ctx context.Context, id int64) (*TrackingRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getLocked(ctx, id)
}

func (t *GitHubTracker) getLocked(ctx context.Context, id int64) (*TrackingRecord, error) {
	issue, err := retry.Do(ctx, t.rc, func(ctx context.Context) (*github.Issue, error) {
		issue, err := t.api.GetIssue(ctx, t.owner, t.repo, int(id))
		if err != nil {
			if resp, ok := err.(*github.ErrorResponse); ok && resp.Response != nil && resp.Response.StatusCode == 404 {
				return nil, retry.Permanent(ErrNotFound)
			}
			return nil, &SyncError{Op: "get issue", Err: err}
		}
		return issue, nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return issueToRecord(issue, alert.Alert{}), nil
}

func issueToRecord(issue *github.Issue, a alert.Alert) *TrackingRecord {
	state := StateOpen
	if issue.GetState() == "closed" {
		state = StateResolved
	} else {
		for _, label := range issue.Labels {
			if label.GetName() == "escalated" {
				state = StateEscalated
			}
		}
	}
	return &TrackingRecord{
		ID:        int64(issue.GetNumber()),
		Alert:     a,
		State:     state,
		CreatedAt: issue.GetCreatedAt().Time,
	}
}

// issueBody renders the tracking issue: metadata table, log excerpt,
// and the dedupe marker.
func issueBody(a alert.Alert, marker string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", marker)
	b.WriteString("| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Kind | %s |\n", a.Kind)
	fmt.Fprintf(&b, "| Severity | %s |\n", a.Severity)
	fmt.Fprintf(&b, "| Scope | %s |\n", a.Scope)
	fmt.Fprintf(&b, "| Detected | %s |\n", a.DetectedAt.Format(time.RFC3339))
	if a.Persona != "" {
		fmt.Fprintf(&b, "| Persona | %s |\n", a.Persona)
	}
	if a.TaskID != "" {
		fmt.Fprintf(&b, "| Task | %s |\n", a.TaskID)
	}
	if a.Logs != "" {
		excerpt := a.Logs
		const maxExcerpt = 2000
		if len(excerpt) > maxExcerpt {
			excerpt = excerpt[:maxExcerpt] + "\n… truncated"
		}
		fmt.Fprintf(&b, "\n<details><summary>Log excerpt</summary>\n\n```\n%s\n```\n</details>\n", excerpt)
	}
	return b.String()
}

// githubIssues adapts *github.Client to issuesAPI.
type githubIssues struct {
	client *github.Client
}

func (g *githubIssues) CreateIssue(ctx context.Context, owner, repo string, req *github.IssueRequest) (*github.Issue, error) {
	issue, _, err := g.client.Issues.Create(ctx, owner, repo, req)
	return issue, err
}

func (g *githubIssues) EditIssue(ctx context.Context, owner, repo string, number int, req *github.IssueRequest) (*github.Issue, error) {
	issue, _, err := g.client.Issues.Edit(ctx, owner, repo, number, req)
	return issue, err
}

func (g *githubIssues) GetIssue(ctx context.Context, owner, repo string, number int) (*github.Issue, error) {
	issue, _, err := g.client.Issues.Get(ctx, owner, repo, number)
	return issue, err
}

func (g *githubIssues) CreateComment(ctx context.Context, owner, repo string, number int, body string) error {
	_, _, err := g.client.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: github.String(body)})
	return err
}

func (g *githubIssues) SearchIssues(ctx context.Context, query string) ([]*github.Issue, error) {
	result, _, err := g.client.Search.Issues(ctx, query, &github.SearchOptions{
		ListOptions: github.ListOptions{PerPage: 20},
	})
	if err != nil {
		return nil, err
	}
	return result.Issues, nil
}
