// Package usecase contains the application services of the orchestrator:
// admission, quota ledger, job lifecycle, agent pool and read queries.
package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/fairyhunter13/crawl-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
	"github.com/fairyhunter13/crawl-orchestrator/internal/policy"
)

// SubmitRequest is the admission input as received from the front door.
type SubmitRequest struct {
	URLs           []string
	Prompt         string
	TemplateID     *string
	WorkerKind     domain.WorkerKind
	Priority       domain.Priority
	AccessLevel    domain.AccessLevel
	AssignmentID   *string
	GroupID        *string
	ConversationID *string
	MaxPages       *int
}

// SubmitService admits crawl requests: policy, template attachment, worker
// kind election, quota debit and job creation in one transaction.
type SubmitService struct {
	UOW               domain.UnitOfWork
	Quota             QuotaService
	Users             domain.UserDirectory
	Policy            *policy.Engine
	Fanout            *Fanout
	RestrictedMinTier string
	MaxRetries        int
}

// NewSubmitService constructs a SubmitService with its dependencies.
func NewSubmitService(uow domain.UnitOfWork, quota QuotaService, users domain.UserDirectory, eng *policy.Engine, fanout *Fanout, restrictedMinTier string, maxRetries int) SubmitService {
	return SubmitService{UOW: uow, Quota: quota, Users: users, Policy: eng, Fanout: fanout, RestrictedMinTier: restrictedMinTier, MaxRetries: maxRetries}
}

// Submit runs the full admission pipeline and returns the new job's ID.
// Any failing step aborts the transaction; no quota is debited on rejection.
func (s SubmitService) Submit(ctx domain.Context, id Identity, req SubmitRequest) (string, error) {
	if id.UserID == "" {
		return "", fmt.Errorf("op=submit: missing user: %w", domain.ErrForbidden)
	}
	if len(req.URLs) == 0 {
		return "", fmt.Errorf("op=submit: at least one url required: %w", domain.ErrInvalidArgument)
	}
	if req.Prompt == "" {
		return "", fmt.Errorf("op=submit: prompt required: %w", domain.ErrInvalidArgument)
	}

	normalized, parsed, err := s.checkPolicy(id, req.URLs)
	if err != nil {
		return "", err
	}

	kind := s.Policy.ElectKind(req.WorkerKind, parsed)

	// Cheap pre-check against cache or store; the authoritative debit is the
	// guarded update inside the transaction below.
	ok, snap, err := s.Quota.HasQuota(ctx, id.UserID, len(normalized))
	if err != nil {
		return "", err
	}
	if !ok {
		observability.QuotaRejectionsTotal.Inc()
		return "", fmt.Errorf("op=submit user=%s: %w", id.UserID, &domain.QuotaError{
			Limit:   snap.Limit,
			Used:    snap.Used,
			ResetAt: snap.ResetAt.Format(time.RFC3339),
		})
	}

	// Resolve group membership before opening the transaction; the user
	// service call must not hold a database transaction open.
	participants, err := s.resolveParticipants(ctx, id, req)
	if err != nil {
		return "", err
	}

	access := req.AccessLevel
	if access == "" {
		access = domain.AccessPrivate
	}

	now := time.Now().UTC()
	job := domain.CrawlJob{
		UserID:         id.UserID,
		AssignmentID:   req.AssignmentID,
		GroupID:        req.GroupID,
		ConversationID: req.ConversationID,
		URLs:           normalized,
		Prompt:         req.Prompt,
		MaxPages:       req.MaxPages,
		WorkerKind:     kind,
		Priority:       req.Priority,
		Status:         domain.JobPending,
		AccessLevel:    access,
		MaxRetries:     s.MaxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.UOW.Atomic(ctx, func(repos domain.RepoSet) error {
		s.attachTemplate(ctx, repos.Templates, &job, parsed, req.TemplateID)

		if err := repos.Jobs.Create(ctx, &job); err != nil {
			return err
		}
		if _, err := s.Quota.Reserve(ctx, repos.Quota, id.UserID, len(normalized), job.ID); err != nil {
			return err
		}
		for i := range participants {
			participants[i].JobID = job.ID
			participants[i].CreatedAt = now
			if err := repos.Participants.Add(ctx, participants[i]); err != nil {
				return err
			}
		}
		if err := enqueueJobEvent(ctx, repos.Outbox, domain.EventJobSubmitted, &job); err != nil {
			return err
		}
		// Pull-based workers pick the job up from crawl.request; push-based
		// dispatch happens from the dispatcher loop.
		creq := domain.CrawlRequest{
			JobID:          job.ID,
			UserID:         job.UserID,
			URLs:           job.URLs,
			Prompt:         job.Prompt,
			NavigationPlan: job.NavigationPlan,
			MaxPages:       job.MaxPages,
			Kind:           job.WorkerKind,
		}
		return enqueueEvent(ctx, repos.Outbox, "", domain.EventCrawlRequest, domain.TopicCrawlRequest, job.ID, creq)
	})
	if err != nil {
		return "", err
	}

	s.Quota.InvalidateCache(ctx, id.UserID)
	observability.JobsSubmittedTotal.WithLabelValues(string(kind)).Inc()
	observability.LoggerFromContext(ctx).Info("job admitted",
		slog.String("job_id", job.ID),
		slog.String("user_id", id.UserID),
		slog.String("kind", string(kind)),
		slog.Int("urls", len(normalized)))
	return job.ID, nil
}

// SubmitAndWait is the synchronous variant for small test crawls: it admits
// the job and blocks until the terminal event or the deadline. Production
// traffic uses the async Submit path.
func (s SubmitService) SubmitAndWait(ctx domain.Context, id Identity, req SubmitRequest, deadline time.Duration) (domain.ResultEvent, error) {
	if s.Fanout == nil {
		return domain.ResultEvent{}, fmt.Errorf("op=submit.wait: no fan-out wired: %w", domain.ErrInternal)
	}
	jobID, err := s.Submit(ctx, id, req)
	if err != nil {
		return domain.ResultEvent{}, err
	}
	sub := s.Fanout.Subscribe(jobID)
	defer sub.Cancel()

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return domain.ResultEvent{}, ctx.Err()
		case <-timer.C:
			return domain.ResultEvent{}, fmt.Errorf("op=submit.wait job=%s: %w", jobID, domain.ErrTimeout)
		case ev := <-sub.C:
			if ev.Kind == FanoutTerminal && ev.Terminal != nil {
				return *ev.Terminal, nil
			}
		}
	}
}

// checkPolicy normalizes every URL and applies the domain policy. The whole
// request is rejected if any URL is blocked or malformed.
func (s SubmitService) checkPolicy(id Identity, raw []string) ([]string, []*url.URL, error) {
	normalized := make([]string, 0, len(raw))
	parsed := make([]*url.URL, 0, len(raw))
	for _, r := range raw {
		u, err := policy.Normalize(r)
		if err != nil {
			return nil, nil, fmt.Errorf("op=submit: %w", err)
		}
		switch s.Policy.Decide(u.Hostname()) {
		case policy.Block:
			return nil, nil, fmt.Errorf("op=submit: domain %s blocked: %w", u.Hostname(), domain.ErrPolicyViolation)
		case policy.Restricted:
			if !id.Elevated() && !policy.TierAtLeast(id.Tier, s.RestrictedMinTier) {
				return nil, nil, fmt.Errorf("op=submit: domain %s requires tier %s: %w",
					u.Hostname(), s.RestrictedMinTier, domain.ErrPolicyViolation)
			}
		}
		normalized = append(normalized, u.String())
		parsed = append(parsed, u)
	}
	return normalized, parsed, nil
}

// attachTemplate binds the requested template, or the newest active template
// matching the first URL's domain. Absence of a match is not an error.
func (s SubmitService) attachTemplate(ctx domain.Context, templates domain.TemplateRepository, job *domain.CrawlJob, parsed []*url.URL, templateID *string) {
	var (
		tpl domain.Template
		err error
	)
	if templateID != nil && *templateID != "" {
		tpl, err = templates.Get(ctx, *templateID)
	} else if len(parsed) > 0 {
		tpl, err = templates.FindActiveByDomain(ctx, parsed[0].Hostname())
	} else {
		return
	}
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			observability.LoggerFromContext(ctx).Warn("template lookup failed", slog.Any("error", err))
		}
		return
	}
	job.TemplateID = &tpl.ID
	if tpl.Extraction != "" {
		extraction := tpl.Extraction
		job.ExtractionStrategy = &extraction
	}
}

// resolveParticipants builds the participant rows: the owner always, plus
// group members as viewers for Group/Assignment access levels.
func (s SubmitService) resolveParticipants(ctx domain.Context, id Identity, req SubmitRequest) ([]domain.Participant, error) {
	out := []domain.Participant{{UserID: id.UserID, Role: domain.RoleOwner, Watching: true}}

	if req.AccessLevel != domain.AccessGroup && req.AccessLevel != domain.AccessAssignment {
		return out, nil
	}
	if req.GroupID == nil || *req.GroupID == "" {
		return nil, fmt.Errorf("op=submit: group access requires a group id: %w", domain.ErrInvalidArgument)
	}
	members, err := s.Users.GroupMembers(ctx, *req.GroupID)
	if err != nil {
		return nil, fmt.Errorf("op=submit: resolve group %s: %w", *req.GroupID, err)
	}
	for _, m := range members {
		if m == id.UserID {
			continue
		}
		out = append(out, domain.Participant{UserID: m, Role: domain.RoleViewer})
	}
	return out, nil
}
