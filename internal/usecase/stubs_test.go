package usecase_test

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/crawl-orchestrator/internal/domain"
)

// In-memory fakes for the repository ports. They keep just enough behavior
// for the services under test: optimistic versioning on jobs, idempotent
// quota reservations, guarded agent slots.

type fakeRepos struct {
	jobs         *fakeJobs
	results      *fakeResults
	agents       *fakeAgents
	quota        *fakeQuota
	outbox       *fakeOutbox
	participants *fakeParticipants
	templates    *fakeTemplates
	scaling      *fakeScaling
}

func newFakeRepos() *fakeRepos {
	return &fakeRepos{
		jobs:         &fakeJobs{byID: map[string]domain.CrawlJob{}},
		results:      &fakeResults{},
		agents:       &fakeAgents{byID: map[string]domain.Agent{}},
		quota:        &fakeQuota{byUser: map[string]domain.QuotaSnapshot{}, reservations: map[string]string{}},
		outbox:       &fakeOutbox{},
		participants: &fakeParticipants{byKey: map[string]domain.Participant{}},
		templates:    &fakeTemplates{byID: map[string]domain.Template{}, byDomain: map[string]domain.Template{}},
		scaling:      &fakeScaling{byKey: map[string]domain.ScalingPolicy{}},
	}
}

func (f *fakeRepos) set() domain.RepoSet {
	return domain.RepoSet{
		Jobs:         f.jobs,
		Results:      f.results,
		Agents:       f.agents,
		Quota:        f.quota,
		Outbox:       f.outbox,
		Participants: f.participants,
		Templates:    f.templates,
		Scaling:      f.scaling,
	}
}

// fakeUOW runs the unit against the shared fakes. It does not roll back on
// error; tests assert the error, not the rollback.
type fakeUOW struct {
	repos *fakeRepos
	err   error
}

func (u *fakeUOW) Atomic(_ domain.Context, fn func(domain.RepoSet) error) error {
	if u.err != nil {
		return u.err
	}
	return fn(u.repos.set())
}

type fakeJobs struct {
	mu        sync.Mutex
	byID      map[string]domain.CrawlJob
	seq       int
	updateErr error
}

func (f *fakeJobs) Create(_ domain.Context, j *domain.CrawlJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j.ID == "" {
		f.seq++
		j.ID = fmt.Sprintf("job-%d", f.seq)
	}
	j.Version = 1
	f.byID[j.ID] = *j
	return nil
}

func (f *fakeJobs) Get(_ domain.Context, id string) (domain.CrawlJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.byID[id]
	if !ok {
		return domain.CrawlJob{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return j, nil
}

func (f *fakeJobs) Update(_ domain.Context, j *domain.CrawlJob) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.byID[j.ID]
	if !ok {
		return fmt.Errorf("job %s: %w", j.ID, domain.ErrNotFound)
	}
	if cur.Version != j.Version {
		return fmt.Errorf("job %s version %d: %w", j.ID, j.Version, domain.ErrConflict)
	}
	j.Version++
	f.byID[j.ID] = *j
	return nil
}

func (f *fakeJobs) ListReady(_ domain.Context, now time.Time, limit int) ([]domain.CrawlJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CrawlJob
	for _, j := range f.byID {
		if j.Status != domain.JobPending {
			continue
		}
		if j.NextRetryAt != nil && j.NextRetryAt.After(now) {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Priority != out[k].Priority {
			return out[i].Priority > out[k].Priority
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeJobs) ListDueRetries(_ domain.Context, now time.Time, limit int) ([]domain.CrawlJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CrawlJob
	for _, j := range f.byID {
		if j.Status != domain.JobFailed || j.NextRetryAt == nil || j.NextRetryAt.After(now) {
			continue
		}
		out = append(out, j)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeJobs) ListByAgent(_ domain.Context, agentID string) ([]domain.CrawlJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CrawlJob
	for _, j := range f.byID {
		if j.AssignedAgentID != nil && *j.AssignedAgentID == agentID && !j.Status.Terminal() {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (f *fakeJobs) ListStalled(_ domain.Context, cutoff time.Time, limit int) ([]domain.CrawlJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CrawlJob
	for _, j := range f.byID {
		if (j.Status == domain.JobAssigned || j.Status == domain.JobRunning) && j.UpdatedAt.Before(cutoff) {
			out = append(out, j)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeJobs) ListByUser(_ domain.Context, userID string, offset, limit int) ([]domain.CrawlJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CrawlJob
	for _, j := range f.byID {
		if j.UserID == userID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeJobs) SoftDelete(_ domain.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, id)
	return nil
}

func (f *fakeJobs) PurgeDeletedBefore(_ domain.Context, _ time.Time) (int64, error) { return 0, nil }

type fakeResults struct {
	mu   sync.Mutex
	rows []domain.CrawlResult
	err  error
}

func (f *fakeResults) InsertBatch(_ domain.Context, results []domain.CrawlResult) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, results...)
	return nil
}

func (f *fakeResults) ListByJob(_ domain.Context, jobID string) ([]domain.CrawlResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CrawlResult
	for _, r := range f.rows {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeResults) CountByJob(_ domain.Context, jobID string) (int, error) {
	rows, _ := f.ListByJob(nil, jobID)
	return len(rows), nil
}

type fakeAgents struct {
	mu        sync.Mutex
	byID      map[string]domain.Agent
	released  []string
	drainErr  error
	reserveOK *bool // forces ReserveSlot outcome when set
}

func (f *fakeAgents) Register(_ domain.Context, a *domain.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == "" {
		a.ID = fmt.Sprintf("agent-%d", len(f.byID)+1)
	}
	a.RegisteredAt = time.Now().UTC()
	f.byID[a.ID] = *a
	return nil
}

func (f *fakeAgents) Get(_ domain.Context, id string) (domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return domain.Agent{}, fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

func (f *fakeAgents) Heartbeat(_ domain.Context, id string, jobCount int, status domain.AgentStatus, health string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	a.CurrentJobCount = jobCount
	a.Status = status
	a.HealthMessage = health
	a.LastHeartbeat = time.Now().UTC()
	f.byID[id] = a
	return nil
}

func (f *fakeAgents) ListCandidates(_ domain.Context, kind domain.WorkerKind) ([]domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Agent
	for _, a := range f.byID {
		if a.Kind == kind || a.Kind == domain.WorkerUniversal {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		li, lk := out[i].LoadRatio(), out[k].LoadRatio()
		if li != lk {
			return li < lk
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

func (f *fakeAgents) ReserveSlot(_ domain.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reserveOK != nil {
		return *f.reserveOK, nil
	}
	a, ok := f.byID[id]
	if !ok {
		return false, fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	if a.Status != domain.AgentAvailable || a.CurrentJobCount >= a.MaxConcurrent {
		return false, nil
	}
	a.CurrentJobCount++
	f.byID[id] = a
	return true, nil
}

func (f *fakeAgents) ReleaseSlot(_ domain.Context, id string, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	a, ok := f.byID[id]
	if !ok {
		return nil
	}
	if a.CurrentJobCount > 0 {
		a.CurrentJobCount--
	}
	if success {
		a.SuccessCount++
	} else {
		a.FailureCount++
	}
	f.byID[id] = a
	return nil
}

func (f *fakeAgents) SetStatus(_ domain.Context, id string, status domain.AgentStatus, health string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	a.Status = status
	a.HealthMessage = health
	f.byID[id] = a
	return nil
}

func (f *fakeAgents) MarkDraining(_ domain.Context, id string, removeAt time.Time) error {
	if f.drainErr != nil {
		return f.drainErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	if a.Status != domain.AgentAvailable {
		return fmt.Errorf("agent %s status %s: %w", id, a.Status, domain.ErrConflict)
	}
	a.Status = domain.AgentDraining
	a.ScheduledForRemovalAt = &removeAt
	f.byID[id] = a
	return nil
}

func (f *fakeAgents) ListStale(_ domain.Context, cutoff time.Time) ([]domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Agent
	for _, a := range f.byID {
		if (a.Status == domain.AgentAvailable || a.Status == domain.AgentBusy) && a.LastHeartbeat.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAgents) ListDrainingIdle(_ domain.Context) ([]domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Agent
	for _, a := range f.byID {
		if a.Status == domain.AgentDraining && a.CurrentJobCount == 0 {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAgents) CountActive(_ domain.Context, userID string, kind domain.WorkerKind) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.byID {
		if a.UserID != userID || (a.Kind != kind && a.Kind != domain.WorkerUniversal) {
			continue
		}
		if a.Status == domain.AgentAvailable || a.Status == domain.AgentBusy || a.Status == domain.AgentDraining {
			n++
		}
	}
	return n, nil
}

func (f *fakeAgents) PoolLoad(_ domain.Context, userID string, kind domain.WorkerKind) (float64, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var used, capacity int
	var cost float64
	for _, a := range f.byID {
		if a.UserID != userID || (a.Kind != kind && a.Kind != domain.WorkerUniversal) {
			continue
		}
		if a.Status != domain.AgentAvailable && a.Status != domain.AgentBusy {
			continue
		}
		used += a.CurrentJobCount
		capacity += a.MaxConcurrent
		cost += a.HourlyCost
	}
	if capacity == 0 {
		return 0, cost, nil
	}
	return float64(used) / float64(capacity), cost, nil
}

func (f *fakeAgents) Deregister(_ domain.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, domain.ErrNotFound)
	}
	a.Status = domain.AgentRetired
	f.byID[id] = a
	return nil
}

type fakeQuota struct {
	mu           sync.Mutex
	byUser       map[string]domain.QuotaSnapshot
	reservations map[string]string
	refunds      []int
	getErr       error
}

func (f *fakeQuota) Get(_ domain.Context, userID string) (domain.QuotaSnapshot, error) {
	if f.getErr != nil {
		return domain.QuotaSnapshot{}, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.byUser[userID]
	if !ok {
		return domain.QuotaSnapshot{}, fmt.Errorf("quota %s: %w", userID, domain.ErrNotFound)
	}
	return snap, nil
}

func (f *fakeQuota) Reserve(_ domain.Context, userID string, n int, reservationKey string) (domain.QuotaSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := f.byUser[userID]
	if _, seen := f.reservations[reservationKey]; seen {
		return snap, nil
	}
	if snap.Used+n > snap.Limit {
		return domain.QuotaSnapshot{}, &domain.QuotaError{
			Limit:   snap.Limit,
			Used:    snap.Used,
			ResetAt: snap.ResetAt.Format(time.RFC3339),
		}
	}
	f.reservations[reservationKey] = userID
	snap.Used += n
	f.byUser[userID] = snap
	return snap, nil
}

func (f *fakeQuota) Refund(_ domain.Context, userID string, n int, _ string) (domain.QuotaSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := f.byUser[userID]
	snap.Used -= n
	if snap.Used < 0 {
		snap.Used = 0
	}
	f.byUser[userID] = snap
	f.refunds = append(f.refunds, n)
	return snap, nil
}

func (f *fakeQuota) Upsert(_ domain.Context, q domain.QuotaSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byUser[q.UserID] = q
	return nil
}

func (f *fakeQuota) PurgeReservationsBefore(_ domain.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeQuota) ListUserIDs(_ domain.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for u := range f.byUser {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

type fakeOutbox struct {
	mu       sync.Mutex
	messages []domain.OutboxMessage
	seq      int64
	err      error
}

func (f *fakeOutbox) Enqueue(_ domain.Context, m *domain.OutboxMessage) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	m.ID = f.seq
	f.messages = append(f.messages, *m)
	return nil
}

func (f *fakeOutbox) ListDue(_ domain.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.OutboxMessage
	for _, m := range f.messages {
		if m.ProcessedAt != nil || m.Dead {
			continue
		}
		if m.NextRetryAt != nil && m.NextRetryAt.After(now) {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeOutbox) MarkProcessed(_ domain.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	for i := range f.messages {
		if f.messages[i].ID == id {
			f.messages[i].ProcessedAt = &now
		}
	}
	return nil
}

func (f *fakeOutbox) MarkFailed(_ domain.Context, id int64, lastError string, nextRetryAt time.Time, dead bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.messages {
		if f.messages[i].ID == id {
			f.messages[i].RetryCount++
			f.messages[i].LastError = lastError
			f.messages[i].NextRetryAt = &nextRetryAt
			f.messages[i].Dead = dead
		}
	}
	return nil
}

func (f *fakeOutbox) PurgeProcessedBefore(_ domain.Context, _ time.Time) (int64, error) { return 0, nil }

// byType returns the enqueued messages carrying the given event type.
func (f *fakeOutbox) byType(eventType string) []domain.OutboxMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.OutboxMessage
	for _, m := range f.messages {
		if m.Type == eventType {
			out = append(out, m)
		}
	}
	return out
}

type fakeParticipants struct {
	mu    sync.Mutex
	byKey map[string]domain.Participant
}

func participantKey(jobID, userID string) string { return jobID + "/" + userID }

func (f *fakeParticipants) Add(_ domain.Context, p domain.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byKey[participantKey(p.JobID, p.UserID)] = p
	return nil
}

func (f *fakeParticipants) Get(_ domain.Context, jobID, userID string) (domain.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byKey[participantKey(jobID, userID)]
	if !ok {
		return domain.Participant{}, fmt.Errorf("participant %s/%s: %w", jobID, userID, domain.ErrNotFound)
	}
	return p, nil
}

func (f *fakeParticipants) ListByJob(_ domain.Context, jobID string) ([]domain.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Participant
	for _, p := range f.byKey {
		if p.JobID == jobID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].UserID < out[k].UserID })
	return out, nil
}

type fakeTemplates struct {
	mu       sync.Mutex
	byID     map[string]domain.Template
	byDomain map[string]domain.Template
}

func (f *fakeTemplates) Get(_ domain.Context, id string) (domain.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[id]
	if !ok {
		return domain.Template{}, fmt.Errorf("template %s: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

func (f *fakeTemplates) FindActiveByDomain(_ domain.Context, host string) (domain.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byDomain[host]
	if !ok {
		return domain.Template{}, fmt.Errorf("template for %s: %w", host, domain.ErrNotFound)
	}
	return t, nil
}

func (f *fakeTemplates) GetStrategy(_ domain.Context, id string) (domain.NavigationStrategy, error) {
	return domain.NavigationStrategy{}, fmt.Errorf("strategy %s: %w", id, domain.ErrNotFound)
}

type fakeScaling struct {
	mu         sync.Mutex
	byKey      map[string]domain.ScalingPolicy
	scaleUps   int
	scaleDowns int
}

func scalingKey(userID string, kind domain.WorkerKind) string { return userID + "/" + string(kind) }

func (f *fakeScaling) Get(_ domain.Context, userID string, kind domain.WorkerKind) (domain.ScalingPolicy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byKey[scalingKey(userID, kind)]
	if !ok {
		return domain.ScalingPolicy{}, fmt.Errorf("policy %s/%s: %w", userID, kind, domain.ErrNotFound)
	}
	return p, nil
}

func (f *fakeScaling) ListEnabled(_ domain.Context) ([]domain.ScalingPolicy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ScalingPolicy
	for _, p := range f.byKey {
		if p.AutoScalingEnabled {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeScaling) Upsert(_ domain.Context, p domain.ScalingPolicy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byKey[scalingKey(p.UserID, p.Kind)] = p
	return nil
}

func (f *fakeScaling) RecordScaleUp(_ domain.Context, userID string, kind domain.WorkerKind, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.byKey[scalingKey(userID, kind)]
	p.LastScaleUpAt = &at
	f.byKey[scalingKey(userID, kind)] = p
	f.scaleUps++
	return nil
}

func (f *fakeScaling) RecordScaleDown(_ domain.Context, userID string, kind domain.WorkerKind, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.byKey[scalingKey(userID, kind)]
	p.LastScaleDownAt = &at
	f.byKey[scalingKey(userID, kind)] = p
	f.scaleDowns++
	return nil
}

// fakeCache implements domain.QuotaCache.
type fakeCache struct {
	mu          sync.Mutex
	byUser      map[string]domain.QuotaSnapshot
	invalidated []string
	getErr      error
	setErr      error
}

func newFakeCache() *fakeCache { return &fakeCache{byUser: map[string]domain.QuotaSnapshot{}} }

func (f *fakeCache) Get(_ domain.Context, userID string) (domain.QuotaSnapshot, bool, error) {
	if f.getErr != nil {
		return domain.QuotaSnapshot{}, false, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.byUser[userID]
	return snap, ok, nil
}

func (f *fakeCache) Set(_ domain.Context, q domain.QuotaSnapshot) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byUser[q.UserID] = q
	return nil
}

func (f *fakeCache) Invalidate(_ domain.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byUser, userID)
	f.invalidated = append(f.invalidated, userID)
	return nil
}

// fakeUsers implements domain.UserDirectory.
type fakeUsers struct {
	limit      int
	resetAt    time.Time
	fetchErr   error
	members    map[string][]string
	membersErr error
}

func (f *fakeUsers) FetchQuota(_ domain.Context, _ string) (int, time.Time, error) {
	if f.fetchErr != nil {
		return 0, time.Time{}, f.fetchErr
	}
	return f.limit, f.resetAt, nil
}

func (f *fakeUsers) GroupMembers(_ domain.Context, groupID string) ([]string, error) {
	if f.membersErr != nil {
		return nil, f.membersErr
	}
	return f.members[groupID], nil
}

// fakeWorker implements domain.WorkerClient and records outbound calls.
type fakeWorker struct {
	mu        sync.Mutex
	submits   []domain.CrawlRequest
	cancels   []string
	submitErr error
	cancelErr error
	healthErr error
}

func (f *fakeWorker) Submit(_ domain.Context, _ string, req domain.CrawlRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submits = append(f.submits, req)
	return nil
}

func (f *fakeWorker) Cancel(_ domain.Context, _ string, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancels = append(f.cancels, jobID)
	return nil
}

func (f *fakeWorker) Health(_ domain.Context, _ string) error { return f.healthErr }

// fakeNotifier records fan-out notifications.
type fakeNotifier struct {
	mu        sync.Mutex
	progress  []domain.ProgressEvent
	terminals []domain.ResultEvent
}

func (f *fakeNotifier) NotifyProgress(_ string, ev domain.ProgressEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, ev)
}

func (f *fakeNotifier) NotifyTerminal(_ string, ev domain.ResultEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminals = append(f.terminals, ev)
}
