package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/3rs4lg4d0/stampbox/campaign"
	"github.com/3rs4lg4d0/stampbox/logger"
	"github.com/3rs4lg4d0/stampbox/queue"
	"github.com/3rs4lg4d0/stampbox/repository"
	"github.com/google/uuid"
)

// Campaigns drives the campaign state machine: scheduling, deletion, bulk
// dispatch and the sweep of due scheduled campaigns. Bulk job outcomes reach
// it through OnJobEvent.
type Campaigns struct {
	settings Settings
	repo     repository.Campaigns
	queue    Enqueuer
	logger   logger.Logger
	now      func() time.Time

	stateMu sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}
}

func NewCampaigns(s Settings, repo repository.Campaigns, q Enqueuer, l logger.Logger) *Campaigns {
	if repo == nil || q == nil {
		panic("you must provide a repository and a queue")
	}
	validateSettings(&s)
	return &Campaigns{
		settings: s,
		repo:     repo,
		queue:    q,
		logger:   logger.OrNop(l),
		now:      time.Now,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Schedule moves a draft campaign to scheduled. The instant must be in the
// future.
func (cs *Campaigns) Schedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	c, err := cs.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := c.Schedule(at, cs.now()); err != nil {
		return err
	}
	ok, err := cs.repo.Schedule(ctx, id, at)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: campaign %s changed concurrently", campaign.ErrInvalidTransition, id)
	}
	return nil
}

// Delete removes a draft campaign. Any other status is rejected with
// campaign.ErrNotEditable.
func (cs *Campaigns) Delete(ctx context.Context, id uuid.UUID) error {
	c, err := cs.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !c.CanDelete() {
		return fmt.Errorf("%w: campaign %s is %s", campaign.ErrNotEditable, id, c.Status)
	}
	ok, err := cs.repo.DeleteDraft(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: campaign %s changed concurrently", campaign.ErrNotEditable, id)
	}
	return nil
}

// Dispatch hands a draft or scheduled campaign to the bulk queue. The job is
// deduplicated by campaign id, so at most one run per campaign is waiting or
// active at a time.
func (cs *Campaigns) Dispatch(ctx context.Context, id uuid.UUID) (*queue.Job, error) {
	c, err := cs.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Status.CanTransitionTo(campaign.StatusProcessing) {
		return nil, fmt.Errorf("%w: campaign %s is %s", campaign.ErrInvalidTransition, id, c.Status)
	}

	job, err := cs.queue.Enqueue(ctx, JobBulkCampaign, BulkJob{CampaignID: id}, queue.WithDedupKey(id.String()))
	if err != nil {
		return nil, fmt.Errorf("could not enqueue campaign %s: %w", id, err)
	}
	if job.Duplicate {
		cs.logger.Debug(fmt.Sprintf("campaign %s is already queued as job %s", id, job.ID))
		return job, nil
	}
	// the bulk worker also starts the campaign, whoever comes first wins
	if _, err := cs.repo.Transition(ctx, id, campaign.StatusProcessing, cs.now()); err != nil {
		cs.logger.Error(fmt.Sprintf("could not mark campaign %s as processing", id), err)
	}
	cs.logger.Info(fmt.Sprintf("campaign %s dispatched as job %s", id, job.ID))
	return job, nil
}

// DispatchDue dispatches the scheduled campaigns whose time has come and
// returns how many were dispatched.
func (cs *Campaigns) DispatchDue(ctx context.Context, now time.Time) (int, error) {
	due, err := cs.repo.FindDue(ctx, now, cs.settings.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("could not read the due campaigns: %w", err)
	}
	var n int
	for _, c := range due {
		if _, err := cs.Dispatch(ctx, c.ID); err != nil {
			cs.logger.Error(fmt.Sprintf("could not dispatch scheduled campaign %s", c.ID), err)
			continue
		}
		n++
	}
	return n, nil
}

// OnJobEvent completes or fails campaigns when their bulk job finishes. It
// is registered as a listener of the bulk queue.
func (cs *Campaigns) OnJobEvent(ctx context.Context, e queue.Event) {
	if e.Job == nil || e.Job.Type != JobBulkCampaign {
		return
	}
	var bj BulkJob
	if err := e.Job.Decode(&bj); err != nil {
		cs.logger.Error(fmt.Sprintf("could not decode bulk job %s", e.Job.ID), err)
		return
	}

	var next campaign.Status
	switch {
	case e.Type == queue.EventCompleted:
		next = campaign.StatusCompleted
	case e.Dead:
		next = campaign.StatusFailed
	default:
		return
	}
	ok, err := cs.repo.Transition(ctx, bj.CampaignID, next, cs.now())
	if err != nil {
		cs.logger.Error(fmt.Sprintf("could not mark campaign %s as %s", bj.CampaignID, next), err)
		return
	}
	if ok {
		cs.logger.Info(fmt.Sprintf("campaign %s is %s", bj.CampaignID, next))
	}
}

// Start launches the scheduled campaign sweeper. Calling it more than once
// has no effect.
func (cs *Campaigns) Start(ctx context.Context) {
	cs.stateMu.Lock()
	defer cs.stateMu.Unlock()
	if cs.started || cs.stopped {
		return
	}
	cs.started = true
	go cs.loop(ctx)
}

// Stop ends the sweeper and waits for the current sweep.
func (cs *Campaigns) Stop() {
	cs.stateMu.Lock()
	if cs.stopped {
		cs.stateMu.Unlock()
		return
	}
	cs.stopped = true
	started := cs.started
	close(cs.stopCh)
	cs.stateMu.Unlock()
	if started {
		<-cs.done
	}
}

func (cs *Campaigns) loop(ctx context.Context) {
	defer close(cs.done)
	ticker := time.NewTicker(cs.settings.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cs.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := cs.DispatchDue(ctx, cs.now()); err != nil {
				cs.logger.Error("scheduled campaign sweep skipped", err)
			}
		}
	}
}
