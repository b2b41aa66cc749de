package job

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"clipforge-controlplane/pkg/errutil"
	"clipforge-controlplane/pkg/taskname"
	"clipforge-controlplane/services/org"
	"clipforge-controlplane/services/plan"
	"clipforge-controlplane/services/testutil"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return nil, nil
}

func newService(t *testing.T) (*Service, *fakeEnqueuer, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &org.Org{}, &plan.Plan{}, &Job{}, &JobEvent{}, &SLAAudit{})
	require.NoError(t, db.Create(plan.Defaults()).Error)
	require.NoError(t, db.Create(&org.Org{ID: "org-1", Name: "Demo Org"}).Error)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := schedulerConfig()
	enq := &fakeEnqueuer{}

	svc := NewService(ServiceParams{
		DB:        db,
		Node:      node,
		Asynq:     enq,
		Machine:   NewMachine(db, NewAuditor()),
		Scheduler: NewScheduler(db, cfg, nil),
		Estimator: NewEstimator(db, cfg),
		Plans:     plan.NewService(plan.ServiceParams{DB: db}),
	})

	return svc, enq, db
}

func TestCreateJobQueuesWithETA(t *testing.T) {
	svc, _, db := newService(t)

	view, err := svc.CreateJob(context.Background(), CreateJobRequest{
		OrgID:        "org-1",
		SourceURL:    "https://cdn.example.com/raw.mp4",
		InputMinutes: 30,
		PlanID:       "priority",
	})
	require.NoError(t, err)
	require.Equal(t, StateQueued, view.Job.State)
	require.Equal(t, 1, view.Job.Lane)
	require.Equal(t, "P1", view.Lane)
	require.NotNil(t, view.Job.ETASeconds)

	// empty queue: the estimate is just the job's own expected processing time
	require.Equal(t, int(30*1.2*60), *view.Job.ETASeconds)

	var events []JobEvent
	require.NoError(t, db.Where("job_id = ?", view.Job.ID).Order("id ASC").Find(&events).Error)
	require.Len(t, events, 2)
	require.Equal(t, StateCreated, events[0].State)
	require.Equal(t, StateQueued, events[1].State)
}

func TestCreateJobValidation(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.CreateJob(context.Background(), CreateJobRequest{
		OrgID:        "org-1",
		SourceURL:    "https://cdn.example.com/raw.mp4",
		InputMinutes: 0,
		PlanID:       "standard",
	})
	require.Error(t, err)
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))

	_, err = svc.CreateJob(context.Background(), CreateJobRequest{
		OrgID:        "org-1",
		InputMinutes: 30,
		PlanID:       "standard",
	})
	require.Error(t, err)
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))
}

func TestCreateJobUnknownOrgAndPlan(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.CreateJob(context.Background(), CreateJobRequest{
		OrgID:        "ghost",
		SourceURL:    "https://cdn.example.com/raw.mp4",
		InputMinutes: 30,
		PlanID:       "standard",
	})
	require.Error(t, err)
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))

	_, err = svc.CreateJob(context.Background(), CreateJobRequest{
		OrgID:        "org-1",
		SourceURL:    "https://cdn.example.com/raw.mp4",
		InputMinutes: 30,
		PlanID:       "platinum",
	})
	require.Error(t, err)
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))
}

func TestCreateJobPlanLimit(t *testing.T) {
	svc, _, db := newService(t)

	_, err := svc.CreateJob(context.Background(), CreateJobRequest{
		OrgID:        "org-1",
		SourceURL:    "https://cdn.example.com/raw.mp4",
		InputMinutes: 61,
		PlanID:       "express",
	})
	require.Error(t, err)
	require.Equal(t, errutil.StatusPlanLimitExceeded, errutil.StatusOf(err))

	// rejected jobs are never queued
	var count int64
	require.NoError(t, db.Model(&Job{}).Count(&count).Error)
	require.EqualValues(t, 0, count)
}

func TestCreateJobIdempotent(t *testing.T) {
	svc, _, db := newService(t)

	key := "abc123"
	req := CreateJobRequest{
		OrgID:          "org-1",
		SourceURL:      "https://cdn.example.com/raw.mp4",
		InputMinutes:   30,
		PlanID:         "standard",
		IdempotencyKey: &key,
	}

	first, err := svc.CreateJob(context.Background(), req)
	require.NoError(t, err)

	second, err := svc.CreateJob(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first.Job.ID, second.Job.ID)

	var count int64
	require.NoError(t, db.Model(&Job{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestCreateJobIdempotentConcurrent(t *testing.T) {
	svc, _, db := newService(t)

	key := "abc123"
	req := CreateJobRequest{
		OrgID:          "org-1",
		SourceURL:      "https://cdn.example.com/raw.mp4",
		InputMinutes:   30,
		PlanID:         "standard",
		IdempotencyKey: &key,
	}

	type outcome struct {
		id  string
		err error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			view, err := svc.CreateJob(context.Background(), req)
			if err != nil {
				results <- outcome{err: err}
				return
			}
			results <- outcome{id: view.Job.ID}
		}()
	}

	a, b := <-results, <-results
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	require.Equal(t, a.id, b.id)

	var count int64
	require.NoError(t, db.Model(&Job{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestCreateJobDistinctKeysDistinctJobs(t *testing.T) {
	svc, _, _ := newService(t)

	k1, k2 := "k1", "k2"
	first, err := svc.CreateJob(context.Background(), CreateJobRequest{
		OrgID: "org-1", SourceURL: "u", InputMinutes: 10, PlanID: "standard", IdempotencyKey: &k1,
	})
	require.NoError(t, err)

	second, err := svc.CreateJob(context.Background(), CreateJobRequest{
		OrgID: "org-1", SourceURL: "u", InputMinutes: 10, PlanID: "standard", IdempotencyKey: &k2,
	})
	require.NoError(t, err)
	require.NotEqual(t, first.Job.ID, second.Job.ID)
}

func TestGetJobTimelineAndAudit(t *testing.T) {
	svc, _, _ := newService(t)

	created, err := svc.CreateJob(context.Background(), CreateJobRequest{
		OrgID: "org-1", SourceURL: "u", InputMinutes: 10, PlanID: "express",
	})
	require.NoError(t, err)

	_, err = svc.Cancel(context.Background(), created.Job.ID, "user asked")
	require.NoError(t, err)

	view, err := svc.GetJob(context.Background(), created.Job.ID)
	require.NoError(t, err)
	require.Equal(t, StateCanceled, view.Job.State)
	require.Len(t, view.Timeline, 3)
	require.Equal(t, StateCanceled, view.Timeline[2].State)
	require.NotNil(t, view.Audit)
	require.False(t, view.Audit.Breached)

	_, err = svc.GetJob(context.Background(), "missing")
	require.Error(t, err)
	require.Equal(t, errutil.StatusNotFound, errutil.StatusOf(err))
}

func TestReportTransitionBreachDispatchesRemedy(t *testing.T) {
	svc, enq, db := newService(t)

	view, err := svc.CreateJob(context.Background(), CreateJobRequest{
		OrgID: "org-1", SourceURL: "u", InputMinutes: 10, PlanID: "express",
	})
	require.NoError(t, err)

	// backdate creation far past the 600s target
	require.NoError(t, db.Model(&Job{}).
		Where("id = ?", view.Job.ID).
		Update("created_at", time.Now().UTC().Add(-2*time.Hour)).Error)

	out, err := svc.ReportTransition(context.Background(), view.Job.ID, StateFailed, nil)
	require.NoError(t, err)
	require.NotNil(t, out.Audit)
	require.True(t, out.Audit.Breached)

	require.Len(t, enq.tasks, 1)
	require.Equal(t, taskname.SLARemedyDispatch, enq.tasks[0].Type())
}

func TestReportTransitionCompliantSkipsRemedy(t *testing.T) {
	svc, enq, _ := newService(t)

	view, err := svc.CreateJob(context.Background(), CreateJobRequest{
		OrgID: "org-1", SourceURL: "u", InputMinutes: 10, PlanID: "express",
	})
	require.NoError(t, err)

	_, err = svc.ReportTransition(context.Background(), view.Job.ID, StateFailed, nil)
	require.NoError(t, err)
	require.Empty(t, enq.tasks)
}

func TestClaimThroughService(t *testing.T) {
	svc, _, _ := newService(t)

	view, err := svc.CreateJob(context.Background(), CreateJobRequest{
		OrgID: "org-1", SourceURL: "u", InputMinutes: 10, PlanID: "express",
	})
	require.NoError(t, err)

	claimed, err := svc.Claim(context.Background(), 0, "worker-a")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, view.Job.ID, claimed.ID)

	// a claimed job still reports lane status until it leaves the queue
	lanes, err := svc.QueueStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, lanes[0].Count)
}
