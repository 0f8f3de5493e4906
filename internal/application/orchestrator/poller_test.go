package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/materlab/kiln/internal/application/submit"
	"github.com/materlab/kiln/pkg/adapters/metrics/noop"
	"github.com/materlab/kiln/pkg/domain"
	"github.com/materlab/kiln/pkg/ports"
)

func newPoller(f *fixture, opts PollerOptions) *Poller {
	return NewPoller(f.manager, f.store, f.sched, f.bus, noop.NewCollector(), zap.NewNop(), opts)
}

// recordSignals collects every completion signal published on the bus.
func (f *fixture) recordSignals(t *testing.T) *[]*domain.CompletionSignal {
	t.Helper()
	var sigs []*domain.CompletionSignal
	require.NoError(t, f.bus.Subscribe(context.Background(), ports.TopicCompletionSignals, func(ctx context.Context, ev ports.Event) error {
		sig, err := ev.CompletionSignal()
		if err != nil {
			return err
		}
		sigs = append(sigs, sig)
		return nil
	}))
	return &sigs
}

// wireSignalHandling feeds published signals straight into the manager,
// standing in for the worker pool.
func (f *fixture) wireSignalHandling(t *testing.T) {
	t.Helper()
	require.NoError(t, f.bus.Subscribe(context.Background(), ports.TopicCompletionSignals, func(ctx context.Context, ev ports.Event) error {
		sig, err := ev.CompletionSignal()
		if err != nil {
			return err
		}
		return f.manager.HandleSignal(ctx, sig)
	}))
}

func TestSweep_ObservesCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, submit.Options{MaxJobs: 8})
	sigs := f.recordSignals(t)
	f.wireSignalHandling(t)
	p := newPoller(f, PollerOptions{})

	_, err := f.manager.RegisterWorkflow(ctx, material("mgo-1"), mkplan(t, "OPT", "SP"))
	require.NoError(t, err)
	f.sched.SetJobState("job-1", ports.JobStateCompleted)

	p.Sweep(ctx)

	require.Len(t, *sigs, 1)
	sig := (*sigs)[0]
	assert.Equal(t, "OPT", sig.Stage)
	assert.Equal(t, "job-1", sig.ExternalJobID)
	assert.Equal(t, domain.OutcomeCompleted, sig.Outcome)
	assert.Equal(t, domain.OriginPoller, sig.Origin)

	// The signal flowed through the manager: OPT is done and SP is on
	// the scheduler.
	assert.Equal(t, domain.CalcStatusCompleted, statusOf(t, f, "mgo-1", "OPT"))
	assert.Equal(t, domain.CalcStatusSubmitted, statusOf(t, f, "mgo-1", "SP"))
}

func TestSweep_RunningObservedOnceFromSubmitted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, submit.Options{MaxJobs: 8})
	sigs := f.recordSignals(t)
	f.wireSignalHandling(t)
	p := newPoller(f, PollerOptions{})

	_, err := f.manager.RegisterWorkflow(ctx, material("mgo-1"), mkplan(t, "OPT"))
	require.NoError(t, err)
	f.sched.SetJobState("job-1", ports.JobStateRunning)

	p.Sweep(ctx)
	require.Len(t, *sigs, 1)
	assert.Equal(t, domain.OutcomeRunning, (*sigs)[0].Outcome)
	assert.Equal(t, domain.CalcStatusRunning, statusOf(t, f, "mgo-1", "OPT"))

	// A second sweep sees the job still running and stays quiet.
	p.Sweep(ctx)
	assert.Len(t, *sigs, 1)
}

func TestSweep_PendingJobIsQuiet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, submit.Options{MaxJobs: 8})
	sigs := f.recordSignals(t)
	p := newPoller(f, PollerOptions{})

	_, err := f.manager.RegisterWorkflow(ctx, material("mgo-1"), mkplan(t, "OPT"))
	require.NoError(t, err)

	// Submission leaves the job queued; no transition to report.
	p.Sweep(ctx)
	assert.Empty(t, *sigs)
	assert.Equal(t, domain.CalcStatusSubmitted, statusOf(t, f, "mgo-1", "OPT"))
}

func TestSweep_VanishedJobRetriedUncharged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, submit.Options{MaxJobs: 8})
	sigs := f.recordSignals(t)
	f.wireSignalHandling(t)
	p := newPoller(f, PollerOptions{})

	_, err := f.manager.RegisterWorkflow(ctx, material("mgo-1"), mkplan(t, "OPT"))
	require.NoError(t, err)

	// Point the calculation at a job the scheduler has purged from both
	// queue and accounting.
	wf := f.load(t, "mgo-1")
	wf.Calcs["OPT"].ExternalJobID = "job-999"
	require.NoError(t, f.store.SaveWorkflow(ctx, wf))

	p.Sweep(ctx)

	require.Len(t, *sigs, 1)
	sig := (*sigs)[0]
	assert.Equal(t, domain.OutcomeFailed, sig.Outcome)
	assert.Contains(t, sig.Diagnostic, "no longer reported by scheduler")

	// Classified as infrastructure: resubmitted without touching the
	// recovery budget.
	opt := f.load(t, "mgo-1").Calcs["OPT"]
	assert.Equal(t, domain.CalcStatusSubmitted, opt.Status)
	assert.Equal(t, "job-2", opt.ExternalJobID)
	assert.Equal(t, 2, opt.Attempt)
	assert.Equal(t, 0, opt.RecoveryAttempts)
}

func TestSweep_ReevaluatesDeferredSubmissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, submit.Options{MaxJobs: 1})
	f.wireSignalHandling(t)
	p := newPoller(f, PollerOptions{})

	_, err := f.manager.RegisterWorkflow(ctx, material("busy-1"), mkplan(t, "OPT"))
	require.NoError(t, err)
	_, err = f.manager.RegisterWorkflow(ctx, material("mgo-1"), mkplan(t, "OPT"))
	require.NoError(t, err)
	require.Equal(t, domain.CalcStatusPending, statusOf(t, f, "mgo-1", "OPT"))

	// One sweep both observes the finished job and picks the deferred
	// submission up in the freed slot.
	f.sched.SetJobState("job-1", ports.JobStateCompleted)
	p.Sweep(ctx)

	assert.Equal(t, domain.CalcStatusCompleted, statusOf(t, f, "busy-1", "OPT"))
	assert.Equal(t, domain.CalcStatusSubmitted, statusOf(t, f, "mgo-1", "OPT"))
}

func TestSweep_SchedulerOutageLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, submit.Options{MaxJobs: 8})
	sigs := f.recordSignals(t)
	f.wireSignalHandling(t)
	p := newPoller(f, PollerOptions{})

	_, err := f.manager.RegisterWorkflow(ctx, material("mgo-1"), mkplan(t, "OPT"))
	require.NoError(t, err)
	f.sched.SetJobState("job-1", ports.JobStateCompleted)

	f.sched.SetUnavailable(true)
	p.Sweep(ctx)
	assert.Empty(t, *sigs)
	assert.Equal(t, domain.CalcStatusSubmitted, statusOf(t, f, "mgo-1", "OPT"))

	// The next healthy sweep observes the transition.
	f.sched.SetUnavailable(false)
	p.Sweep(ctx)
	assert.Len(t, *sigs, 1)
	assert.Equal(t, domain.CalcStatusCompleted, statusOf(t, f, "mgo-1", "OPT"))
}

func TestPoller_StartSweepsUntilStopped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, submit.Options{MaxJobs: 8})
	f.wireSignalHandling(t)
	p := newPoller(f, PollerOptions{Interval: 5 * time.Millisecond})

	_, err := f.manager.RegisterWorkflow(ctx, material("mgo-1"), mkplan(t, "OPT"))
	require.NoError(t, err)
	f.sched.SetJobState("job-1", ports.JobStateCompleted)

	p.Start(ctx)
	defer p.Stop()

	assert.Eventually(t, func() bool {
		wf, err := f.store.GetWorkflow(ctx, "mgo-1")
		if err != nil {
			return false
		}
		calc := wf.Calcs["OPT"]
		return calc != nil && calc.Status == domain.CalcStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}
