// Package worker implements the worker process's consume/judge/report
// loop on top of the dispatcher channel, the ingest store and the
// submission orchestrator.
package worker

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"ojworker/internal/judge/dispatcher"
	"ojworker/internal/judge/ingest"
	"ojworker/internal/judge/sandbox"
	"ojworker/pkg/errors"
	"ojworker/pkg/utils/logger"

	"go.uber.org/zap"
)

// Version is reported to the dispatcher as part of systemInfo; overridden
// at build time via -ldflags where a real release process wants it.
var Version = "dev"

type taskDelivery struct {
	task  dispatcher.Task
	ackID string
}

// Loop ties one dispatcher connection to the submission orchestrator: one
// goroutine per consumer thread index, each repeatedly announcing itself
// ready and then running whatever task the dispatcher pushes back.
type Loop struct {
	client      *dispatcher.Client
	svc         sandbox.Service
	store       *ingest.Store
	profiles    ProfileSet
	concurrency int

	threadChans []chan taskDelivery
}

// NewLoop builds a loop over an already-constructed client and
// orchestrator. Call client.SetHandlers(loop.Handlers()) before
// client.Connect so task/cancel pushes reach this loop.
func NewLoop(client *dispatcher.Client, svc sandbox.Service, store *ingest.Store, profiles ProfileSet, concurrency int) *Loop {
	if concurrency < 1 {
		concurrency = 1
	}
	l := &Loop{
		client:      client,
		svc:         svc,
		store:       store,
		profiles:    profiles,
		concurrency: concurrency,
		threadChans: make([]chan taskDelivery, concurrency),
	}
	for i := range l.threadChans {
		l.threadChans[i] = make(chan taskDelivery, 1)
	}
	return l
}

// Handlers returns the dispatcher.Handlers wired to this loop's task and
// cancel routing.
func (l *Loop) Handlers() dispatcher.Handlers {
	return dispatcher.Handlers{OnTask: l.onTask, OnCancel: l.onCancel}
}

// NewReporter builds a sandbox.StatusReporter that coalesces intermediate
// progress snapshots before forwarding them over client, flushing Finished
// snapshots immediately.
func NewReporter(client *dispatcher.Client, delay time.Duration) sandbox.StatusReporter {
	return newDebouncedReporter(delay, func(ctx context.Context, submissionID string, snapshot sandbox.ProgressSnapshot) error {
		return client.SendProgress(submissionID, snapshot)
	})
}

// Run announces readiness and runs one consumer goroutine per thread
// index until ctx is canceled (clean shutdown, exit code 0) or the
// dispatcher connection is lost (exit code 100, per the worker process's
// restart contract).
func (l *Loop) Run(ctx context.Context) error {
	if err := l.client.SendReady(); err != nil {
		return errors.Wrap(err, errors.DispatcherLost)
	}

	hostname, _ := os.Hostname()
	if err := l.client.SendSystemInfo(dispatcher.SystemInfo{
		Hostname:       hostname,
		CPUCount:       runtime.NumCPU(),
		MaxConcurrency: l.concurrency,
		Version:        Version,
	}); err != nil {
		logger.Warn(ctx, "send system info failed", zap.Error(err))
	}

	var wg sync.WaitGroup
	for i := 0; i < l.concurrency; i++ {
		wg.Add(1)
		go func(threadIndex int) {
			defer wg.Done()
			l.consumerLoop(ctx, threadIndex)
		}(i)
	}

	select {
	case <-ctx.Done():
		l.client.Close()
		wg.Wait()
		return nil
	case <-l.client.Done():
		wg.Wait()
		return errors.New(errors.DispatcherLost)
	}
}

func (l *Loop) consumerLoop(ctx context.Context, threadIndex int) {
	ch := l.threadChans[threadIndex]
	for {
		if err := l.client.SendConsume(threadIndex); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-l.client.Done():
			return
		case delivery := <-ch:
			l.handle(ctx, delivery)
		}
	}
}

func (l *Loop) onTask(threadIndex int, task dispatcher.Task, ackID string) {
	if threadIndex < 0 || threadIndex >= len(l.threadChans) {
		logger.Warn(context.Background(), "task for unknown thread index", zap.Int("threadIndex", threadIndex))
		return
	}
	l.threadChans[threadIndex] <- taskDelivery{task: task, ackID: ackID}
}

func (l *Loop) onCancel(taskID string) {
	// The dispatcher's task id and the submission id coincide throughout
	// this protocol, so cancellation routes straight to Orchestrator.Kill.
	if err := l.svc.Kill(context.Background(), taskID); err != nil {
		logger.Warn(context.Background(), "cancel submission failed", zap.String("submissionId", taskID), zap.Error(err))
	}
}

func (l *Loop) handle(ctx context.Context, d taskDelivery) {
	req, err := buildJudgeRequest(ctx, l.store, l.profiles, d.task, l.client.Limits)
	if err != nil {
		logger.Error(ctx, "build judge request failed", zap.String("submissionId", d.task.SubmissionID), zap.Error(err))
		if ackErr := l.client.SendAck(d.ackID); ackErr != nil {
			logger.Warn(ctx, "send ack failed", zap.Error(ackErr))
		}
		return
	}

	if _, err := l.svc.Judge(ctx, req); err != nil {
		logger.Error(ctx, "judge submission failed", zap.String("submissionId", d.task.SubmissionID), zap.Error(err))
	}
	if err := l.client.SendAck(d.ackID); err != nil {
		logger.Warn(ctx, "send ack failed", zap.Error(err))
	}
	if clearer, ok := l.svc.(statusClearer); ok {
		clearer.ClearStatus(d.task.SubmissionID)
	}
}

// statusClearer is implemented by orchestrators that keep an admin-surface
// progress cache; the dispatcher's ack is this loop's only signal that a
// submission's terminal snapshot has been delivered and can be discarded.
type statusClearer interface {
	ClearStatus(submissionID string)
}
