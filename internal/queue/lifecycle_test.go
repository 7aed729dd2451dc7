package queue_test

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aiworkflow/jobhub/internal/generate"
	"github.com/aiworkflow/jobhub/internal/jobs"
	"github.com/aiworkflow/jobhub/internal/queue"
)

// streamEvent は購読チャネルに流れるメッセージのうち検証に使う項目です。
type streamEvent struct {
	Type     string          `json:"type"`
	JobID    jobs.JobID      `json:"jobId"`
	Status   jobs.Status     `json:"status"`
	Progress int             `json:"progress"`
	Result   json.RawMessage `json:"result"`
}

func (e streamEvent) connected() bool {
	return e.Type == "connected" && e.Status == ""
}

// collect は終端ステータスを受け取るか timeout までメッセージを集めます。
func collect(sub *jobs.Subscription, timeout time.Duration) []streamEvent {
	var events []streamEvent
	deadline := time.After(timeout)
	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return events
			}
			var ev streamEvent
			Expect(json.Unmarshal(msg, &ev)).To(Succeed())
			events = append(events, ev)
			if ev.Status.Terminal() {
				return events
			}
		case <-deadline:
			return events
		}
	}
}

func statuses(events []streamEvent) []jobs.Status {
	out := make([]jobs.Status, 0, len(events))
	for _, ev := range events {
		if !ev.connected() {
			out = append(out, ev.Status)
		}
	}
	return out
}

func terminalCount(events []streamEvent) int {
	n := 0
	for _, ev := range events {
		if ev.Status.Terminal() {
			n++
		}
	}
	return n
}

var _ = Describe("Job lifecycle", func() {
	var (
		ctx      context.Context
		backend  *queue.Memory
		registry *jobs.Registry
		hub      *jobs.Hub
		manager  *jobs.Manager
		interval time.Duration
	)

	JustBeforeEach(func() {
		ctx = context.Background()
		logger := log.New(io.Discard, "", 0)

		backend = queue.NewMemory(queue.Options{Concurrency: 2, ShutdownTimeout: time.Second}, logger)
		registry = jobs.NewRegistry()
		hub = jobs.NewHub(nil, logger)

		worker, err := jobs.NewWorker(registry, hub, generate.NewService("/assets"), jobs.WorkerOptions{
			StartDelay: 20 * time.Millisecond,
			Interval:   interval,
			Step:       20,
		}, logger)
		Expect(err).NotTo(HaveOccurred())

		manager, err = jobs.NewManager(backend, registry, hub, jobs.RetryPolicy{Attempts: 3, Backoff: 10 * time.Millisecond}, logger)
		Expect(err).NotTo(HaveOccurred())
		Expect(backend.Start(worker)).To(Succeed())
	})

	BeforeEach(func() {
		interval = 5 * time.Millisecond
	})

	AfterEach(func() {
		Expect(backend.Shutdown()).To(Succeed())
	})

	submit := func(kind jobs.Kind) jobs.JobID {
		sub, err := manager.Submit(ctx, jobs.SubmitRequest{Kind: kind, Brand: jobs.Brand2, Prompt: "a lighthouse at dusk"})
		Expect(err).NotTo(HaveOccurred())
		Expect(sub.Status).To(Equal(jobs.StatusQueued))
		Expect(sub.Progress).To(BeZero())
		return sub.JobID
	}

	Describe("a job that runs to completion", func() {
		It("streams every checkpoint once and finishes with the result", func() {
			id := submit(jobs.KindImageGeneration)
			sub, err := manager.Subscribe(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			defer manager.Unsubscribe(sub)

			events := collect(sub, 3*time.Second)
			Expect(events).NotTo(BeEmpty())
			Expect(events[0].connected()).To(BeTrue())

			var progress []int
			for _, ev := range events {
				if ev.Status == jobs.StatusProcessing {
					progress = append(progress, ev.Progress)
				}
			}
			Expect(progress).To(Equal([]int{0, 20, 40, 60, 80}))

			last := events[len(events)-1]
			Expect(last.Status).To(Equal(jobs.StatusCompleted))
			Expect(last.Progress).To(Equal(100))
			Expect(string(last.Result)).To(ContainSubstring("/assets/images/"))
			Expect(terminalCount(events)).To(Equal(1))

			Eventually(func() jobs.Status {
				records, err := manager.List(ctx, jobs.ListFilter{})
				Expect(err).NotTo(HaveOccurred())
				for _, rec := range records {
					if rec.JobID == id {
						return rec.Status
					}
				}
				return ""
			}, 2*time.Second, 10*time.Millisecond).Should(Equal(jobs.StatusCompleted))
		})

		It("rejects cancellation after completion", func() {
			id := submit(jobs.KindTextGeneration)
			Eventually(func() jobs.State {
				job, _ := backend.Lookup(ctx, id)
				if job == nil {
					return ""
				}
				return job.State
			}, 2*time.Second, 5*time.Millisecond).Should(Equal(jobs.StateCompleted))

			_, err := manager.Cancel(ctx, id)
			Expect(err).To(MatchError(jobs.ErrInvalidState))

			_, err = manager.Retry(ctx, id)
			Expect(err).To(MatchError(jobs.ErrInvalidState))
		})
	})

	Describe("cancelling a job that is still running", func() {
		BeforeEach(func() {
			interval = 40 * time.Millisecond
		})

		It("stops at the next checkpoint and can be retried", func() {
			id := submit(jobs.KindVideoGeneration)
			sub, err := manager.Subscribe(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			defer manager.Unsubscribe(sub)

			Eventually(func() jobs.State {
				job, _ := backend.Lookup(ctx, id)
				if job == nil {
					return ""
				}
				return job.State
			}, 2*time.Second, 5*time.Millisecond).Should(Equal(jobs.StateActive))

			outcome, err := manager.Cancel(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(jobs.CancelRequested))

			events := collect(sub, 3*time.Second)
			Expect(events[len(events)-1].Status).To(Equal(jobs.StatusCancelled))
			Expect(terminalCount(events)).To(Equal(1))
			Expect(statuses(events)).NotTo(ContainElement(jobs.StatusCompleted))

			Consistently(sub.Messages(), 100*time.Millisecond).ShouldNot(Receive())

			records, err := manager.List(ctx, jobs.ListFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(ContainElement(HaveField("Status", jobs.StatusCancelled)))

			retried, err := manager.Retry(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(retried.JobID).To(Equal(id))
			Expect(retried.Status).To(Equal(jobs.StatusQueued))

			events = collect(sub, 3*time.Second)
			Expect(statuses(events)[0]).To(Equal(jobs.StatusQueued))
			Expect(events[len(events)-1].Status).To(Equal(jobs.StatusCompleted))
		})
	})

	Describe("cancelling a job that has not started", func() {
		BeforeEach(func() {
			interval = 40 * time.Millisecond
		})

		It("removes it from the queue and keeps it retrievable", func() {
			// 2 本のワーカーを埋めて 3 件目を待機させる
			submit(jobs.KindTextGeneration)
			submit(jobs.KindTextGeneration)
			id := submit(jobs.KindModelFineTuning)

			sub, err := manager.Subscribe(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			defer manager.Unsubscribe(sub)

			outcome, err := manager.Cancel(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome).To(Equal(jobs.CancelCompleted))

			events := collect(sub, time.Second)
			Expect(statuses(events)).To(ContainElement(jobs.StatusCancelled))
			Expect(statuses(events)).NotTo(ContainElement(jobs.StatusProcessing))

			job, err := backend.Lookup(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(job).To(BeNil())

			again, err := manager.Cancel(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(Equal(jobs.CancelAlreadyDone))

			hidden, err := manager.List(ctx, jobs.ListFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(hidden).NotTo(ContainElement(HaveField("JobID", id)))

			shown, err := manager.List(ctx, jobs.ListFilter{IncludeCancelled: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(shown).To(ContainElement(And(HaveField("JobID", id), HaveField("Status", jobs.StatusCancelled))))

			_, err = manager.Retry(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() jobs.State {
				job, _ := backend.Lookup(ctx, id)
				if job == nil {
					return ""
				}
				return job.State
			}, 3*time.Second, 10*time.Millisecond).Should(Equal(jobs.StateCompleted))
			Expect(registry.IsCancelled(id)).To(BeFalse())
		})
	})

	Describe("unknown jobs", func() {
		It("reports not found for cancel and retry", func() {
			_, err := manager.Cancel(ctx, 9999)
			Expect(err).To(MatchError(jobs.ErrNotFound))
			_, err = manager.Retry(ctx, 9999)
			Expect(err).To(MatchError(jobs.ErrNotFound))
		})
	})

	Describe("many subscribers", func() {
		It("delivers the same sequence to each of them", func() {
			id := submit(jobs.KindTextGeneration)
			subs := make([]*jobs.Subscription, 3)
			for i := range subs {
				sub, err := manager.Subscribe(ctx, id)
				Expect(err).NotTo(HaveOccurred())
				subs[i] = sub
			}
			var first []jobs.Status
			for i, sub := range subs {
				events := collect(sub, 3*time.Second)
				Expect(events[len(events)-1].Status).To(Equal(jobs.StatusCompleted))
				got := statuses(events)
				if i == 0 {
					first = got
					continue
				}
				Expect(got[len(got)-1]).To(Equal(first[len(first)-1]))
				manager.Unsubscribe(sub)
			}
			manager.Unsubscribe(subs[0])
			Expect(hub.Subscribers(id)).To(BeZero())
		})
	})
})
