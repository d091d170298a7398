package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// SendFunc delivers one encoded change record.
type SendFunc func(ctx context.Context, msg string) error

// ChangeRecord is the message published on the change feed after a write.
type ChangeRecord struct {
	Kind      domain.ChangeKind `json:"kind"`
	TaskID    string            `json:"taskId"`
	Task      *domain.Task      `json:"task,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// FeedOptions sizes the feed worker pool.
type FeedOptions struct {
	Workers        int
	Buffer         int
	SendTimeout    time.Duration
	HandoffTimeout time.Duration
}

func (o FeedOptions) withDefaults() FeedOptions {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Buffer <= 0 {
		o.Buffer = 1024
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	if o.HandoffTimeout < 0 {
		o.HandoffTimeout = 0
	}
	return o
}

// Feed decorates a repository and publishes a ChangeRecord for every
// successful write. Publishing happens on a worker pool and never fails the
// write; records that cannot be handed off in time are dropped and logged.
type Feed struct {
	base    domain.TaskRepository
	send    SendFunc
	log     *log.Logger
	opts    FeedOptions
	jobs    chan ChangeRecord
	wg      sync.WaitGroup
	closing sync.Once
	last    int64
}

// NewQueueSender returns a SendFunc enqueueing messages on an Azure Storage queue.
func NewQueueSender(connStr, queue string) (SendFunc, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queue, &opts)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, msg string) error {
		_, err := q.EnqueueMessage(ctx, msg, nil)
		return err
	}, nil
}

// NewFeed starts the worker pool. Close must be called to drain it.
func NewFeed(base domain.TaskRepository, send SendFunc, logger *log.Logger, opts FeedOptions) *Feed {
	if base == nil {
		panic("storage.NewFeed: base repository is nil")
	}
	if send == nil {
		panic("storage.NewFeed: send func is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	opts = opts.withDefaults()
	f := &Feed{
		base: base,
		send: send,
		log:  logger,
		opts: opts,
		jobs: make(chan ChangeRecord, opts.Buffer),
	}
	for i := 0; i < opts.Workers; i++ {
		f.wg.Add(1)
		go f.worker(i)
	}
	logger.Infof("change feed started, workers: %d, buffer: %d, timeout: %v, handoff: %v", opts.Workers, opts.Buffer, opts.SendTimeout, opts.HandoffTimeout)
	return f
}

func (f *Feed) GetAll(ctx context.Context) ([]domain.Task, error) {
	return f.base.GetAll(ctx)
}

func (f *Feed) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	return f.base.GetByID(ctx, id)
}

func (f *Feed) GetByState(ctx context.Context, state domain.State) ([]domain.Task, error) {
	return f.base.GetByState(ctx, state)
}

func (f *Feed) Add(ctx context.Context, task domain.Task) (domain.Task, error) {
	added, err := f.base.Add(ctx, task)
	if err != nil {
		return domain.Task{}, err
	}
	f.publish(domain.TaskCreated, added.ID, &added)
	return added, nil
}

func (f *Feed) Update(ctx context.Context, task domain.Task) (domain.Task, error) {
	updated, err := f.base.Update(ctx, task)
	if err != nil {
		return domain.Task{}, err
	}
	f.publish(domain.TaskUpdated, updated.ID, &updated)
	return updated, nil
}

func (f *Feed) Delete(ctx context.Context, id string) error {
	if err := f.base.Delete(ctx, id); err != nil {
		return err
	}
	f.publish(domain.TaskDeleted, id, nil)
	return nil
}

// Ping forwards to the wrapped store when it can be pinged.
func (f *Feed) Ping(ctx context.Context) error {
	if p, ok := f.base.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close stops accepting records and waits for queued ones to be sent or ctx to end.
func (f *Feed) Close(ctx context.Context) error {
	f.closing.Do(func() { close(f.jobs) })
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Feed) publish(kind domain.ChangeKind, id string, task *domain.Task) {
	rec := ChangeRecord{Kind: kind, TaskID: id, Task: task, Timestamp: f.nextTimestamp()}
	if !f.tryEnqueue(rec) {
		f.log.WithFields(log.Fields{"kind": kind, "taskId": id}).Warn("change feed full, record dropped")
	}
}

func (f *Feed) worker(id int) {
	defer f.wg.Done()
	for rec := range f.jobs {
		data, err := sonic.Marshal(rec)
		if err != nil {
			f.log.WithError(err).WithField("taskId", rec.TaskID).Error("encode change record")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), f.opts.SendTimeout)
		err = f.send(ctx, string(data))
		cancel()
		if err != nil {
			f.log.Errorf("change feed send failed, err: %v, kind: %s, task: %s, worker: %d", err, rec.Kind, rec.TaskID, id)
		}
	}
}

func (f *Feed) tryEnqueue(rec ChangeRecord) bool {
	if ok, closed := trySendNonBlocking(f.jobs, rec); closed {
		return false
	} else if ok {
		return true
	}

	if f.opts.HandoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(f.opts.HandoffTimeout)
	defer timer.Stop()

	ok, _ := sendWithTimer(f.jobs, rec, timer.C)
	return ok
}

// nextTimestamp returns a strictly increasing Unix-nano stamp.
func (f *Feed) nextTimestamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&f.last)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&f.last, last, now) {
			return now
		}
	}
}

func trySendNonBlocking(ch chan ChangeRecord, rec ChangeRecord) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- rec:
		return true, false
	default:
		return false, false
	}
}

func sendWithTimer(ch chan ChangeRecord, rec ChangeRecord, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- rec:
		return true, false
	case <-timer:
		return false, false
	}
}
