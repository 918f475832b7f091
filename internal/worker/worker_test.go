package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"cv-analyzer-go/internal/orchestrator"
	"cv-analyzer-go/internal/storage"
	"cv-analyzer-go/internal/storage/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDelivery struct {
	mu      sync.Mutex
	payload []byte
	attempt int64
	acked   bool
	retried bool
	leases  int
}

func newFakeDelivery(t *testing.T, msg *storage.AnalysisRequestMessage, attempt int64) *fakeDelivery {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return &fakeDelivery{payload: body, attempt: attempt}
}

func (d *fakeDelivery) Payload() []byte { return d.payload }
func (d *fakeDelivery) Attempt() int64  { return d.attempt }

func (d *fakeDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	return nil
}

func (d *fakeDelivery) Retry() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retried = true
	return nil
}

func (d *fakeDelivery) ExtendLease(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.leases++
	return nil
}

func (d *fakeDelivery) wasAcked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked
}

func (d *fakeDelivery) wasRetried() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.retried
}

type fakeQueue struct {
	mu      sync.Mutex
	batches [][]Delivery
	err     error
}

func (q *fakeQueue) Dequeue(ctx context.Context, maxMessages int) ([]Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.batches) == 0 {
		return nil, q.err
	}
	batch := q.batches[0]
	q.batches = q.batches[1:]
	return batch, q.err
}

type fakeProcessor struct {
	mu           sync.Mutex
	processErr   error
	processPanic bool
	processed    []string
	failed       map[string]error
	enterGate    chan struct{} // 非nil时，每次处理先向此发送信号
	proceedGate  chan struct{} // 非nil时，处理阻塞直到关闭
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{failed: make(map[string]error)}
}

func (p *fakeProcessor) ProcessMessage(ctx context.Context, msg *storage.AnalysisRequestMessage) error {
	if p.enterGate != nil {
		p.enterGate <- struct{}{}
	}
	if p.proceedGate != nil {
		<-p.proceedGate
	}
	if p.processPanic {
		panic("analyzer blew up")
	}
	p.mu.Lock()
	p.processed = append(p.processed, msg.ResumeID)
	p.mu.Unlock()
	return p.processErr
}

func (p *fakeProcessor) MarkPermanentlyFailed(ctx context.Context, msg *storage.AnalysisRequestMessage, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed[msg.ResumeID] = cause
}

func (p *fakeProcessor) processedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.processed)
}

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	denyAll  bool
	acquired int
	released int
	extended int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (l *fakeLocker) AcquireProcessingLock(ctx context.Context, resumeID string, expiration time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.denyAll || l.held[resumeID] {
		return "", nil
	}
	l.held[resumeID] = true
	l.acquired++
	return "token-" + resumeID, nil
}

func (l *fakeLocker) ReleaseProcessingLock(ctx context.Context, resumeID string, lockValue string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, resumeID)
	l.released++
	return true, nil
}

func (l *fakeLocker) ExtendProcessingLock(ctx context.Context, resumeID string, lockValue string, expiration time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held[resumeID] {
		return false, nil
	}
	l.extended++
	return true, nil
}

func testMessage(resumeID string) *storage.AnalysisRequestMessage {
	return &storage.AnalysisRequestMessage{
		ResumeID:    resumeID,
		UserID:      "user-1",
		FileName:    "resume.pdf",
		BlobURL:     "resume/" + resumeID + "/original.pdf",
		RawFileMD5:  "abc123",
		SubmittedAt: time.Now(),
	}
}

func TestRunIterationProcessesBatch(t *testing.T) {
	p := newFakeProcessor()
	d1 := newFakeDelivery(t, testMessage("resume-1"), 0)
	d2 := newFakeDelivery(t, testMessage("resume-2"), 0)
	q := &fakeQueue{batches: [][]Delivery{{d1, d2}}}

	w := New(q, p)
	require.NoError(t, w.RunIteration(context.Background()))

	assert.True(t, d1.wasAcked())
	assert.True(t, d2.wasAcked())
	assert.Equal(t, 2, p.processedCount())
	assert.Empty(t, p.failed)
}

func TestTransientFailureRetriesDelivery(t *testing.T) {
	p := newFakeProcessor()
	p.processErr = &orchestrator.AnalysisError{BaseErr: orchestrator.ErrAnalyzeFailed}
	d := newFakeDelivery(t, testMessage("resume-1"), 2)
	q := &fakeQueue{batches: [][]Delivery{{d}}}

	w := New(q, p)
	require.NoError(t, w.RunIteration(context.Background()))

	assert.False(t, d.wasAcked())
	assert.True(t, d.wasRetried(), "瞬时失败的消息应当退回队列")
	assert.Empty(t, p.failed, "瞬时失败不写终态")
}

func TestPermanentFailureMarksFailedAndAcks(t *testing.T) {
	p := newFakeProcessor()
	p.processErr = &orchestrator.AnalysisError{BaseErr: orchestrator.ErrEmptyDocument}
	d := newFakeDelivery(t, testMessage("resume-1"), 0)
	q := &fakeQueue{batches: [][]Delivery{{d}}}

	w := New(q, p)
	require.NoError(t, w.RunIteration(context.Background()))

	assert.True(t, d.wasAcked(), "永久失败写终态后确认消息")
	assert.False(t, d.wasRetried())
	require.Contains(t, p.failed, "resume-1")
	assert.True(t, errors.Is(p.failed["resume-1"], orchestrator.ErrEmptyDocument))
}

func TestMalformedPayloadIsAckedWithoutProcessing(t *testing.T) {
	p := newFakeProcessor()
	d := &fakeDelivery{payload: []byte("not json at all")}
	q := &fakeQueue{batches: [][]Delivery{{d}}}

	w := New(q, p)
	require.NoError(t, w.RunIteration(context.Background()))

	assert.True(t, d.wasAcked())
	assert.Equal(t, 0, p.processedCount())
	assert.Empty(t, p.failed)
}

func TestPanicIsTreatedAsTransient(t *testing.T) {
	p := newFakeProcessor()
	p.processPanic = true
	d := newFakeDelivery(t, testMessage("resume-1"), 1)
	q := &fakeQueue{batches: [][]Delivery{{d}}}

	w := New(q, p)
	require.NoError(t, w.RunIteration(context.Background()))

	assert.False(t, d.wasAcked())
	assert.True(t, d.wasRetried(), "panic按瞬时失败处理，消息退回队列")
	assert.Empty(t, p.failed)
}

func TestSameResumeNotProcessedConcurrently(t *testing.T) {
	p := newFakeProcessor()
	p.enterGate = make(chan struct{}, 2)
	p.proceedGate = make(chan struct{})

	d1 := newFakeDelivery(t, testMessage("resume-1"), 0)
	d2 := newFakeDelivery(t, testMessage("resume-1"), 0)
	q := &fakeQueue{batches: [][]Delivery{{d1, d2}}}

	w := New(q, p)
	done := make(chan struct{})
	go func() {
		_ = w.RunIteration(context.Background())
		close(done)
	}()

	// 等第一条进入处理
	<-p.enterGate

	// 第二条必须被退回而不是并发处理
	require.Eventually(t, func() bool {
		return d1.wasRetried() || d2.wasRetried()
	}, 2*time.Second, 10*time.Millisecond, "同一简历的第二条投递应当被退回")

	close(p.proceedGate)
	<-done

	assert.Equal(t, 1, p.processedCount(), "同一简历同时只处理一次")
	ackCount := 0
	if d1.wasAcked() {
		ackCount++
	}
	if d2.wasAcked() {
		ackCount++
	}
	assert.Equal(t, 1, ackCount)
}

func TestLockHeldByOtherInstanceRetriesDelivery(t *testing.T) {
	p := newFakeProcessor()
	l := newFakeLocker()
	l.held["resume-1"] = true // 模拟其他实例持有锁

	d := newFakeDelivery(t, testMessage("resume-1"), 0)
	q := &fakeQueue{batches: [][]Delivery{{d}}}

	w := New(q, p, WithLocker(l))
	require.NoError(t, w.RunIteration(context.Background()))

	assert.True(t, d.wasRetried())
	assert.Equal(t, 0, p.processedCount())
}

func TestLockReleasedAfterProcessing(t *testing.T) {
	p := newFakeProcessor()
	l := newFakeLocker()
	d := newFakeDelivery(t, testMessage("resume-1"), 0)
	q := &fakeQueue{batches: [][]Delivery{{d}}}

	w := New(q, p, WithLocker(l))
	require.NoError(t, w.RunIteration(context.Background()))

	assert.True(t, d.wasAcked())
	assert.Equal(t, 1, l.acquired)
	assert.Equal(t, 1, l.extended, "进入分析前应续期处理锁")
	assert.Equal(t, 1, l.released)
	assert.Empty(t, l.held)
}

func TestPartialDequeueStillProcessesBatch(t *testing.T) {
	p := newFakeProcessor()
	d := newFakeDelivery(t, testMessage("resume-1"), 0)
	q := &fakeQueue{batches: [][]Delivery{{d}}, err: errors.New("channel closed mid-batch")}

	w := New(q, p)
	require.NoError(t, w.RunIteration(context.Background()), "已取出的消息照常处理")

	assert.True(t, d.wasAcked())
	assert.Equal(t, 1, p.processedCount())
}

func TestDequeueErrorWithoutMessages(t *testing.T) {
	p := newFakeProcessor()
	q := &fakeQueue{err: errors.New("connection refused")}

	w := New(q, p)
	require.Error(t, w.RunIteration(context.Background()))
	assert.Equal(t, 0, p.processedCount())
}

// limitedQueue 模拟带投递上限的quorum队列：退回的消息以递增的
// 投递计数重新入队，超过上限后转入poison队列。
type limitedQueue struct {
	mu            sync.Mutex
	pending       []*limitedDelivery
	poison        [][]byte
	deliveryLimit int64
}

type limitedDelivery struct {
	q       *limitedQueue
	payload []byte
	attempt int64
}

func (d *limitedDelivery) Payload() []byte { return d.payload }
func (d *limitedDelivery) Attempt() int64  { return d.attempt }

func (d *limitedDelivery) Ack() error { return nil }

func (d *limitedDelivery) Retry() error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	next := d.attempt + 1
	if next > d.q.deliveryLimit {
		d.q.poison = append(d.q.poison, d.payload)
		return nil
	}
	d.q.pending = append(d.q.pending, &limitedDelivery{q: d.q, payload: d.payload, attempt: next})
	return nil
}

func (d *limitedDelivery) ExtendLease(ctx context.Context) error { return nil }

func (q *limitedQueue) Dequeue(ctx context.Context, maxMessages int) ([]Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	if n > maxMessages {
		n = maxMessages
	}
	out := make([]Delivery, 0, n)
	for _, d := range q.pending[:n] {
		out = append(out, d)
	}
	q.pending = q.pending[n:]
	return out, nil
}

func (q *limitedQueue) poisoned() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.poison
}

func TestDeliveryLimitRoutesMessageToPoison(t *testing.T) {
	const deliveryLimit = 3

	p := newFakeProcessor()
	// 提取持续失败，每次投递都以瞬时失败退回
	p.processErr = &orchestrator.AnalysisError{BaseErr: orchestrator.ErrExtractFailed}

	body, err := json.Marshal(testMessage("resume-1"))
	require.NoError(t, err)
	q := &limitedQueue{deliveryLimit: deliveryLimit}
	q.pending = []*limitedDelivery{{q: q, payload: body, attempt: 0}}

	w := New(q, p)
	for i := 0; i < deliveryLimit+2; i++ {
		require.NoError(t, w.RunIteration(context.Background()))
	}

	// 首投加上限内的重投递，恰好处理上限+1次后离开主队列
	assert.Equal(t, deliveryLimit+1, p.processedCount())
	assert.Empty(t, q.pending, "消息不再回到主队列")
	require.Len(t, q.poisoned(), 1)
	assert.Empty(t, p.failed, "瞬时失败阶段不写终态")

	// poison排水把简历写入失败终态
	assert.True(t, w.DrainPoisonMessage(context.Background(), q.poisoned()[0]))
	require.Contains(t, p.failed, "resume-1")
	assert.True(t, errors.Is(p.failed["resume-1"], ErrDeliveryLimitExhausted))
}

func TestLeaseExtendedBeforeProcessing(t *testing.T) {
	p := newFakeProcessor()
	d := newFakeDelivery(t, testMessage("resume-1"), 0)
	q := &fakeQueue{batches: [][]Delivery{{d}}}

	w := New(q, p)
	require.NoError(t, w.RunIteration(context.Background()))

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, 1, d.leases)
}

func TestDrainPoisonMessageMarksPermanentFailure(t *testing.T) {
	p := newFakeProcessor()
	w := New(&fakeQueue{}, p)

	body, err := json.Marshal(testMessage("resume-1"))
	require.NoError(t, err)

	assert.True(t, w.DrainPoisonMessage(context.Background(), body))
	require.Contains(t, p.failed, "resume-1")
	assert.True(t, errors.Is(p.failed["resume-1"], ErrDeliveryLimitExhausted))
}

func TestDrainPoisonMessageMalformedBody(t *testing.T) {
	p := newFakeProcessor()
	w := New(&fakeQueue{}, p)

	assert.True(t, w.DrainPoisonMessage(context.Background(), []byte("garbage")))
	assert.Empty(t, p.failed)
}

// ---- Sweeper ----

type fakeExpiryStore struct {
	mu      sync.Mutex
	expired []models.Resume
	deleted []string
}

func (s *fakeExpiryStore) ListExpiredAnonymousResumes(ctx context.Context, now time.Time, limit int) ([]models.Resume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired, nil
}

func (s *fakeExpiryStore) DeleteResume(ctx context.Context, resumeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, resumeID)
	for i, r := range s.expired {
		if r.ResumeID == resumeID {
			s.expired = append(s.expired[:i], s.expired[i+1:]...)
			break
		}
	}
	return nil
}

type fakeBlobDeleter struct {
	mu      sync.Mutex
	deleted []string
	failFor map[string]bool
}

func (b *fakeBlobDeleter) DeleteResume(ctx context.Context, objectKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failFor[objectKey] {
		return errors.New("minio unavailable")
	}
	b.deleted = append(b.deleted, objectKey)
	return nil
}

func TestSweeperDeletesExpiredAnonymousResumes(t *testing.T) {
	store := &fakeExpiryStore{expired: []models.Resume{
		{ResumeID: "res-1", BlobURL: "resume/res-1/original.pdf", IsAnonymous: true},
		{ResumeID: "res-2", BlobURL: "resume/res-2/original.pdf", IsAnonymous: true},
	}}
	blob := &fakeBlobDeleter{}

	s := NewSweeper(store, blob, time.Hour)
	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"res-1", "res-2"}, store.deleted)
	assert.Len(t, blob.deleted, 2)
}

func TestSweeperKeepsRecordWhenBlobDeleteFails(t *testing.T) {
	store := &fakeExpiryStore{expired: []models.Resume{
		{ResumeID: "res-1", BlobURL: "resume/res-1/original.pdf", IsAnonymous: true},
	}}
	blob := &fakeBlobDeleter{failFor: map[string]bool{"resume/res-1/original.pdf": true}}

	s := NewSweeper(store, blob, time.Hour)
	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, store.deleted, "原件删除失败时保留记录等待重试")
}
