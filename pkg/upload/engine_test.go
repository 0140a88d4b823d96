package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webdeploy/pkg/logger"
	"webdeploy/pkg/storage"
)

type fakeClient struct {
	mu       sync.Mutex
	calls    map[string]int
	failures map[string]int // remaining failures per remote path
	failWith error
	delay    time.Duration
	onCall   func(remotePath string)

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		calls:    make(map[string]int),
		failures: make(map[string]int),
		failWith: errors.New("connection reset"),
	}
}

func (f *fakeClient) UploadFile(ctx context.Context, localPath, remotePath string, overwrite, createRemoteDir bool) error {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	if f.onCall != nil {
		f.onCall(remotePath)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[remotePath]++
	if f.failures[remotePath] != 0 {
		if f.failures[remotePath] > 0 {
			f.failures[remotePath]--
		}
		return f.failWith
	}
	return nil
}

func (f *fakeClient) callCount(remotePath string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[remotePath]
}

func (f *fakeClient) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

type recordingObserver struct {
	mu        sync.Mutex
	completed []Result
	progress  []Progress
	retries   int
}

func (r *recordingObserver) OnFileCompleted(result Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, result)
}

func (r *recordingObserver) OnProgress(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recordingObserver) OnRetry(task Task, attempt int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries++
}

// unsyncedObserver keeps plain counters and relies on the engine to
// serialize its calls.
type unsyncedObserver struct {
	completed int
	progress  int
	retries   int
}

func (u *unsyncedObserver) OnFileCompleted(Result) { u.completed++ }
func (u *unsyncedObserver) OnProgress(Progress) { u.progress++ }
func (u *unsyncedObserver) OnRetry(Task, int, error) {
	u.retries++
}

func makeTasks(n int) []Task {
	tasks := make([]Task, n)
	for i := range tasks {
		tasks[i] = Task{
			LocalPath:  fmt.Sprintf("/tmp/out/file%03d.txt", i),
			RemotePath: fmt.Sprintf("file%03d.txt", i),
			Size:       int64(i + 1),
			Overwrite:  true,
		}
	}
	return tasks
}

func newTestEngine(client Client, concurrency, retries int, opts ...Option) *Engine {
	opts = append([]Option{WithRetryDelay(time.Millisecond), WithLogger(logger.Discard())}, opts...)
	return New(client, concurrency, retries, opts...)
}

func TestNewClampsLimits(t *testing.T) {
	e := New(newFakeClient(), 0, -3)
	assert.Equal(t, 1, e.Concurrency())
	assert.Equal(t, 0, e.MaxRetries())

	e = New(newFakeClient(), 100, 99)
	assert.Equal(t, MaxConcurrency, e.Concurrency())
	assert.Equal(t, MaxRetries, e.MaxRetries())
}

func TestUploadBatchEmpty(t *testing.T) {
	obs := &recordingObserver{}
	client := newFakeClient()
	results, err := newTestEngine(client, 4, 2, WithObserver(obs)).UploadBatch(context.Background(), nil)

	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, obs.completed)
	assert.Empty(t, obs.progress)
	assert.Zero(t, client.totalCalls())
}

func TestUploadBatchOneResultPerTask(t *testing.T) {
	tasks := makeTasks(50)
	client := newFakeClient()

	results, err := newTestEngine(client, 8, 0).UploadBatch(context.Background(), tasks)
	require.NoError(t, err)
	require.Len(t, results, len(tasks))

	for i, res := range results {
		assert.Equal(t, tasks[i], res.Task)
		assert.True(t, res.Success)
		assert.Equal(t, 1, res.Attempts)
		assert.Equal(t, tasks[i].Size, res.BytesTransferred)
		assert.Equal(t, 1, client.callCount(tasks[i].RemotePath))
	}
}

func TestUploadBatchRespectsConcurrency(t *testing.T) {
	client := newFakeClient()
	client.delay = 5 * time.Millisecond

	_, err := newTestEngine(client, 3, 0).UploadBatch(context.Background(), makeTasks(20))
	require.NoError(t, err)
	assert.LessOrEqual(t, int(client.maxInFlight.Load()), 3)
}

func TestUploadBatchRetries(t *testing.T) {
	const maxRetries = 3

	t.Run("success on the last attempt", func(t *testing.T) {
		client := newFakeClient()
		client.failures["file000.txt"] = maxRetries
		obs := &recordingObserver{}

		results, err := newTestEngine(client, 2, maxRetries, WithObserver(obs)).UploadBatch(context.Background(), makeTasks(1))
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.True(t, results[0].Success)
		assert.NoError(t, results[0].Err)
		assert.Equal(t, maxRetries+1, results[0].Attempts)
		assert.Equal(t, maxRetries+1, client.callCount("file000.txt"))
		assert.Equal(t, maxRetries, obs.retries)
	})

	t.Run("every attempt fails", func(t *testing.T) {
		client := newFakeClient()
		client.failures["file000.txt"] = -1

		results, err := newTestEngine(client, 2, maxRetries).UploadBatch(context.Background(), makeTasks(1))
		require.NoError(t, err)
		assert.False(t, results[0].Success)
		assert.False(t, results[0].Cancelled)
		assert.ErrorContains(t, results[0].Err, "connection reset")
		assert.Equal(t, maxRetries+1, results[0].Attempts)
		assert.Equal(t, maxRetries+1, client.callCount("file000.txt"))
	})

	t.Run("permanent errors stop retrying", func(t *testing.T) {
		client := newFakeClient()
		client.failures["file000.txt"] = -1
		client.failWith = &storage.StorageError{Type: storage.ErrorTypeAccessDenied, Message: "denied"}

		results, err := newTestEngine(client, 2, maxRetries).UploadBatch(context.Background(), makeTasks(1))
		require.NoError(t, err)
		assert.False(t, results[0].Success)
		assert.Equal(t, 1, results[0].Attempts)
		assert.Equal(t, 1, client.callCount("file000.txt"))

		var se *storage.StorageError
		assert.True(t, errors.As(results[0].Err, &se))
	})
}

func TestUploadBatchSerializesObserverCalls(t *testing.T) {
	const (
		files      = 64
		maxRetries = 3
	)
	client := newFakeClient()
	tasks := makeTasks(files)
	for _, task := range tasks {
		client.failures[task.RemotePath] = -1
	}
	obs := &unsyncedObserver{}

	results, err := newTestEngine(client, 8, maxRetries, WithObserver(obs)).UploadBatch(context.Background(), tasks)
	require.NoError(t, err)
	require.Len(t, results, files)

	assert.Equal(t, files*maxRetries, obs.retries)
	assert.Equal(t, files, obs.completed)
	assert.Equal(t, files, obs.progress)
}

func TestUploadBatchDuplicateRemotePath(t *testing.T) {
	tasks := makeTasks(3)
	tasks[2].RemotePath = "FILE000.txt"
	client := newFakeClient()

	results, err := newTestEngine(client, 2, 0).UploadBatch(context.Background(), tasks)
	assert.ErrorIs(t, err, ErrDuplicateRemotePath)
	assert.Nil(t, results)
	assert.Zero(t, client.totalCalls())
}

func TestUploadBatchPreCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := newFakeClient()

	results, err := newTestEngine(client, 4, 0).UploadBatch(ctx, makeTasks(10))
	require.NoError(t, err)
	require.Len(t, results, 10)
	for _, res := range results {
		assert.True(t, res.Cancelled)
		assert.ErrorIs(t, res.Err, ErrTaskCancelled)
		assert.False(t, res.Success)
	}
	assert.Zero(t, client.totalCalls())
}

func TestUploadBatchCancelledMidway(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newFakeClient()
	client.delay = 10 * time.Millisecond
	var once sync.Once
	client.onCall = func(string) { once.Do(cancel) }

	results, err := newTestEngine(client, 2, 0).UploadBatch(ctx, makeTasks(20))
	require.NoError(t, err)
	require.Len(t, results, 20)

	var succeeded, cancelled int
	for _, res := range results {
		switch {
		case res.Success:
			succeeded++
			assert.Equal(t, 1, client.callCount(res.Task.RemotePath))
		case res.Cancelled:
			cancelled++
			assert.Zero(t, client.callCount(res.Task.RemotePath))
		default:
			t.Fatalf("unexpected result %+v", res)
		}
	}
	// claimed tasks finish even though ctx was cancelled
	assert.GreaterOrEqual(t, succeeded, 1)
	assert.LessOrEqual(t, succeeded, 2)
	assert.Equal(t, 20, succeeded+cancelled)
}

func TestUploadBatchProgressIsMonotonic(t *testing.T) {
	tasks := makeTasks(40)
	client := newFakeClient()
	client.failures["file007.txt"] = -1
	client.failures["file021.txt"] = -1
	obs := &recordingObserver{}

	_, err := newTestEngine(client, 6, 1, WithObserver(obs)).UploadBatch(context.Background(), tasks)
	require.NoError(t, err)

	require.Len(t, obs.progress, len(tasks))
	require.Len(t, obs.completed, len(tasks))
	for i := 1; i < len(obs.progress); i++ {
		prev, cur := obs.progress[i-1], obs.progress[i]
		assert.GreaterOrEqual(t, cur.CompletedFiles, prev.CompletedFiles)
		assert.GreaterOrEqual(t, cur.UploadedBytes, prev.UploadedBytes)
	}

	last := obs.progress[len(obs.progress)-1]
	var totalBytes, failedBytes int64
	for _, task := range tasks {
		totalBytes += task.Size
	}
	failedBytes = tasks[7].Size + tasks[21].Size
	assert.Equal(t, int64(40), last.CompletedFiles)
	assert.Equal(t, int64(38), last.UploadedFiles)
	assert.Equal(t, int64(2), last.FailedFiles)
	assert.Equal(t, int64(40), last.TotalFiles)
	assert.Equal(t, totalBytes, last.TotalBytes)
	assert.Equal(t, totalBytes-failedBytes, last.UploadedBytes)
}

func TestUploadBatchRemoteRoot(t *testing.T) {
	client := newFakeClient()
	tasks := []Task{{LocalPath: "/out/a.css", RemotePath: `css\a.css`}}

	_, err := newTestEngine(client, 1, 0, WithRemoteRoot("/srv/site")).UploadBatch(context.Background(), tasks)
	require.NoError(t, err)
	assert.Equal(t, 1, client.callCount("/srv/site/css/a.css"))
}

func TestUploadBatchPriorityOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	client := newFakeClient()
	client.onCall = func(p string) {
		mu.Lock()
		order = append(order, p)
		mu.Unlock()
	}

	tasks := makeTasks(3)
	tasks[2].Priority = 10

	_, err := newTestEngine(client, 1, 0).UploadBatch(context.Background(), tasks)
	require.NoError(t, err)
	assert.Equal(t, []string{"file002.txt", "file000.txt", "file001.txt"}, order)
}
