//go:build integration
// +build integration

package web

import (
	"bytes"
	"context"
	"flag"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ssuji15/loracloud/internal/component"
	"github.com/ssuji15/loracloud/internal/config"
	"github.com/ssuji15/loracloud/internal/db"
	"github.com/ssuji15/loracloud/internal/jobs"
	"github.com/ssuji15/loracloud/internal/lifecycle"
	"github.com/ssuji15/loracloud/internal/provider/memory"
	"github.com/ssuji15/loracloud/internal/queue"
	"github.com/ssuji15/loracloud/internal/storage"
	smemory "github.com/ssuji15/loracloud/internal/storage/memory"
	"github.com/ssuji15/loracloud/internal/tunnel"
	"github.com/ssuji15/loracloud/model"
	tdb "github.com/ssuji15/loracloud/tests/integration_test/infra/db"
	tjetstream "github.com/ssuji15/loracloud/tests/integration_test/infra/jetstream"
	tminio "github.com/ssuji15/loracloud/tests/integration_test/infra/minio"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

var (
	testDB         *db.DB
	dbContainer    testcontainers.Container
	POSTGRES_URL   string
	natsContainer  testcontainers.Container
	JETSTREAM_URL  string
	minioContainer testcontainers.Container
	MINIO_ENDPOINT string
)

func setServerEnv() {
	os.Setenv("SERVICE_NAME", "loracloud")
	os.Setenv("PROVIDER_TYPE", "memory")
	os.Setenv("STORAGE_TYPE", "minio")
	os.Setenv("CACHE_TYPE", "freecache")
	os.Setenv("QUEUE_TYPE", "jetstream")
	os.Setenv("STORE_TYPE", "postgres")
	os.Setenv("JETSTREAM_URL", JETSTREAM_URL)
	os.Setenv("POSTGRES_URL", POSTGRES_URL)
	tminio.SetMinioEnv(MINIO_ENDPOINT)
}

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(0)
	}
	ctx := context.Background()
	dbContainer, testDB, POSTGRES_URL = tdb.SetupContainer(ctx)
	natsContainer, JETSTREAM_URL = tjetstream.SetupContainer(ctx)
	minioContainer, MINIO_ENDPOINT = tminio.SetupContainer(ctx)
	setServerEnv()

	code := m.Run()
	testDB.Close()
	_ = natsContainer.Terminate(ctx)
	_ = dbContainer.Terminate(ctx)
	_ = minioContainer.Terminate(ctx)
	os.Exit(code)
}

// uploadingWorker finishes every job on its second status read and writes
// the artifact the way the trainer script would.
type uploadingWorker struct {
	storage storage.Storage

	mu     sync.Mutex
	params map[string][]byte
	reads  map[string]int
}

func (w *uploadingWorker) Start(ctx context.Context, conn model.Connection, jobID string, params []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.params[jobID] = params
	return nil
}

func (w *uploadingWorker) Status(ctx context.Context, conn model.Connection, jobID string) (model.JobUpdate, error) {
	w.mu.Lock()
	w.reads[jobID]++
	n := w.reads[jobID]
	params := w.params[jobID]
	w.mu.Unlock()

	if n < 2 {
		return model.JobUpdate{Status: model.JobRunning, Progress: 10, Total: 20}, nil
	}
	key := lifecycle.ArtifactKey(params)
	if err := w.storage.Put(ctx, key, []byte("weights")); err != nil {
		return model.JobUpdate{}, err
	}
	return model.JobUpdate{Status: model.JobCompleted, Progress: 20, Total: 20}, nil
}

func (w *uploadingWorker) Stop(ctx context.Context, conn model.Connection, jobID string) error {
	return nil
}

type integrationServer struct {
	*testServer
	registry *jobs.Registry
}

func newIntegrationServer(t *testing.T) *integrationServer {
	t.Helper()
	ctx := context.Background()
	tminio.CreateBucket(t, "lora", MINIO_ENDPOINT)
	tdb.TruncateJobs(t, testDB)

	cfg, err := config.GetConfig()
	require.NoError(t, err)

	c, err := component.GetCache(ctx, cfg.CACHE_TYPE)
	require.NoError(t, err)
	s, err := component.GetStorage(ctx, cfg.STORAGE_TYPE)
	require.NoError(t, err)
	q, err := component.GetQueue(cfg.QUEUE_TYPE)
	require.NoError(t, err)
	store, closeStore, err := component.GetJobStore(ctx, cfg.STORE_TYPE)
	require.NoError(t, err)

	p := memory.NewProvider(nil, 0)
	w := &uploadingWorker{storage: s, params: map[string][]byte{}, reads: map[string]int{}}
	reg := jobs.NewRegistry(p, w, s, store, q, lifecycle.ArtifactKey, &config.JobConfig{
		POLL_INTERVAL_SECONDS: 1,
		MAX_UNREACHABLE:       3,
		WORKER_TIMEOUT_SECOND: 5,
	})
	reg.SetPollInterval(50 * time.Millisecond)
	tm := tunnel.NewManager(p, stubDialer{}, 0, time.Second)
	srvCfg := &config.ServerConfig{MAX_INFLIGHT: 8, QUEUE_SIZE: 16}

	ctrl := lifecycle.NewController(p, tm, reg, s, c, q, srvCfg)
	require.NoError(t, ctrl.Start(ctx))

	srv := NewServer(ctrl, srvCfg)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.ShutDown(ctx)
		ctrl.ShutDown(ctx)
		c.ShutDown(ctx)
		q.ShutDown(ctx)
		s.ShutDown(ctx)
		closeStore()
	})
	return &integrationServer{
		testServer: &testServer{url: ts.URL, provider: p},
		registry:   reg,
	}
}

func (ts *integrationServer) upload(t *testing.T, dataset string, files map[string]string) (int, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.url+"/datasets/"+dataset+"/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestIntegration_TrainingRoundTrip(t *testing.T) {
	ts := newIntegrationServer(t)
	inst := ts.launchRunning(t)

	status, body := ts.do(t, http.MethodPost, "/training", model.TrainingRequest{
		InstanceID:     inst.ID,
		TrainingParams: model.TrainingParams{DatasetName: "cats", LoraName: "cat-lora", Steps: 20},
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	job := decode[model.Job](t, body)

	require.Eventually(t, func() bool {
		_, body := ts.do(t, http.MethodGet, "/training/"+job.ID.String(), nil)
		return decode[model.Job](t, body).Status == model.JobCompleted
	}, 10*time.Second, 50*time.Millisecond)

	_, body = ts.do(t, http.MethodGet, "/training/"+job.ID.String(), nil)
	done := decode[model.Job](t, body)
	require.Equal(t, "loras/cat-lora.safetensors", done.ArtifactRef)
	require.Equal(t, 20, done.Progress)

	var persisted string
	require.Eventually(t, func() bool {
		err := testDB.Pool.QueryRow(context.Background(),
			`SELECT status FROM training_jobs WHERE id = $1`, job.ID).Scan(&persisted)
		return err == nil && persisted == string(model.JobCompleted)
	}, 5*time.Second, 50*time.Millisecond)

	status, body = ts.do(t, http.MethodGet, "/loras/cat-lora/url", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	require.Contains(t, decode[map[string]string](t, body)["url"], "cat-lora.safetensors")

	status, _ = ts.do(t, http.MethodDelete, "/training/"+job.ID.String(), nil)
	require.Equal(t, http.StatusOK, status)
	var count int
	require.NoError(t, testDB.Pool.QueryRow(context.Background(),
		`SELECT count(*) FROM training_jobs WHERE id = $1`, job.ID).Scan(&count))
	require.Zero(t, count)
}

func TestIntegration_DatasetsOnMinio(t *testing.T) {
	ts := newIntegrationServer(t)

	status, body := ts.upload(t, "faces", map[string]string{"a.png": "aaaa", "a.txt": "a face"})
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = ts.do(t, http.MethodGet, "/datasets", nil)
	require.Equal(t, http.StatusOK, status)
	datasets := decode[[]model.Dataset](t, body)
	require.Len(t, datasets, 1)
	require.Equal(t, "faces", datasets[0].Name)
	require.Equal(t, 2, datasets[0].FileCount)
	require.EqualValues(t, 10, datasets[0].TotalSize)

	status, _ = ts.do(t, http.MethodDelete, "/datasets/faces", nil)
	require.Equal(t, http.StatusOK, status)
	_, body = ts.do(t, http.MethodGet, "/datasets", nil)
	require.Empty(t, decode[[]model.Dataset](t, body))
}

func TestIntegration_RecoversJobsAfterRestart(t *testing.T) {
	ctx := context.Background()
	tdb.TruncateJobs(t, testDB)

	store, closeStore, err := component.GetJobStore(ctx, "postgres")
	require.NoError(t, err)
	defer closeStore()

	p := memory.NewProvider(nil, 0)
	inst, err := p.Rent(ctx, model.RentRequest{OfferID: "1001", Image: "kohya:latest", DiskGB: 50})
	require.NoError(t, err)
	p.SetState(inst.ID, model.InstanceRunning)

	jobCfg := &config.JobConfig{POLL_INTERVAL_SECONDS: 60, MAX_UNREACHABLE: 3, WORKER_TIMEOUT_SECOND: 5}
	first := jobs.NewRegistry(p, idleWorker{}, smemory.NewMemoryStorage(), store, queue.Nop(), lifecycle.ArtifactKey, jobCfg)
	require.NoError(t, first.Start(ctx))
	job, err := first.Submit(ctx, inst.ID, []byte(`{"loraName":"x"}`), 10)
	require.NoError(t, err)
	first.ShutDown(ctx)

	second := jobs.NewRegistry(p, idleWorker{}, smemory.NewMemoryStorage(), store, queue.Nop(), lifecycle.ArtifactKey, jobCfg)
	require.NoError(t, second.Start(ctx))
	defer second.ShutDown(ctx)

	got, err := second.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, inst.ID, got.InstanceID)
	_, busy := second.ActiveJob(inst.ID)
	require.True(t, busy)
}
