package processor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adverant/nexus/scanprocess-worker/internal/clients"
	scanerrors "github.com/adverant/nexus/scanprocess-worker/internal/errors"
	"github.com/adverant/nexus/scanprocess-worker/internal/layout"
	"github.com/adverant/nexus/scanprocess-worker/internal/logging"
	"github.com/adverant/nexus/scanprocess-worker/internal/pipeline"
	"github.com/adverant/nexus/scanprocess-worker/internal/raster"
	"github.com/adverant/nexus/scanprocess-worker/internal/storage"
)

type fakeJobs struct {
	mu      sync.Mutex
	updates []storage.JobUpdate
}

func (f *fakeJobs) UpdateJobStatus(_ context.Context, u *storage.JobUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, *u)
	return nil
}

func (f *fakeJobs) last() storage.JobUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates[len(f.updates)-1]
}

type fakeOutputs struct {
	mu    sync.Mutex
	data  map[string][]byte
	metas []storage.OutputMeta
	err   error
}

func (f *fakeOutputs) StoreOutput(_ context.Context, jobID string, n int, data []byte, meta storage.OutputMeta) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		f.data = map[string][]byte{}
	}
	key := fmt.Sprintf("out:%s:%d", jobID, n)
	f.data[key] = data
	f.metas = append(f.metas, meta)
	return key, nil
}

type fakeIndex struct {
	recorded []storage.PageFingerprint
	match    *storage.DuplicateMatch
}

func (f *fakeIndex) FingerprintsEnabled() bool { return true }

func (f *fakeIndex) RecordPageFingerprints(_ context.Context, _ string, prints []storage.PageFingerprint) error {
	f.recorded = append(f.recorded, prints...)
	return nil
}

func (f *fakeIndex) FindNearDuplicates(_ context.Context, vector []float32, _ int, _ float32) ([]*storage.DuplicateMatch, error) {
	if len(vector) != raster.FingerprintSize {
		return nil, fmt.Errorf("bad vector length %d", len(vector))
	}
	if f.match == nil {
		return nil, nil
	}
	return []*storage.DuplicateMatch{f.match}, nil
}

type fakeArtifacts struct {
	uploads []*clients.OutputUpload
	fail    bool
}

func (f *fakeArtifacts) UploadOutput(_ context.Context, out *clients.OutputUpload) (string, error) {
	if f.fail {
		return "", fmt.Errorf("artifact service unavailable")
	}
	f.uploads = append(f.uploads, out)
	return "https://files/" + out.Kind, nil
}

func newTestProcessor(t *testing.T, mutate func(*ProcessorConfig)) (*ScanProcessor, *fakeJobs, *fakeOutputs) {
	t.Helper()
	jobs := &fakeJobs{}
	outputs := &fakeOutputs{}
	cfg := &ProcessorConfig{
		Pipeline:      pipeline.New(pipeline.DefaultConfig(), logging.Nop()),
		Jobs:          jobs,
		Outputs:       outputs,
		DefaultLayout: layout.DefaultLayout(),
		DefaultFormat: raster.FormatPNG,
		MaxBatch:      10,
		MaxFileSize:   1 << 20,
		Logger:        logging.Nop(),
	}
	if mutate != nil {
		mutate(cfg)
	}
	p, err := NewScanProcessor(cfg)
	if err != nil {
		t.Fatalf("NewScanProcessor: %v", err)
	}
	p.retryBackoff = time.Millisecond
	return p, jobs, outputs
}

// inkPNG is a white image with a dark bar, enough ink for a fingerprint.
func inkPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	b, err := raster.NewFilled(w, h, 255, 255, 255, 255)
	if err != nil {
		t.Fatal(err)
	}
	for y := h / 3; y < h/2; y++ {
		for x := w / 5; x < 4*w/5; x++ {
			b.SetGray(y*w+x, 0)
		}
	}
	data, err := raster.Encode(b, raster.FormatPNG)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func noOrient() pipeline.Options {
	opts := pipeline.DefaultOptions()
	opts.AutoOrient = false
	opts.TargetWidth = 120
	return opts
}

func TestProcessScanPerImageMixedSources(t *testing.T) {
	img := inkPNG(t, 80, 60)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ok.png" {
			w.Write(img)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p, jobs, outputs := newTestProcessor(t, nil)
	res, err := p.ProcessScan(context.Background(), &ScanRequest{
		JobID: "11111111-1111-1111-1111-111111111111",
		Mode:  pipeline.ModePerImage,
		Images: []ImageSource{
			{Buffer: img, Options: noOrient()},
			{URL: srv.URL + "/ok.png", Options: noOrient()},
			{URL: srv.URL + "/missing.png", Options: noOrient()},
			{Buffer: []byte("not an image"), Options: noOrient()},
		},
	})
	if err != nil {
		t.Fatalf("ProcessScan: %v", err)
	}

	if res.Status != storage.StatusPartial {
		t.Errorf("status = %s, want partial", res.Status)
	}
	if len(res.Batch.Items) != 2 || len(res.OutputKeys) != 2 || len(outputs.data) != 2 {
		t.Fatalf("items = %d, keys = %d, stored = %d", len(res.Batch.Items), len(res.OutputKeys), len(outputs.data))
	}
	for i, item := range res.Batch.Items {
		if item.SrcIndex != i || item.Width != 120 || item.Height != 90 {
			t.Errorf("item %d = src %d %dx%d", i, item.SrcIndex, item.Width, item.Height)
		}
	}

	wantFailures := []struct {
		index int
		code  scanerrors.ErrorCode
	}{
		{2, scanerrors.ErrorDownloadFailed},
		{3, scanerrors.ErrorDecodeFailed},
	}
	if len(res.Batch.Failures) != len(wantFailures) {
		t.Fatalf("failures = %+v", res.Batch.Failures)
	}
	for i, want := range wantFailures {
		got := res.Batch.Failures[i]
		if got.Index != want.index || got.Code != want.code {
			t.Errorf("failure %d = %d/%s, want %d/%s", i, got.Index, got.Code, want.index, want.code)
		}
	}

	final := jobs.last()
	if final.Status != storage.StatusPartial || final.SuccessCount != 2 || final.FailedCount != 2 || final.ImageCount != 4 {
		t.Errorf("final update = %+v", final)
	}
	if len(final.OutputKeys) != 2 || len(final.Failures) != 2 {
		t.Errorf("final update keys = %v, failures = %v", final.OutputKeys, final.Failures)
	}
	if jobs.updates[0].Status != storage.StatusProcessing {
		t.Errorf("first update = %s, want processing", jobs.updates[0].Status)
	}
}

func TestProcessScanPagesWithFingerprints(t *testing.T) {
	index := &fakeIndex{match: &storage.DuplicateMatch{JobID: "older-job", Score: 0.99}}
	artifacts := &fakeArtifacts{}
	p, _, outputs := newTestProcessor(t, func(cfg *ProcessorConfig) {
		cfg.Fingerprints = index
		cfg.Artifacts = artifacts
	})

	opts := pipeline.DefaultOptions()
	opts.AutoOrient = false
	res, err := p.ProcessScan(context.Background(), &ScanRequest{
		JobID: "22222222-2222-2222-2222-222222222222",
		Mode:  pipeline.ModePages,
		Images: []ImageSource{
			{Buffer: inkPNG(t, 100, 40), Options: opts},
			{Buffer: inkPNG(t, 100, 40), Options: opts},
		},
	})
	if err != nil {
		t.Fatalf("ProcessScan: %v", err)
	}

	if res.Status != storage.StatusCompleted {
		t.Errorf("status = %s", res.Status)
	}
	if res.Batch.PageCount != 1 || len(res.Batch.Items) != 1 {
		t.Fatalf("pages = %d, items = %d", res.Batch.PageCount, len(res.Batch.Items))
	}
	if outputs.metas[0].Kind != pipeline.KindPage || outputs.metas[0].Width != 1240 || outputs.metas[0].Height != 1754 {
		t.Errorf("stored meta = %+v", outputs.metas[0])
	}
	if len(index.recorded) != 1 || index.recorded[0].OutputKey != res.OutputKeys[0] {
		t.Errorf("recorded fingerprints = %+v", index.recorded)
	}
	if len(res.Duplicates[0]) != 1 || res.Duplicates[0][0].JobID != "older-job" {
		t.Errorf("duplicates = %+v", res.Duplicates)
	}
	if len(artifacts.uploads) != 1 || len(res.ArtifactURLs) != 1 || artifacts.uploads[0].Ext != ".png" {
		t.Errorf("artifacts = %+v, urls = %v", artifacts.uploads, res.ArtifactURLs)
	}
}

func TestProcessScanAllFailed(t *testing.T) {
	p, jobs, _ := newTestProcessor(t, func(cfg *ProcessorConfig) {
		cfg.Artifacts = &fakeArtifacts{fail: true}
	})
	res, err := p.ProcessScan(context.Background(), &ScanRequest{
		JobID:  "33333333-3333-3333-3333-333333333333",
		Images: []ImageSource{{Buffer: []byte("junk")}, {}},
	})
	if err != nil {
		t.Fatalf("ProcessScan: %v", err)
	}
	if res.Status != storage.StatusFailed || len(res.Batch.Items) != 0 || res.Batch.Failed != 2 {
		t.Errorf("result = %+v", res.Batch)
	}
	if res.Batch.Failures[1].Code != scanerrors.ErrorInvalidOptions {
		t.Errorf("source without data = %s, want INVALID_OPTIONS", res.Batch.Failures[1].Code)
	}
	if final := jobs.last(); final.ErrorCode != string(scanerrors.ErrorDecodeFailed) {
		t.Errorf("final error code = %q", final.ErrorCode)
	}
}

func TestProcessScanErrors(t *testing.T) {
	testCases := []struct {
		name     string
		outErr   error
		req      *ScanRequest
		wantCode scanerrors.ErrorCode
	}{
		{
			name:     "missing job id",
			req:      &ScanRequest{Images: []ImageSource{{Buffer: []byte{1}}}},
			wantCode: scanerrors.ErrorInvalidOptions,
		},
		{
			name:     "no images",
			req:      &ScanRequest{JobID: "j"},
			wantCode: scanerrors.ErrorEmptyBatch,
		},
		{
			name:     "invalid layout",
			req:      &ScanRequest{JobID: "j", Layout: &layout.Layout{PageWidth: 10, PageHeight: 10, Margin: 20, Columns: 1}, Images: []ImageSource{{Buffer: []byte{1}}}},
			wantCode: scanerrors.ErrorInvalidOptions,
		},
		{
			name:     "output store down",
			outErr:   fmt.Errorf("redis down"),
			req:      &ScanRequest{JobID: "j", Mode: pipeline.ModePerImage},
			wantCode: scanerrors.ErrorStorageFailed,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p, jobs, outputs := newTestProcessor(t, nil)
			outputs.err = tc.outErr
			if tc.req.JobID != "" && len(tc.req.Images) == 0 && tc.outErr != nil {
				tc.req.Images = []ImageSource{{Buffer: inkPNG(t, 40, 40), Options: noOrient()}}
			}

			_, err := p.ProcessScan(context.Background(), tc.req)
			if !scanerrors.Is(err, tc.wantCode) {
				t.Fatalf("err = %v, want %s", err, tc.wantCode)
			}
			if tc.wantCode == scanerrors.ErrorStorageFailed && jobs.last().Status != storage.StatusFailed {
				t.Errorf("job should be marked failed, got %s", jobs.last().Status)
			}
		})
	}
}

func TestProcessScanTruncatesBatch(t *testing.T) {
	p, _, _ := newTestProcessor(t, func(cfg *ProcessorConfig) { cfg.MaxBatch = 2 })
	img := inkPNG(t, 40, 40)
	res, err := p.ProcessScan(context.Background(), &ScanRequest{
		JobID: "j",
		Mode:  pipeline.ModePerImage,
		Images: []ImageSource{
			{Buffer: img, Options: noOrient()},
			{Buffer: img, Options: noOrient()},
			{Buffer: img, Options: noOrient()},
		},
	})
	if err != nil {
		t.Fatalf("ProcessScan: %v", err)
	}
	if res.Batch.Total != 2 || res.Batch.Dropped != 1 || len(res.Batch.Items) != 2 {
		t.Errorf("total = %d, dropped = %d, items = %d", res.Batch.Total, res.Batch.Dropped, len(res.Batch.Items))
	}
}

func TestDownloadRetries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	p, _, _ := newTestProcessor(t, nil)
	data, err := p.downloadFileFromURL(context.Background(), "j", srv.URL, 0)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(data) != "payload" || attempts.Load() != 3 {
		t.Errorf("data = %q after %d attempts", data, attempts.Load())
	}
}

func TestDownloadNoRetry(t *testing.T) {
	testCases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"not found", func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) }},
		{"too large", func(w http.ResponseWriter, r *http.Request) { w.Write(make([]byte, 64)) }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var attempts atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				tc.handler(w, r)
			}))
			defer srv.Close()

			p, _, _ := newTestProcessor(t, func(cfg *ProcessorConfig) { cfg.MaxFileSize = 32 })
			if _, err := p.downloadFileFromURL(context.Background(), "j", srv.URL, 0); err == nil {
				t.Fatal("expected error")
			}
			if attempts.Load() != 1 {
				t.Errorf("attempts = %d, want 1", attempts.Load())
			}
		})
	}
}

func TestDownloadGivesUp(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, _, _ := newTestProcessor(t, nil)
	if _, err := p.downloadFileFromURL(context.Background(), "j", srv.URL, 0); err == nil {
		t.Fatal("expected error")
	}
	if attempts.Load() != maxDownloadAttempts {
		t.Errorf("attempts = %d, want %d", attempts.Load(), maxDownloadAttempts)
	}
}

func TestBackoff(t *testing.T) {
	p := &ScanProcessor{retryBackoff: time.Second}
	testCases := []struct {
		retry int
		want  time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{6, 32 * time.Second},
		{9, 32 * time.Second},
	}
	for _, tc := range testCases {
		if got := p.backoff(tc.retry); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.retry, got, tc.want)
		}
	}
}

func TestUpdateJobStatusMetadata(t *testing.T) {
	p, jobs, _ := newTestProcessor(t, nil)
	err := p.UpdateJobStatus(context.Background(), "j", storage.StatusFailed, map[string]interface{}{
		"error":          "queue payload invalid",
		"processingTime": int64(12),
	})
	if err != nil {
		t.Fatal(err)
	}
	u := jobs.last()
	if u.ErrorCode != string(scanerrors.ErrorInternal) || u.ErrorMessage != "queue payload invalid" || u.ProcessingTimeMs != 12 {
		t.Errorf("update = %+v", u)
	}
}
