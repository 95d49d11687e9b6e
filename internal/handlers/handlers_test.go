package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/outlook-mcp/internal/adapter"
	"github.com/brandon/outlook-mcp/internal/cache"
	"github.com/brandon/outlook-mcp/internal/config"
	"github.com/brandon/outlook-mcp/internal/fault"
	"github.com/brandon/outlook-mcp/internal/pool"
	"github.com/brandon/outlook-mcp/internal/ratelimit"
	"github.com/brandon/outlook-mcp/pkg/types"
)

// fakeAdapter counts invocations and serves canned data.
type fakeAdapter struct {
	mu sync.Mutex

	listFolderCalls int32
	listEmailCalls  int32
	getEmailCalls   int32
	searchCalls     int32
	sendCalls       int32

	latency    time.Duration
	listErr    error
	getErr     error
	searchErr  error
	sendErr    error
	folders    []types.Folder
	transientN int32 // fail this many list calls with a transient fault
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		folders: []types.Folder{
			{ID: "INBOX", Name: "Inbox", FullPath: "Inbox", FolderType: types.FolderTypeMail, Accessible: true, ItemCount: 2},
			{ID: "Archive", Name: "Archive", FullPath: "Archive", FolderType: types.FolderTypeMail, Accessible: true},
			{ID: "Secret", Name: "Secret", FullPath: "Secret", FolderType: types.FolderTypeMail, Accessible: false},
		},
	}
}

func (f *fakeAdapter) pause(ctx context.Context) error {
	if f.latency == 0 {
		return nil
	}
	select {
	case <-time.After(f.latency):
		return nil
	case <-ctx.Done():
		return fault.Timeout("fake", 0)
	}
}

func (f *fakeAdapter) Probe(ctx context.Context) error { return nil }

func (f *fakeAdapter) ListFolders(ctx context.Context) ([]types.Folder, error) {
	atomic.AddInt32(&f.listFolderCalls, 1)
	if err := f.pause(ctx); err != nil {
		return nil, err
	}
	return f.folders, nil
}

func (f *fakeAdapter) ResolveInbox(ctx context.Context) (string, error) {
	return "INBOX", nil
}

func (f *fakeAdapter) ListEmails(ctx context.Context, folderID string, unreadOnly bool, limit int) ([]types.EmailSummary, error) {
	atomic.AddInt32(&f.listEmailCalls, 1)
	if err := f.pause(ctx); err != nil {
		return nil, err
	}
	if n := atomic.LoadInt32(&f.transientN); n > 0 {
		atomic.AddInt32(&f.transientN, -1)
		return nil, fault.New(fault.KindTransient, "flaky store")
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	now := time.Now()
	emails := []types.EmailSummary{
		{ID: folderID + "\x002", Subject: "second", SenderEmail: "a@example.com", FolderID: folderID, ReceivedTime: now, Recipients: []string{}},
		{ID: folderID + "\x001", Subject: "first", SenderEmail: "b@example.com", FolderID: folderID, ReceivedTime: now.Add(-time.Minute), Recipients: []string{}},
	}
	if limit < len(emails) {
		emails = emails[:limit]
	}
	return emails, nil
}

func (f *fakeAdapter) GetEmail(ctx context.Context, emailID string) (*types.EmailFull, error) {
	atomic.AddInt32(&f.getEmailCalls, 1)
	if err := f.pause(ctx); err != nil {
		return nil, err
	}
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &types.EmailFull{
		EmailSummary: types.EmailSummary{
			ID: emailID, Subject: "hello", SenderEmail: "a@example.com",
			FolderID: "INBOX", ReceivedTime: time.Now(), Recipients: []string{"me@example.com"},
		},
		BodyText: "plain body",
		BodyHTML: "<p>html body</p>",
	}, nil
}

func (f *fakeAdapter) Search(ctx context.Context, query, folderID string, limit int) ([]types.EmailSummary, error) {
	atomic.AddInt32(&f.searchCalls, 1)
	if err := f.pause(ctx); err != nil {
		return nil, err
	}
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return []types.EmailSummary{}, nil
}

func (f *fakeAdapter) Send(ctx context.Context, email *types.OutgoingEmail) (string, error) {
	atomic.AddInt32(&f.sendCalls, 1)
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return "sent-id-1", nil
}

func (f *fakeAdapter) Close() error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		LogLevel:                 "panic",
		MaxConcurrentRequests:    16,
		AdmissionQueueTimeout:    time.Second,
		RequestTimeout:           5 * time.Second,
		OutlookConnectionTimeout: time.Second,
		ShutdownGrace:            time.Second,
		Pool: config.PoolConfig{
			MinConnections: 1, MaxConnections: 2,
			MaxIdle: time.Minute, MaxAge: time.Hour, ProbeInterval: time.Hour,
		},
		RateLimit: config.RateLimitConfig{RPS: 1000, Burst: 1000, PerMinute: 100000, PerHour: 100000},
		Cache: config.CacheConfig{
			MaxBytes: 1 << 20, EmailTTL: 5 * time.Minute,
			FolderTTL: 10 * time.Minute, CleanupInterval: time.Hour,
		},
		Security: config.SecurityConfig{MaxEmailSizeBytes: 1 << 20},
	}
}

func newTestRegistry(t *testing.T, cfg *config.Config, fake *fakeAdapter) *Registry {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	p := pool.New(cfg.Pool, func(ctx context.Context) (adapter.MailAdapter, error) {
		return fake, nil
	}, cfg.OutlookConnectionTimeout, logger)
	require.NoError(t, p.Start(context.Background(), true))

	c := cache.New(cfg.Cache, logger)
	l := ratelimit.New(cfg.RateLimit, logger)

	r := NewRegistry(Deps{Config: cfg, Pool: p, Limiter: l, Cache: c, Logger: logger})
	t.Cleanup(func() {
		r.Close()
		c.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Close(ctx) //nolint:errcheck
	})
	return r
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestGetFoldersFiltersBlocked(t *testing.T) {
	cfg := testConfig()
	cfg.Security.BlockedFolders = []string{"Archive"}
	fake := newFakeAdapter()
	r := newTestRegistry(t, cfg, fake)

	v, f := r.GetFolders(context.Background(), raw(`{}`))
	require.Nil(t, f)
	result := v.(*GetFoldersResult)

	names := make([]string, 0, len(result.Folders))
	for _, folder := range result.Folders {
		names = append(names, folder.Name)
	}
	assert.Contains(t, names, "Inbox")
	assert.NotContains(t, names, "Archive")
}

func TestGetFoldersUsesCache(t *testing.T) {
	fake := newFakeAdapter()
	r := newTestRegistry(t, testConfig(), fake)

	_, f := r.GetFolders(context.Background(), raw(`{}`))
	require.Nil(t, f)
	_, f = r.GetFolders(context.Background(), raw(`{}`))
	require.Nil(t, f)

	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.listFolderCalls))
}

func TestListEmailsCacheHit(t *testing.T) {
	fake := newFakeAdapter()
	r := newTestRegistry(t, testConfig(), fake)

	params := raw(`{"folder_id":"INBOX","unread_only":false,"limit":10}`)
	v1, f := r.ListEmails(context.Background(), params)
	require.Nil(t, f)
	v2, f := r.ListEmails(context.Background(), params)
	require.Nil(t, f)

	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.listEmailCalls),
		"second identical listing must be served from cache")

	j1, _ := json.Marshal(v1)
	j2, _ := json.Marshal(v2)
	assert.Equal(t, string(j1), string(j2))
}

func TestListEmailsDistinctKeys(t *testing.T) {
	fake := newFakeAdapter()
	r := newTestRegistry(t, testConfig(), fake)

	_, f := r.ListEmails(context.Background(), raw(`{"folder_id":"INBOX","limit":10}`))
	require.Nil(t, f)
	_, f = r.ListEmails(context.Background(), raw(`{"folder_id":"INBOX","limit":20}`))
	require.Nil(t, f)

	assert.Equal(t, int32(2), atomic.LoadInt32(&fake.listEmailCalls))
}

func TestListEmailsLimitBounds(t *testing.T) {
	fake := newFakeAdapter()
	r := newTestRegistry(t, testConfig(), fake)

	for _, params := range []string{
		`{"folder_id":"INBOX","limit":0}`,
		`{"folder_id":"INBOX","limit":1001}`,
		`{"folder_id":"INBOX","limit":-5}`,
	} {
		_, f := r.ListEmails(context.Background(), raw(params))
		require.NotNil(t, f, params)
		assert.Equal(t, fault.CodeInvalidParams, f.Code(), params)
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&fake.listEmailCalls))
}

func TestListEmailsRequiresFolder(t *testing.T) {
	fake := newFakeAdapter()
	r := newTestRegistry(t, testConfig(), fake)

	_, f := r.ListEmails(context.Background(), raw(`{}`))
	require.NotNil(t, f)
	assert.Equal(t, fault.CodeInvalidParams, f.Code())
}

func TestListEmailsInaccessibleFolder(t *testing.T) {
	fake := newFakeAdapter()
	r := newTestRegistry(t, testConfig(), fake)

	_, f := r.ListEmails(context.Background(), raw(`{"folder_id":"Secret"}`))
	require.NotNil(t, f)
	assert.Equal(t, fault.CodePermissionDenied, f.Code())
	assert.Equal(t, int32(0), atomic.LoadInt32(&fake.listEmailCalls),
		"inaccessible folders must fail without touching the store")
}

func TestListInboxDelegates(t *testing.T) {
	fake := newFakeAdapter()
	r := newTestRegistry(t, testConfig(), fake)

	v, f := r.ListInboxEmails(context.Background(), raw(`{}`))
	require.Nil(t, f)
	result := v.(*ListEmailsResult)
	assert.Equal(t, "INBOX", result.Folder)
	assert.Equal(t, 2, result.TotalCount)
}

func TestTransientRetriesSucceed(t *testing.T) {
	fake := newFakeAdapter()
	atomic.StoreInt32(&fake.transientN, 2)
	r := newTestRegistry(t, testConfig(), fake)

	v, f := r.ListEmails(context.Background(), raw(`{"folder_id":"INBOX"}`))
	require.Nil(t, f, "two transient failures sit within the retry budget")
	assert.Equal(t, int32(3), atomic.LoadInt32(&fake.listEmailCalls))
	assert.NotNil(t, v)
}

func TestTransientRetriesExhaust(t *testing.T) {
	fake := newFakeAdapter()
	atomic.StoreInt32(&fake.transientN, 10)
	r := newTestRegistry(t, testConfig(), fake)

	_, f := r.ListEmails(context.Background(), raw(`{"folder_id":"INBOX"}`))
	require.NotNil(t, f)
	assert.Equal(t, fault.CodeUnavailable, f.Code())
	assert.Equal(t, int32(3), atomic.LoadInt32(&fake.listEmailCalls),
		"at most the first call plus two retries")
}

func TestGetEmailValidation(t *testing.T) {
	fake := newFakeAdapter()
	r := newTestRegistry(t, testConfig(), fake)

	_, f := r.GetEmail(context.Background(), raw(`{"email_id":""}`))
	require.NotNil(t, f)
	assert.Equal(t, fault.CodeInvalidParams, f.Code())
	assert.Equal(t, int32(0), atomic.LoadInt32(&fake.getEmailCalls))
}

func TestGetEmailCachesAndShapes(t *testing.T) {
	fake := newFakeAdapter()
	r := newTestRegistry(t, testConfig(), fake)

	v, f := r.GetEmail(context.Background(), raw(`{"email_id":"INBOX\u00001"}`))
	require.Nil(t, f)
	full := v.(*GetEmailResult).Email
	assert.Equal(t, "hello", full.Subject)
	assert.Equal(t, "plain body", full.BodyText)

	// Cached on repeat.
	_, f = r.GetEmail(context.Background(), raw(`{"email_id":"INBOX\u00001"}`))
	require.Nil(t, f)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.getEmailCalls))

	// Body stripping happens on the response copy, not the cached value.
	v, f = r.GetEmail(context.Background(), raw(`{"email_id":"INBOX\u00001","include_body":false}`))
	require.Nil(t, f)
	assert.Empty(t, v.(*GetEmailResult).Email.BodyText)

	v, f = r.GetEmail(context.Background(), raw(`{"email_id":"INBOX\u00001"}`))
	require.Nil(t, f)
	assert.Equal(t, "plain body", v.(*GetEmailResult).Email.BodyText)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.getEmailCalls))
}

func TestGetEmailNotFoundPassthrough(t *testing.T) {
	fake := newFakeAdapter()
	fake.getErr = fault.EmailNotFound("nope")
	r := newTestRegistry(t, testConfig(), fake)

	_, f := r.GetEmail(context.Background(), raw(`{"email_id":"nope"}`))
	require.NotNil(t, f)
	assert.Equal(t, fault.CodeNotFound, f.Code())
	assert.Equal(t, "EmailNotFoundError", f.TypeName())
}

func TestSearchEmptyResultIsSuccess(t *testing.T) {
	fake := newFakeAdapter()
	r := newTestRegistry(t, testConfig(), fake)

	v, f := r.SearchEmails(context.Background(), raw(`{"query":"nothing matches"}`))
	require.Nil(t, f)
	result := v.(*SearchEmailsResult)
	assert.Equal(t, 0, result.TotalCount)
	assert.NotNil(t, result.Emails)
	assert.Equal(t, "nothing matches", result.Query)
}

func TestSearchValidation(t *testing.T) {
	fake := newFakeAdapter()
	r := newTestRegistry(t, testConfig(), fake)

	_, f := r.SearchEmails(context.Background(), raw(`{"query":"  "}`))
	require.NotNil(t, f)
	assert.Equal(t, fault.CodeInvalidParams, f.Code())

	long := make([]byte, maxQueryLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, f = r.SearchEmails(context.Background(), raw(fmt.Sprintf(`{"query":%q}`, long)))
	require.NotNil(t, f)
	assert.Equal(t, fault.CodeInvalidParams, f.Code())
	assert.Equal(t, int32(0), atomic.LoadInt32(&fake.searchCalls))
}

func TestSendValidationSkipsAdapter(t *testing.T) {
	fake := newFakeAdapter()
	r := newTestRegistry(t, testConfig(), fake)

	cases := []string{
		`{"to":[],"subject":"s","body":"b"}`,
		`{"to":["not-an-email"],"subject":"s","body":"b"}`,
		`{"to":["a@example.com"],"body_format":"markdown","subject":"s","body":"b"}`,
		`{"to":["a@example.com"],"importance":"Urgent","subject":"s","body":"b"}`,
		`{"to":["a@example.com"],"attachments":["/definitely/not/here.bin"],"subject":"s","body":"b"}`,
	}
	for _, params := range cases {
		_, f := r.SendEmail(context.Background(), raw(params))
		require.NotNil(t, f, params)
		assert.Equal(t, fault.CodeInvalidParams, f.Code(), params)
		assert.Equal(t, "ValidationError", f.TypeName(), params)
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&fake.sendCalls),
		"send must never reach the adapter on validation failure")
}

func TestSendInvalidatesListings(t *testing.T) {
	fake := newFakeAdapter()
	r := newTestRegistry(t, testConfig(), fake)

	_, f := r.ListEmails(context.Background(), raw(`{"folder_id":"INBOX"}`))
	require.Nil(t, f)

	dir := t.TempDir()
	path := filepath.Join(dir, "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("attachment"), 0o600))

	v, f := r.SendEmail(context.Background(), raw(fmt.Sprintf(
		`{"to":["a@example.com"],"subject":"s","body":"b","attachments":[%q]}`, path)))
	require.Nil(t, f)
	result := v.(*SendEmailResult)
	assert.Equal(t, "sent-id-1", result.EmailID)
	assert.Equal(t, "sent", result.Status)

	// Listings were invalidated: the next listing hits the store again.
	_, f = r.ListEmails(context.Background(), raw(`{"folder_id":"INBOX"}`))
	require.Nil(t, f)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fake.listEmailCalls))
}

func TestUnknownParamsIgnored(t *testing.T) {
	fake := newFakeAdapter()
	r := newTestRegistry(t, testConfig(), fake)

	_, f := r.ListEmails(context.Background(), raw(`{"folder_id":"INBOX","mystery":true}`))
	assert.Nil(t, f, "unknown input fields are ignored, not rejected")
}
