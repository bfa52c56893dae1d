package badger

import (
	"context"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conduit/internal/common"
	"github.com/ternarybob/conduit/internal/interfaces"
	"github.com/ternarybob/conduit/internal/models"
)

func newTestManager(t *testing.T) interfaces.StorageManager {
	t.Helper()
	m, err := NewManager(arbor.NewLogger(), t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestFlowRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	flow := &models.Flow{
		FlowID:    common.NewFlowID(),
		UserID:    "user-1",
		Flowname:  "pipeline",
		RootName:  "root",
		RootQueue: models.QueueFlows,
		Status:    models.FlowStatusPending,
		Progress:  models.NewFlowProgress(2),
		JobStructure: &models.FlowNode{
			Name:  "root",
			Queue: models.QueueFlows,
			Children: []*models.FlowNode{
				{Name: "child", Queue: models.QueueJobs},
			},
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := m.Flows().Upsert(ctx, flow); err != nil {
		t.Fatal(err)
	}

	got, err := m.Flows().Get(ctx, flow.FlowID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Flowname != "pipeline" || got.JobStructure.Children[0].Name != "child" {
		t.Errorf("Flow not round-tripped: %+v", got)
	}
	if got.Progress.Summary.Total != 2 {
		t.Errorf("Progress lost: %+v", got.Progress)
	}

	// Listing is per-user, newest first.
	second := *flow
	second.FlowID = common.NewFlowID()
	second.CreatedAt = flow.CreatedAt.Add(time.Second)
	if err := m.Flows().Upsert(ctx, &second); err != nil {
		t.Fatal(err)
	}

	mine, err := m.Flows().ListByUser(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 2 {
		t.Fatalf("Expected 2 flows, got %d", len(mine))
	}
	if mine[0].FlowID != second.FlowID {
		t.Errorf("Listing not newest-first: %s", mine[0].FlowID)
	}

	if err := m.Flows().Delete(ctx, flow.FlowID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Flows().Get(ctx, flow.FlowID); models.CodeOf(err) != models.ErrCodeNotFound {
		t.Fatalf("Expected NotFound after delete, got %v", err)
	}
	// Deleting twice is fine.
	if err := m.Flows().Delete(ctx, flow.FlowID); err != nil {
		t.Fatalf("Repeated delete should be idempotent, got %v", err)
	}
}

func TestWebhookTupleUniqueness(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	now := time.Now()

	first := &models.Webhook{
		ID:        common.NewWebhookID(),
		UserID:    "user-1",
		URL:       "https://example.com/hook",
		EventType: models.WebhookEventCompleted,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.Webhooks().Create(ctx, first); err != nil {
		t.Fatal(err)
	}

	// Same (user, url, eventType) conflicts.
	dup := &models.Webhook{
		ID:        common.NewWebhookID(),
		UserID:    "user-1",
		URL:       "https://example.com/hook",
		EventType: models.WebhookEventCompleted,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.Webhooks().Create(ctx, dup); models.CodeOf(err) != models.ErrCodeConflict {
		t.Fatalf("Expected Conflict for duplicate tuple, got %v", err)
	}

	// Different event type on the same URL is a distinct registration.
	dup.EventType = models.WebhookEventFailed
	if err := m.Webhooks().Create(ctx, dup); err != nil {
		t.Fatalf("Distinct tuple rejected: %v", err)
	}

	// Another user may register the identical URL and event type.
	other := &models.Webhook{
		ID:        common.NewWebhookID(),
		UserID:    "user-2",
		URL:       "https://example.com/hook",
		EventType: models.WebhookEventCompleted,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.Webhooks().Create(ctx, other); err != nil {
		t.Fatalf("Cross-user tuple rejected: %v", err)
	}

	// Updating a hook onto an existing tuple conflicts; updating in place
	// does not collide with itself.
	dup.EventType = models.WebhookEventCompleted
	if err := m.Webhooks().Update(ctx, dup); models.CodeOf(err) != models.ErrCodeConflict {
		t.Fatalf("Expected Conflict on update collision, got %v", err)
	}
	first.Description = "renamed"
	if err := m.Webhooks().Update(ctx, first); err != nil {
		t.Fatalf("Self-update rejected: %v", err)
	}
}

func TestWebhookListMatching(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	now := time.Now()

	hooks := []*models.Webhook{
		{ID: common.NewWebhookID(), UserID: "user-1", URL: "https://a.example.com", EventType: models.WebhookEventCompleted, Active: true},
		{ID: common.NewWebhookID(), UserID: "user-1", URL: "https://b.example.com", EventType: models.WebhookEventAll, Active: true},
		{ID: common.NewWebhookID(), UserID: "user-1", URL: "https://c.example.com", EventType: models.WebhookEventFailed, Active: true},
		{ID: common.NewWebhookID(), UserID: "user-1", URL: "https://d.example.com", EventType: models.WebhookEventCompleted, Active: false},
		{ID: common.NewWebhookID(), UserID: "user-2", URL: "https://e.example.com", EventType: models.WebhookEventCompleted, Active: true},
	}
	for _, h := range hooks {
		h.CreatedAt = now
		h.UpdatedAt = now
		if err := m.Webhooks().Create(ctx, h); err != nil {
			t.Fatal(err)
		}
	}

	matched, err := m.Webhooks().ListMatching(ctx, "user-1", models.WebhookEventCompleted)
	if err != nil {
		t.Fatal(err)
	}
	// Exact match plus the all-subscription; inactive and foreign excluded.
	if len(matched) != 2 {
		t.Fatalf("Expected 2 matches, got %d", len(matched))
	}
	for _, h := range matched {
		if h.UserID != "user-1" || !h.Active {
			t.Errorf("Bad match: %+v", h)
		}
	}
}

func TestApiKeyFindByPrefix(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	key := &models.ApiKey{
		ID:        common.NewApiKeyID(),
		UserID:    "user-1",
		Name:      "ci",
		Prefix:    "ck_abc12",
		KeyHash:   "$2a$10$fakehash",
		IsActive:  true,
		CreatedAt: time.Now(),
	}
	if err := m.ApiKeys().Create(ctx, key); err != nil {
		t.Fatal(err)
	}

	found, err := m.ApiKeys().FindByPrefix(ctx, "ck_abc12")
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].ID != key.ID {
		t.Fatalf("Prefix lookup failed: %+v", found)
	}

	none, err := m.ApiKeys().FindByPrefix(ctx, "ck_zzz99")
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("Expected no matches, got %d", len(none))
	}
}

func TestUserEmailUniqueness(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Users().Upsert(ctx, &models.User{ID: "user-1", Email: "shared@example.com", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	err := m.Users().Upsert(ctx, &models.User{ID: "user-2", Email: "shared@example.com", CreatedAt: time.Now()})
	if models.CodeOf(err) != models.ErrCodeConflict {
		t.Fatalf("Expected Conflict for duplicate email, got %v", err)
	}

	// Re-upserting the same user is fine.
	if err := m.Users().Upsert(ctx, &models.User{ID: "user-1", Email: "shared@example.com", WebhookURL: "https://example.com", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Self upsert rejected: %v", err)
	}

	got, err := m.Users().GetByEmail(ctx, "shared@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "user-1" || got.WebhookURL != "https://example.com" {
		t.Errorf("Unexpected user: %+v", got)
	}
}

func TestResetOnStartupClearsData(t *testing.T) {
	dir := t.TempDir()
	logger := arbor.NewLogger()

	m, err := NewManager(logger, dir, false)
	if err != nil {
		t.Fatal(err)
	}
	err = m.Users().Upsert(context.Background(), &models.User{ID: "user-1", Email: "x@example.com", CreatedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	m.Close()

	// 1. Plain reopen keeps the data.
	m, err = NewManager(logger, dir, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Users().Get(context.Background(), "user-1"); err != nil {
		t.Fatalf("Data lost across restart: %v", err)
	}
	m.Close()

	// 2. Reset wipes it.
	m, err = NewManager(logger, dir, true)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	if _, err := m.Users().Get(context.Background(), "user-1"); models.CodeOf(err) != models.ErrCodeNotFound {
		t.Fatalf("Expected NotFound after reset, got %v", err)
	}
}
