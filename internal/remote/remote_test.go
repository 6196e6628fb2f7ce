package remote

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"timrs/internal/config"
	"timrs/internal/models"
)

func setupSQLStore(t *testing.T) (*SQLStore, func()) {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("Failed to open sqlite remote: %v", err)
	}
	return s, func() { s.Close() }
}

func setupS3Store(t *testing.T) (*S3Store, func()) {
	t.Helper()
	bucket := os.Getenv("BUCKET_NAME")
	if bucket == "" {
		t.Skip("BUCKET_NAME not set, skipping S3 test")
	}
	s, err := NewS3Store(context.Background(), S3Config{
		Bucket:    bucket,
		Endpoint:  os.Getenv("AWS_ENDPOINT_URL_S3"),
		AccessKey: os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
	})
	if err != nil {
		t.Fatalf("Failed to create S3 store: %v", err)
	}
	return s, func() {}
}

func doc(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	user := "user-" + time.Now().Format("150405.000000")
	defer s.DeleteAllUnderUser(ctx, user)

	logs := []models.ResetLog{
		{ID: "l1", TimerID: "a", Timestamp: 100},
		{ID: "l2", TimerID: "b", Timestamp: 300},
		{ID: "l3", TimerID: "a", Timestamp: 200},
	}
	for _, l := range logs {
		if err := s.Upsert(ctx, user, models.CollectionResetLogs, l.ID, doc(t, l)); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}
	// Idempotent re-upsert.
	if err := s.Upsert(ctx, user, models.CollectionResetLogs, "l1", doc(t, logs[0])); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	all, err := s.List(ctx, user, models.CollectionResetLogs, ListOptions{OrderBy: "timestamp", Desc: true})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 docs, got %d", len(all))
	}
	var first models.ResetLog
	json.Unmarshal(all[0], &first)
	if first.ID != "l2" {
		t.Errorf("Expected newest first, got %s", first.ID)
	}

	filtered, err := s.List(ctx, user, models.CollectionResetLogs, ListOptions{WhereField: "timerId", WhereValue: "a", OrderBy: "timestamp", Limit: 1})
	if err != nil {
		t.Fatalf("Filtered list failed: %v", err)
	}
	if len(filtered) != 1 {
		t.Fatalf("Expected 1 doc, got %d", len(filtered))
	}
	json.Unmarshal(filtered[0], &first)
	if first.ID != "l1" {
		t.Errorf("Expected l1, got %s", first.ID)
	}

	stats := models.GlobalStats{TotalResets: 4}
	if err := s.Upsert(ctx, user, models.CollectionGlobalStats, models.GlobalStatsDocID, doc(t, stats)); err != nil {
		t.Fatal(err)
	}
	raw, err := s.Get(ctx, user, models.CollectionGlobalStats, models.GlobalStatsDocID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var got models.GlobalStats
	json.Unmarshal(raw, &got)
	if got.TotalResets != 4 {
		t.Errorf("Expected 4 resets, got %d", got.TotalResets)
	}

	if err := s.Delete(ctx, user, models.CollectionGlobalStats, models.GlobalStatsDocID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, user, models.CollectionGlobalStats, models.GlobalStatsDocID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	// Deleting a missing document is not an error.
	if err := s.Delete(ctx, user, models.CollectionGlobalStats, models.GlobalStatsDocID); err != nil {
		t.Errorf("Expected idempotent delete, got %v", err)
	}

	if err := s.DeleteAllUnderUser(ctx, user); err != nil {
		t.Fatal(err)
	}
	left, _ := s.List(ctx, user, models.CollectionResetLogs, ListOptions{})
	if len(left) != 0 {
		t.Errorf("Expected nothing left, got %d", len(left))
	}
}

func TestSQLStore(t *testing.T) {
	s, cleanup := setupSQLStore(t)
	defer cleanup()
	exerciseStore(t, s)
}

func TestS3Store(t *testing.T) {
	s, cleanup := setupS3Store(t)
	defer cleanup()
	exerciseStore(t, s)
}

func TestSQLStoreIsolatesUsers(t *testing.T) {
	s, cleanup := setupSQLStore(t)
	defer cleanup()
	ctx := context.Background()

	s.Upsert(ctx, "u1", models.CollectionTimers, "t1", json.RawMessage(`{"id":"t1"}`))
	s.Upsert(ctx, "u2", models.CollectionTimers, "t2", json.RawMessage(`{"id":"t2"}`))

	if err := s.DeleteAllUnderUser(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	docs, _ := s.List(ctx, "u2", models.CollectionTimers, ListOptions{})
	if len(docs) != 1 {
		t.Errorf("Expected other user's docs untouched, got %d", len(docs))
	}
}

func TestListRejectsBadFieldNames(t *testing.T) {
	s, cleanup := setupSQLStore(t)
	defer cleanup()

	_, err := s.List(context.Background(), "u", models.CollectionTimers, ListOptions{OrderBy: "x'); DROP TABLE documents; --"})
	if err == nil {
		t.Error("Expected invalid field name error")
	}
}

func TestApplyOptions(t *testing.T) {
	docs := []json.RawMessage{
		json.RawMessage(`{"id":"a","n":3,"g":true}`),
		json.RawMessage(`{"id":"b","n":1,"g":false}`),
		json.RawMessage(`{"id":"c","n":2,"g":true}`),
	}

	out, err := applyOptions(docs, ListOptions{OrderBy: "n"})
	if err != nil {
		t.Fatal(err)
	}
	if string(out[0]) != string(docs[1]) || string(out[2]) != string(docs[0]) {
		t.Errorf("Unexpected ascending order: %s", out)
	}

	out, _ = applyOptions(docs, ListOptions{WhereField: "g", WhereValue: true, OrderBy: "n", Desc: true, Limit: 1})
	if len(out) != 1 || string(out[0]) != string(docs[0]) {
		t.Errorf("Unexpected filtered result: %s", out)
	}
}

func TestNewDisabled(t *testing.T) {
	s, err := New(config.RemoteConfig{Backend: "disabled"})
	if err != nil || s != nil {
		t.Errorf("Expected nil store for disabled, got %v %v", s, err)
	}
	if _, err := New(config.RemoteConfig{Backend: "firebase"}); err == nil {
		t.Error("Expected error for unknown backend")
	}
}
