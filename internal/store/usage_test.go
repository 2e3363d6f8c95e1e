package store

import (
	"context"
	"testing"
	"time"
)

func rec(ts time.Time, ip, model string, tokens int64) UsageRecord {
	return UsageRecord{
		Timestamp:        ts,
		ClientIP:         ip,
		ModelName:        model,
		Endpoint:         "general",
		RequestType:      "chat",
		PromptTokens:     tokens / 2,
		CompletionTokens: tokens - tokens/2,
		TotalTokens:      tokens,
		DurationMS:       100,
		Status:           "success",
	}
}

func TestInsertUsageBatchAndTotals(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	batch := []UsageRecord{
		rec(base, "10.0.0.1", "m1", 100),
		rec(base.Add(time.Minute), "10.0.0.2", "m2", 200),
		{Timestamp: base.Add(2 * time.Minute), ClientIP: "10.0.0.1", ModelName: "m1",
			Endpoint: "general", RequestType: "chat", DurationMS: 50, Status: "client_error"},
	}
	if err := s.InsertUsageBatch(ctx, batch); err != nil {
		t.Fatalf("InsertUsageBatch: %v", err)
	}

	totals, err := s.Totals(ctx, base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if totals.Requests != 3 {
		t.Errorf("requests = %d, want 3", totals.Requests)
	}
	if totals.TotalTokens != 300 {
		t.Errorf("total tokens = %d, want 300", totals.TotalTokens)
	}
	if totals.ByStatus["success"] != 2 || totals.ByStatus["client_error"] != 1 {
		t.Errorf("status counts = %v", totals.ByStatus)
	}
}

func TestInsertUsageBatchEmptyIsNoop(t *testing.T) {
	s := newTestStore(t)
	if err := s.InsertUsageBatch(context.Background(), nil); err != nil {
		t.Errorf("empty batch: %v", err)
	}
}

func TestTotalsWindowBoundsAreHalfOpen(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	if err := s.InsertUsageBatch(ctx, []UsageRecord{
		rec(base.Add(-time.Second), "a", "m", 1), // before window
		rec(base, "a", "m", 10),                  // at since: included
		rec(base.Add(time.Hour), "a", "m", 100),  // at until: excluded
	}); err != nil {
		t.Fatal(err)
	}

	totals, err := s.Totals(ctx, base, base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if totals.Requests != 1 || totals.TotalTokens != 10 {
		t.Errorf("got requests=%d tokens=%d, want 1/10", totals.Requests, totals.TotalTokens)
	}
}

func TestTopClientsOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	var batch []UsageRecord
	// heavy: 300 tokens in 1 request.
	batch = append(batch, rec(base, "heavy", "m", 300))
	// busy: 200 tokens across 2 requests.
	batch = append(batch, rec(base, "busy", "m", 100), rec(base, "busy", "m", 100))
	// tied-a / tied-b: same tokens, same request count; lexicographic order decides.
	batch = append(batch, rec(base, "tied-b", "m", 200))
	batch = append(batch, rec(base, "tied-a", "m", 200))

	if err := s.InsertUsageBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}

	stats, err := s.TopClients(ctx, base, base.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("TopClients: %v", err)
	}

	want := []string{"heavy", "tied-a", "tied-b", "busy"}
	if len(stats) != len(want) {
		t.Fatalf("got %d rows, want %d", len(stats), len(want))
	}
	for i, w := range want {
		if stats[i].ClientIP != w {
			t.Errorf("rank %d = %s, want %s", i, stats[i].ClientIP, w)
		}
	}
}

func TestTopClientsRanksByTokensNotRequests(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	// 1.2.3.4 makes more requests but 5.6.7.8 consumes more tokens,
	// so 5.6.7.8 tops the leaderboard.
	var batch []UsageRecord
	for i := 0; i < 60; i++ {
		batch = append(batch, rec(base.Add(time.Duration(i)*time.Second), "1.2.3.4", "m", 100))
	}
	for i := 0; i < 40; i++ {
		batch = append(batch, rec(base.Add(time.Duration(i)*time.Second), "5.6.7.8", "m", 200))
	}
	if err := s.InsertUsageBatch(ctx, batch); err != nil {
		t.Fatal(err)
	}

	stats, err := s.TopClients(ctx, base, base.Add(time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("got %d rows, want 2", len(stats))
	}
	if stats[0].ClientIP != "5.6.7.8" || stats[0].TotalTokens != 8000 || stats[0].Requests != 40 {
		t.Errorf("rank 0 = %+v, want 5.6.7.8 with 8000 tokens over 40 requests", stats[0])
	}
	if stats[1].ClientIP != "1.2.3.4" || stats[1].TotalTokens != 6000 || stats[1].Requests != 60 {
		t.Errorf("rank 1 = %+v, want 1.2.3.4 with 6000 tokens over 60 requests", stats[1])
	}
}

func TestTopClientsTieBreaksOnRequestCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	// Same token totals; "many" made more requests so it ranks first.
	if err := s.InsertUsageBatch(ctx, []UsageRecord{
		rec(base, "few", "m", 200),
		rec(base, "many", "m", 100),
		rec(base, "many", "m", 100),
	}); err != nil {
		t.Fatal(err)
	}

	stats, err := s.TopClients(ctx, base, base.Add(time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 || stats[0].ClientIP != "many" || stats[1].ClientIP != "few" {
		t.Errorf("got %+v, want many before few", stats)
	}
}

func TestTopModelsLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	if err := s.InsertUsageBatch(ctx, []UsageRecord{
		rec(base, "c", "model-a", 300),
		rec(base, "c", "model-b", 200),
		rec(base, "c", "model-c", 100),
	}); err != nil {
		t.Fatal(err)
	}

	stats, err := s.TopModels(ctx, base, base.Add(time.Hour), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("got %d rows, want 2", len(stats))
	}
	if stats[0].ModelName != "model-a" || stats[1].ModelName != "model-b" {
		t.Errorf("got %+v", stats)
	}
}

func TestTimeSeriesZeroFillsHourBuckets(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	// Traffic in the first and third hours only.
	if err := s.InsertUsageBatch(ctx, []UsageRecord{
		rec(base.Add(5*time.Minute), "c", "m", 100),
		rec(base.Add(10*time.Minute), "c", "m", 50),
		rec(base.Add(2*time.Hour+30*time.Minute), "c", "m", 25),
	}); err != nil {
		t.Fatal(err)
	}

	series, err := s.TimeSeries(ctx, base, base.Add(3*time.Hour), GranularityHour)
	if err != nil {
		t.Fatalf("TimeSeries: %v", err)
	}
	if len(series) != 3 {
		t.Fatalf("got %d buckets, want 3", len(series))
	}

	if series[0].Requests != 2 || series[0].TotalTokens != 150 {
		t.Errorf("bucket 0 = %+v", series[0])
	}
	if series[0].AvgDurationMS != 100 {
		t.Errorf("bucket 0 avg duration = %v, want 100", series[0].AvgDurationMS)
	}
	if series[1].Requests != 0 || series[1].TotalTokens != 0 || series[1].AvgDurationMS != 0 {
		t.Errorf("bucket 1 should be zero-filled, got %+v", series[1])
	}
	if series[2].Requests != 1 || series[2].TotalTokens != 25 {
		t.Errorf("bucket 2 = %+v", series[2])
	}

	for i, b := range series {
		want := base.Add(time.Duration(i) * time.Hour)
		if !b.Start.Equal(want) {
			t.Errorf("bucket %d start = %v, want %v", i, b.Start, want)
		}
	}
}

func TestTimeSeriesZeroFillsMinuteBuckets(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	// Traffic in the first and last of five minutes.
	if err := s.InsertUsageBatch(ctx, []UsageRecord{
		rec(base.Add(10*time.Second), "c", "m", 40),
		rec(base.Add(4*time.Minute+30*time.Second), "c", "m", 60),
	}); err != nil {
		t.Fatal(err)
	}

	series, err := s.TimeSeries(ctx, base, base.Add(5*time.Minute), GranularityMinute)
	if err != nil {
		t.Fatalf("TimeSeries: %v", err)
	}
	if len(series) != 5 {
		t.Fatalf("got %d buckets, want 5", len(series))
	}

	if series[0].Requests != 1 || series[0].TotalTokens != 40 {
		t.Errorf("bucket 0 = %+v", series[0])
	}
	for i := 1; i < 4; i++ {
		if series[i].Requests != 0 || series[i].TotalTokens != 0 || series[i].AvgDurationMS != 0 {
			t.Errorf("bucket %d should be zero-filled, got %+v", i, series[i])
		}
	}
	if series[4].Requests != 1 || series[4].TotalTokens != 60 {
		t.Errorf("bucket 4 = %+v", series[4])
	}

	for i, b := range series {
		want := base.Add(time.Duration(i) * time.Minute)
		if !b.Start.Equal(want) {
			t.Errorf("bucket %d start = %v, want %v", i, b.Start, want)
		}
	}
}

func TestTimeSeriesDayBucketsAlignToUTCMidnight(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// 23:30 UTC on the 23rd and 00:30 UTC on the 24th land in different days.
	if err := s.InsertUsageBatch(ctx, []UsageRecord{
		rec(time.Date(2026, 8, 23, 23, 30, 0, 0, time.UTC), "c", "m", 10),
		rec(time.Date(2026, 8, 24, 0, 30, 0, 0, time.UTC), "c", "m", 20),
	}); err != nil {
		t.Fatal(err)
	}

	since := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
	series, err := s.TimeSeries(ctx, since, since.AddDate(0, 0, 2), GranularityDay)
	if err != nil {
		t.Fatal(err)
	}
	if len(series) != 2 {
		t.Fatalf("got %d buckets, want 2", len(series))
	}
	if series[0].TotalTokens != 10 || series[1].TotalTokens != 20 {
		t.Errorf("day split wrong: %+v", series)
	}
}

func TestTimeSeriesRejectsUnknownGranularity(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.TimeSeries(context.Background(), time.Now(), time.Now(), Granularity("week")); err == nil {
		t.Error("expected error for unknown granularity")
	}
}

func TestRecentUsageNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	if err := s.InsertUsageBatch(ctx, []UsageRecord{
		rec(base, "c", "old", 1),
		rec(base.Add(time.Minute), "c", "mid", 1),
		rec(base.Add(2*time.Minute), "c", "new", 1),
	}); err != nil {
		t.Fatal(err)
	}

	records, err := s.RecentUsage(ctx, 2)
	if err != nil {
		t.Fatalf("RecentUsage: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].ModelName != "new" || records[1].ModelName != "mid" {
		t.Errorf("order wrong: %s, %s", records[0].ModelName, records[1].ModelName)
	}
}

func TestUsageRecordRoundTripsConfigIDAndError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	cfgID := int64(7)
	if err := s.InsertUsageBatch(ctx, []UsageRecord{
		{Timestamp: base, ClientIP: "a", ModelName: "gpt-4", ConfigID: &cfgID,
			Endpoint: "general", RequestType: "chat", TotalTokens: 9, Status: UsageSuccess},
		{Timestamp: base.Add(time.Minute), ClientIP: "b", ModelName: "ghost",
			Endpoint: "general", RequestType: "chat", Status: UsageClientError,
			ErrorMessage: "Model 'ghost' not found"},
	}); err != nil {
		t.Fatalf("InsertUsageBatch: %v", err)
	}

	records, err := s.RecentUsage(ctx, 2)
	if err != nil {
		t.Fatalf("RecentUsage: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}

	failed, ok := records[0], records[1]
	if failed.ConfigID != nil {
		t.Errorf("unresolved request got config id %v", *failed.ConfigID)
	}
	if failed.ErrorMessage != "Model 'ghost' not found" {
		t.Errorf("error message = %q", failed.ErrorMessage)
	}
	if ok.ConfigID == nil || *ok.ConfigID != 7 {
		t.Errorf("config id not round-tripped: %+v", ok.ConfigID)
	}
	if ok.ErrorMessage != "" {
		t.Errorf("success record has error message %q", ok.ErrorMessage)
	}
}

func TestPruneUsage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	if err := s.InsertUsageBatch(ctx, []UsageRecord{
		rec(base.AddDate(0, 0, -40), "c", "m", 1),
		rec(base.AddDate(0, 0, -10), "c", "m", 1),
		rec(base, "c", "m", 1),
	}); err != nil {
		t.Fatal(err)
	}

	n, err := s.PruneUsage(ctx, base.AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("PruneUsage: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}

	totals, err := s.Totals(ctx, base.AddDate(0, 0, -60), base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if totals.Requests != 2 {
		t.Errorf("remaining = %d, want 2", totals.Requests)
	}
}
