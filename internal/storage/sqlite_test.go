package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/soundtrace/soundtrace/internal/model"
)

func setupTestDB(t *testing.T) *DBClient {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test_soundtrace.sqlite3")
	c, err := NewDBClientWithPath(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test DB: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRegisterTrackIdempotent(t *testing.T) {
	c := setupTestDB(t)

	id1, err := c.RegisterTrack("Song A", "Artist A", "", "", "", 180000)
	if err != nil {
		t.Fatalf("RegisterTrack failed: %v", err)
	}
	id2, err := c.RegisterTrack("Song A", "Artist A", "GHXXX2500001", "Label", "GH", 180000)
	if err != nil {
		t.Fatalf("RegisterTrack (second) failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("Expected same track ID, got %s and %s", id1, id2)
	}

	// Backfilled identity fields.
	track, found, err := c.GetTrackByID(id1)
	if err != nil || !found {
		t.Fatalf("GetTrackByID failed: found=%v err=%v", found, err)
	}
	if track.ISRC != "GHXXX2500001" {
		t.Errorf("Expected ISRC backfill, got %q", track.ISRC)
	}

	// Artist row created alongside.
	if track.ArtistID == "" {
		t.Error("Expected artist ID on track")
	}
}

func TestTrackByISRC(t *testing.T) {
	c := setupTestDB(t)

	id, err := c.RegisterTrack("Song B", "Artist B", "USRC12345678", "", "US", 0)
	if err != nil {
		t.Fatalf("RegisterTrack failed: %v", err)
	}

	track, found, err := c.TrackByISRC("USRC12345678")
	if err != nil {
		t.Fatalf("TrackByISRC failed: %v", err)
	}
	if !found || track.ID != id {
		t.Errorf("Expected track %s, got found=%v", id, found)
	}

	if _, found, _ := c.TrackByISRC("NOPE"); found {
		t.Error("Expected no track for unknown ISRC")
	}
}

func TestStoreAndQueryFingerprints(t *testing.T) {
	c := setupTestDB(t)

	trackID, _ := c.RegisterTrack("Song C", "Artist C", "", "", "", 0)

	fp := map[uint32][]model.Couple{
		100: {{TrackID: trackID, AnchorTimeMs: 1000}, {TrackID: trackID, AnchorTimeMs: 2000}},
		200: {{TrackID: trackID, AnchorTimeMs: 1500}},
	}
	if err := c.StoreFingerprints(fp); err != nil {
		t.Fatalf("StoreFingerprints failed: %v", err)
	}

	got, err := c.CouplesByHashes([]uint32{100, 200, 300})
	if err != nil {
		t.Fatalf("CouplesByHashes failed: %v", err)
	}
	if len(got[100]) != 2 || len(got[200]) != 1 {
		t.Errorf("Unexpected postings: %v", got)
	}
	if _, ok := got[300]; ok {
		t.Error("Expected no postings for unknown hash")
	}

	count, err := c.FingerprintCount(trackID)
	if err != nil {
		t.Fatalf("FingerprintCount failed: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 fingerprints, got %d", count)
	}
}

func TestDeleteTrackRemovesFingerprints(t *testing.T) {
	c := setupTestDB(t)

	trackID, _ := c.RegisterTrack("Song D", "Artist D", "", "", "", 0)
	c.StoreFingerprints(map[uint32][]model.Couple{
		1: {{TrackID: trackID, AnchorTimeMs: 10}},
	})

	if err := c.DeleteTrackByID(trackID); err != nil {
		t.Fatalf("DeleteTrackByID failed: %v", err)
	}
	if _, found, _ := c.GetTrackByID(trackID); found {
		t.Error("Expected track to be deleted")
	}
	count, _ := c.FingerprintCount(trackID)
	if count != 0 {
		t.Errorf("Expected fingerprints deleted, got %d", count)
	}
}

func TestRawMatchLifecycle(t *testing.T) {
	c := setupTestDB(t)

	trackID, _ := c.RegisterTrack("Song E", "Artist E", "", "", "", 0)
	stationID, _ := c.RegisterStation("Station E", "GH")

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var ids []uint
	for i := 0; i < 3; i++ {
		m := &RawMatch{
			TrackID:    trackID,
			StationID:  stationID,
			MatchedAt:  base.Add(time.Duration(i) * 20 * time.Second),
			Confidence: 0.9,
			Source:     "local",
		}
		if err := c.CreateRawMatch(m); err != nil {
			t.Fatalf("CreateRawMatch failed: %v", err)
		}
		ids = append(ids, m.ID)
	}

	rows, err := c.UnprocessedMatches(0)
	if err != nil {
		t.Fatalf("UnprocessedMatches failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Expected 3 unprocessed matches, got %d", len(rows))
	}

	play := &Play{
		TrackID:       trackID,
		StationID:     stationID,
		StartTime:     base,
		StopTime:      base.Add(40 * time.Second),
		DurationS:     40,
		AvgConfidence: 0.9,
		MatchCount:    3,
	}
	if err := c.CommitPlay(play, ids); err != nil {
		t.Fatalf("CommitPlay failed: %v", err)
	}

	rows, _ = c.UnprocessedMatches(0)
	if len(rows) != 0 {
		t.Errorf("Expected no unprocessed matches after commit, got %d", len(rows))
	}

	plays, err := c.UnsettledPlays(0)
	if err != nil {
		t.Fatalf("UnsettledPlays failed: %v", err)
	}
	if len(plays) != 1 {
		t.Errorf("Expected 1 unsettled play, got %d", len(plays))
	}
}

func TestCommitFailedPlayMarksProcessed(t *testing.T) {
	c := setupTestDB(t)

	trackID, _ := c.RegisterTrack("Song F", "Artist F", "", "", "", 0)
	stationID, _ := c.RegisterStation("Station F", "GH")

	m := &RawMatch{TrackID: trackID, StationID: stationID, MatchedAt: time.Now().UTC(), Confidence: 0.5}
	c.CreateRawMatch(m)

	log := &FailedPlayLog{
		TrackID: trackID, StationID: stationID,
		MatchCount: 1, Reason: "too few matches", CanRetry: false,
	}
	if err := c.CommitFailedPlay(log, []uint{m.ID}); err != nil {
		t.Fatalf("CommitFailedPlay failed: %v", err)
	}

	rows, _ := c.UnprocessedMatches(0)
	if len(rows) != 0 {
		t.Errorf("Expected matches marked processed, got %d unprocessed", len(rows))
	}

	var stored RawMatch
	if err := c.DB.First(&stored, m.ID).Error; err != nil {
		t.Fatalf("Fetching match failed: %v", err)
	}
	if stored.FailureReason != "too few matches" {
		t.Errorf("Expected failure reason recorded, got %q", stored.FailureReason)
	}
}

func TestLedgerWithdrawDeposit(t *testing.T) {
	c := setupTestDB(t)

	acct, err := c.GetOrCreateAccount(OwnerStation, "station-1")
	if err != nil {
		t.Fatalf("GetOrCreateAccount failed: %v", err)
	}
	if acct.Balance != 0 {
		t.Errorf("Expected zero opening balance, got %f", acct.Balance)
	}

	// Same owner resolves to the same account.
	again, _ := c.GetOrCreateAccount(OwnerStation, "station-1")
	if again.ID != acct.ID {
		t.Errorf("Expected same account, got %s and %s", acct.ID, again.ID)
	}

	ok, err := c.Deposit(acct.ID, 50.00, "opening")
	if err != nil || !ok {
		t.Fatalf("Deposit failed: ok=%v err=%v", ok, err)
	}

	// Withdraw within balance.
	ok, err = c.Withdraw(acct.ID, 20.00, "royalty")
	if err != nil || !ok {
		t.Fatalf("Withdraw failed: ok=%v err=%v", ok, err)
	}

	// Withdraw beyond balance is rejected, not an error.
	ok, err = c.Withdraw(acct.ID, 100.00, "royalty")
	if err != nil {
		t.Fatalf("Withdraw errored: %v", err)
	}
	if ok {
		t.Error("Expected over-balance withdraw to be rejected")
	}

	fresh, _, _ := c.AccountByID(acct.ID)
	if fresh.Balance != 30.00 {
		t.Errorf("Expected balance 30.00, got %f", fresh.Balance)
	}
}

func TestWithdrawNegativeAmount(t *testing.T) {
	c := setupTestDB(t)
	acct, _ := c.GetOrCreateAccount(OwnerArtist, "artist-1")
	if _, err := c.Withdraw(acct.ID, -5, "bad"); err == nil {
		t.Error("Expected error for negative withdraw")
	}
	if _, err := c.Deposit(acct.ID, -5, "bad"); err == nil {
		t.Error("Expected error for negative deposit")
	}
}

func TestTransferByPlayID(t *testing.T) {
	c := setupTestDB(t)

	tr := &LedgerTransfer{
		ID: "transfer-1", PlayID: 42,
		FromAccount: "a", ToAccount: "b",
		Amount: 1.50, Status: TransferRequested,
	}
	if err := c.CreateTransfer(tr); err != nil {
		t.Fatalf("CreateTransfer failed: %v", err)
	}

	got, found, err := c.TransferByPlayID(42)
	if err != nil || !found {
		t.Fatalf("TransferByPlayID failed: found=%v err=%v", found, err)
	}
	if got.Amount != 1.50 {
		t.Errorf("Expected amount 1.50, got %f", got.Amount)
	}

	if _, found, _ := c.TransferByPlayID(43); found {
		t.Error("Expected no transfer for unknown play")
	}
}

func TestDayUsageCounter(t *testing.T) {
	c := setupTestDB(t)

	day := "2026-03-01"
	n, err := c.IncrementDayUsage(day, 1)
	if err != nil {
		t.Fatalf("IncrementDayUsage failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected count 1, got %d", n)
	}

	n, _ = c.IncrementDayUsage(day, 2)
	if n != 3 {
		t.Errorf("Expected count 3, got %d", n)
	}

	got, err := c.DayUsage(day)
	if err != nil || got != 3 {
		t.Errorf("Expected stored count 3, got %d (err=%v)", got, err)
	}

	if got, _ := c.DayUsage("2026-03-02"); got != 0 {
		t.Errorf("Expected zero for fresh day, got %d", got)
	}
}

func TestFingerprintRunRoundTrip(t *testing.T) {
	c := setupTestDB(t)

	trackID, _ := c.RegisterTrack("Song G", "Artist G", "", "", "", 0)

	run := &FingerprintRun{
		TrackID:          trackID,
		AlgorithmVersion: "v2.1",
		Profile:          "balanced",
		HashCount:        1234,
		QualityScore:     0.7,
	}
	if err := c.SaveFingerprintRun(run); err != nil {
		t.Fatalf("SaveFingerprintRun failed: %v", err)
	}

	got, found, err := c.LatestFingerprintRun(trackID)
	if err != nil || !found {
		t.Fatalf("LatestFingerprintRun failed: found=%v err=%v", found, err)
	}
	if got.HashCount != 1234 || got.Profile != "balanced" {
		t.Errorf("Unexpected run record: %+v", got)
	}
}
