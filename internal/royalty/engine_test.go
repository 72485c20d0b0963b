package royalty

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundtrace/soundtrace/internal/storage"
)

type fixture struct {
	db        *storage.DBClient
	trackID   string
	stationID string
	artistID  string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test_royalty.sqlite3")
	db, err := storage.NewDBClientWithPath(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	trackID, err := db.RegisterTrack("Daben", "K. Mensah", "GHA012345678", "Accra Beats", "GH", 210000)
	require.NoError(t, err)
	stationID, err := db.RegisterStation("Peace FM", "GH")
	require.NoError(t, err)

	track, found, err := db.GetTrackByID(trackID)
	require.NoError(t, err)
	require.True(t, found)
	require.NotEmpty(t, track.ArtistID)

	return &fixture{db: db, trackID: trackID, stationID: stationID, artistID: track.ArtistID}
}

func (f *fixture) fundStation(t *testing.T, amount float64) string {
	t.Helper()
	acct, err := f.db.GetOrCreateAccount(storage.OwnerStation, f.stationID)
	require.NoError(t, err)
	ok, err := f.db.Deposit(acct.ID, amount, "funding")
	require.NoError(t, err)
	require.True(t, ok)
	return acct.ID
}

func (f *fixture) makePlay(t *testing.T, durationS float64) storage.Play {
	t.Helper()
	play := storage.Play{
		TrackID:   f.trackID,
		StationID: f.stationID,
		DurationS: durationS,
	}
	require.NoError(t, f.db.DB.Create(&play).Error)
	return play
}

func (f *fixture) balance(t *testing.T, acctID string) float64 {
	t.Helper()
	acct, found, err := f.db.AccountByID(acctID)
	require.NoError(t, err)
	require.True(t, found)
	return acct.Balance
}

func TestAmountPricing(t *testing.T) {
	e := NewEngine(nil, Config{RatePerSecond: 0.05, CapSeconds: 600}, nil)

	assert.Equal(t, 3.0, e.Amount(60))
	assert.Equal(t, 2.25, e.Amount(45))
	assert.Equal(t, 30.0, e.Amount(600))
	assert.Equal(t, 30.0, e.Amount(4000)) // capped
	assert.Equal(t, 0.0, e.Amount(0))
	assert.Equal(t, 0.0, e.Amount(-5))
}

func TestSettlePlayPaid(t *testing.T) {
	f := setup(t)
	stationAcct := f.fundStation(t, 100)
	play := f.makePlay(t, 60)

	e := NewEngine(f.db, Config{RatePerSecond: 0.05}, nil)
	transfer, err := e.SettlePlay(play)
	require.NoError(t, err)

	assert.Equal(t, storage.TransferPaid, transfer.Status)
	assert.Equal(t, 3.0, transfer.Amount)
	require.NotNil(t, transfer.SettledAt)

	assert.Equal(t, 97.0, f.balance(t, stationAcct))
	artistAcct, err := f.db.GetOrCreateAccount(storage.OwnerArtist, f.artistID)
	require.NoError(t, err)
	assert.Equal(t, 3.0, f.balance(t, artistAcct.ID))

	var plays []storage.Play
	require.NoError(t, f.db.DB.Where("id = ?", play.ID).Find(&plays).Error)
	require.Len(t, plays, 1)
	assert.True(t, plays[0].Settled)
	assert.Equal(t, 3.0, plays[0].RoyaltyAmount)

	var notes []storage.Notification
	require.NoError(t, f.db.DB.Find(&notes).Error)
	require.Len(t, notes, 1)
	assert.Equal(t, "payment", notes[0].Kind)
	assert.Equal(t, storage.OwnerArtist, notes[0].OwnerType)
}

func TestSettlePlayInsufficientFunds(t *testing.T) {
	f := setup(t)
	stationAcct := f.fundStation(t, 10)
	play := f.makePlay(t, 300) // 15.00 required

	e := NewEngine(f.db, Config{RatePerSecond: 0.05}, nil)
	transfer, err := e.SettlePlay(play)
	require.NoError(t, err)

	assert.Equal(t, storage.TransferDeclined, transfer.Status)
	assert.Contains(t, transfer.FailureReason, "insufficient funds")
	assert.Equal(t, 10.0, f.balance(t, stationAcct))

	artistAcct, err := f.db.GetOrCreateAccount(storage.OwnerArtist, f.artistID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, f.balance(t, artistAcct.ID))

	// Both parties notified, play settled so it is never retried.
	var notes []storage.Notification
	require.NoError(t, f.db.DB.Find(&notes).Error)
	assert.Len(t, notes, 2)

	var plays []storage.Play
	require.NoError(t, f.db.DB.Where("id = ?", play.ID).Find(&plays).Error)
	assert.True(t, plays[0].Settled)
}

func TestSettlePlayIdempotent(t *testing.T) {
	f := setup(t)
	stationAcct := f.fundStation(t, 100)
	play := f.makePlay(t, 60)

	e := NewEngine(f.db, Config{RatePerSecond: 0.05}, nil)
	first, err := e.SettlePlay(play)
	require.NoError(t, err)
	second, err := e.SettlePlay(play)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 97.0, f.balance(t, stationAcct), "money must move exactly once")
}

// failingCreditLedger rejects deposits into one account to simulate a credit
// failure after a successful debit.
type failingCreditLedger struct {
	*storage.DBClient
	failAccount string
}

func (f *failingCreditLedger) Deposit(accountID string, amount float64, memo string) (bool, error) {
	if accountID == f.failAccount {
		return false, errors.New("ledger backend offline")
	}
	return f.DBClient.Deposit(accountID, amount, memo)
}

func TestSettlePlayCreditFailureReversesDebit(t *testing.T) {
	f := setup(t)
	stationAcct := f.fundStation(t, 100)
	play := f.makePlay(t, 60)

	artistAcct, err := f.db.GetOrCreateAccount(storage.OwnerArtist, f.artistID)
	require.NoError(t, err)

	e := NewEngine(&failingCreditLedger{DBClient: f.db, failAccount: artistAcct.ID},
		Config{RatePerSecond: 0.05}, nil)
	_, err = e.SettlePlay(play)
	require.Error(t, err)

	assert.Equal(t, 100.0, f.balance(t, stationAcct), "debit must be reversed")
	assert.Equal(t, 0.0, f.balance(t, artistAcct.ID))

	// Transfer still open for a later re-run, play not settled.
	transfer, found, err := f.db.TransferByPlayID(play.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, storage.TransferRequested, transfer.Status)
	assert.NotEmpty(t, transfer.FailureReason)

	var plays []storage.Play
	require.NoError(t, f.db.DB.Where("id = ?", play.ID).Find(&plays).Error)
	assert.False(t, plays[0].Settled)
}

func TestSettlePlayResumeKeepsRecordedAmount(t *testing.T) {
	f := setup(t)
	stationAcct := f.fundStation(t, 100)
	play := f.makePlay(t, 60)

	artistAcct, err := f.db.GetOrCreateAccount(storage.OwnerArtist, f.artistID)
	require.NoError(t, err)

	broken := NewEngine(&failingCreditLedger{DBClient: f.db, failAccount: artistAcct.ID},
		Config{RatePerSecond: 0.05}, nil)
	_, err = broken.SettlePlay(play)
	require.Error(t, err)

	// Pricing changed before the re-run; the open transfer keeps its amount.
	e := NewEngine(f.db, Config{RatePerSecond: 0.10}, nil)
	transfer, err := e.SettlePlay(play)
	require.NoError(t, err)

	assert.Equal(t, storage.TransferPaid, transfer.Status)
	assert.Equal(t, 3.0, transfer.Amount)
	assert.Equal(t, 97.0, f.balance(t, stationAcct))
	assert.Equal(t, 3.0, f.balance(t, artistAcct.ID))
}

func TestSettlePlayUnknownTrackDeclines(t *testing.T) {
	f := setup(t)
	f.fundStation(t, 100)
	play := storage.Play{TrackID: "no-such-track", StationID: f.stationID, DurationS: 60}
	require.NoError(t, f.db.DB.Create(&play).Error)

	e := NewEngine(f.db, Config{}, nil)
	transfer, err := e.SettlePlay(play)
	require.NoError(t, err)
	assert.Equal(t, storage.TransferDeclined, transfer.Status)
	assert.Contains(t, transfer.FailureReason, "unknown track")
}

func TestRunSettlesBatch(t *testing.T) {
	f := setup(t)
	stationAcct := f.fundStation(t, 100)
	f.makePlay(t, 60)  // 3.00
	f.makePlay(t, 120) // 6.00
	f.makePlay(t, 30)  // 1.50

	e := NewEngine(f.db, Config{RatePerSecond: 0.05}, nil)
	sum, err := e.Run()
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Scanned)
	assert.Equal(t, 3, sum.Paid)
	assert.Equal(t, 0, sum.Declined)
	assert.Equal(t, 10.5, sum.TotalPaid)

	// Conservation: station debits equal artist credits.
	artistAcct, err := f.db.GetOrCreateAccount(storage.OwnerArtist, f.artistID)
	require.NoError(t, err)
	assert.Equal(t, 100.0-sum.TotalPaid, f.balance(t, stationAcct))
	assert.Equal(t, sum.TotalPaid, f.balance(t, artistAcct.ID))
}

func TestRunPartialAffordability(t *testing.T) {
	f := setup(t)
	stationAcct := f.fundStation(t, 7) // covers 3.00 + 3.00, not the third
	f.makePlay(t, 60)
	f.makePlay(t, 60)
	f.makePlay(t, 60)

	e := NewEngine(f.db, Config{RatePerSecond: 0.05}, nil)
	sum, err := e.Run()
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Paid)
	assert.Equal(t, 1, sum.Declined)
	assert.Equal(t, 1.0, f.balance(t, stationAcct))

	artistAcct, err := f.db.GetOrCreateAccount(storage.OwnerArtist, f.artistID)
	require.NoError(t, err)
	assert.Equal(t, 6.0, f.balance(t, artistAcct.ID))
}

func TestRunIdempotent(t *testing.T) {
	f := setup(t)
	f.fundStation(t, 100)
	f.makePlay(t, 60)

	e := NewEngine(f.db, Config{RatePerSecond: 0.05}, nil)
	_, err := e.Run()
	require.NoError(t, err)

	sum, err := e.Run()
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Scanned, "settled plays must not be rescanned")
}
