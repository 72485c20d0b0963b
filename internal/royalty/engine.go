// Package royalty prices validated plays and settles them as station to
// artist ledger transfers. Settlement is atomic per play: the ledger never
// shows a debit without a matching credit or a reversal.
package royalty

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/soundtrace/soundtrace/internal/storage"
	"github.com/soundtrace/soundtrace/pkg/logger"
)

// Pricing defaults. The cap bounds pathological long plays from a single
// flat calculation.
const (
	DefaultRatePerSecond = 0.05
	DefaultCapSeconds    = 600.0
	DefaultBatchSize     = 200

	lockStripes = 64
)

// Ledger is the persistence slice the engine needs. storage.DBClient
// satisfies it.
type Ledger interface {
	GetOrCreateAccount(ownerType, ownerID string) (*storage.LedgerAccount, error)
	AccountByID(id string) (*storage.LedgerAccount, bool, error)
	Withdraw(accountID string, amount float64, memo string) (bool, error)
	Deposit(accountID string, amount float64, memo string) (bool, error)
	CreateTransfer(t *storage.LedgerTransfer) error
	SaveTransfer(t *storage.LedgerTransfer) error
	TransferByPlayID(playID uint) (*storage.LedgerTransfer, bool, error)
	MarkPlaySettled(playID uint, royaltyAmount float64) error
	CreateNotification(n *storage.Notification) error
	UnsettledPlays(limit int) ([]storage.Play, error)
	GetTrackByID(trackID string) (*storage.Track, bool, error)
}

// Config tunes pricing and batching. Zero values take the defaults.
type Config struct {
	RatePerSecond float64
	CapSeconds    float64
	BatchSize     int
}

// Summary reports one settlement run.
type Summary struct {
	Scanned   int
	Paid      int
	Declined  int
	TotalPaid float64
}

// Engine settles plays against the ledger. Money movement serializes per
// account through striped locks so concurrent settlements cannot race a
// shared balance.
type Engine struct {
	ledger Ledger
	cfg    Config
	log    *logger.Logger
	locks  [lockStripes]sync.Mutex
}

// NewEngine builds an engine, filling config defaults for zero values.
func NewEngine(ledger Ledger, cfg Config, log *logger.Logger) *Engine {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultRatePerSecond
	}
	if cfg.CapSeconds <= 0 {
		cfg.CapSeconds = DefaultCapSeconds
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Engine{ledger: ledger, cfg: cfg, log: log}
}

// Amount prices one play: duration capped, times the per-second rate,
// rounded to two decimals. Never negative.
func (e *Engine) Amount(durationS float64) float64 {
	if durationS < 0 {
		durationS = 0
	}
	return round2(math.Min(durationS, e.cfg.CapSeconds) * e.cfg.RatePerSecond)
}

// SettlePlay settles one play end to end and returns the resulting transfer.
// Re-running on an already settled play returns the existing transfer
// without moving money again.
func (e *Engine) SettlePlay(play storage.Play) (*storage.LedgerTransfer, error) {
	existing, found, err := e.ledger.TransferByPlayID(play.ID)
	if err != nil {
		return nil, fmt.Errorf("checking existing transfer: %w", err)
	}
	if found && existing.Status != storage.TransferRequested {
		if !play.Settled {
			if err := e.ledger.MarkPlaySettled(play.ID, existing.Amount); err != nil {
				return existing, fmt.Errorf("re-stamping settled play: %w", err)
			}
		}
		return existing, nil
	}

	amount := e.Amount(play.DurationS)
	if existing != nil {
		// Resume the crash-left transfer at its recorded amount; a rate
		// change between runs must not desync money moved from the row.
		amount = existing.Amount
	}

	stationAcct, err := e.ledger.GetOrCreateAccount(storage.OwnerStation, play.StationID)
	if err != nil {
		return nil, fmt.Errorf("resolving station account: %w", err)
	}

	artistID, reason := e.resolveArtist(play.TrackID)
	var artistAcct *storage.LedgerAccount
	if reason == "" {
		artistAcct, err = e.ledger.GetOrCreateAccount(storage.OwnerArtist, artistID)
		if err != nil {
			return nil, fmt.Errorf("resolving artist account: %w", err)
		}
	}

	transfer := existing
	if transfer == nil {
		transfer = &storage.LedgerTransfer{
			ID:          uuid.NewString(),
			PlayID:      play.ID,
			FromAccount: stationAcct.ID,
			Amount:      amount,
			Status:      storage.TransferRequested,
		}
		if artistAcct != nil {
			transfer.ToAccount = artistAcct.ID
		}
		if err := e.ledger.CreateTransfer(transfer); err != nil {
			return nil, fmt.Errorf("creating transfer: %w", err)
		}
	}

	if reason != "" {
		return transfer, e.decline(transfer, play, reason)
	}
	return transfer, e.move(transfer, play, stationAcct.ID, artistAcct.ID, amount)
}

// move performs the debit and credit under both account locks. A credit
// failure after a successful debit reverses the debit before returning.
func (e *Engine) move(t *storage.LedgerTransfer, play storage.Play, stationAcctID, artistAcctID string, amount float64) error {
	unlock := e.lockAccounts(stationAcctID, artistAcctID)
	defer unlock()

	memo := fmt.Sprintf("royalty for play %d", play.ID)
	ok, err := e.ledger.Withdraw(stationAcctID, amount, memo)
	if err != nil {
		return fmt.Errorf("debiting station: %w", err)
	}
	if !ok {
		return e.decline(t, play, fmt.Sprintf("insufficient funds: %.2f required", amount))
	}

	credited, err := e.ledger.Deposit(artistAcctID, amount, memo)
	if err == nil && !credited {
		err = fmt.Errorf("credit rejected for account %s", artistAcctID)
	}
	if err != nil {
		if _, revErr := e.ledger.Deposit(stationAcctID, amount, memo+" (reversal)"); revErr != nil {
			e.log.Errorf("debit reversal failed for play %d: %v", play.ID, revErr)
			return fmt.Errorf("crediting artist (reversal also failed: %v): %w", revErr, err)
		}
		t.FailureReason = err.Error()
		if saveErr := e.ledger.SaveTransfer(t); saveErr != nil {
			e.log.Errorf("recording credit failure for play %d: %v", play.ID, saveErr)
		}
		return fmt.Errorf("crediting artist: %w", err)
	}

	now := time.Now().UTC()
	t.Status = storage.TransferPaid
	t.SettledAt = &now
	if err := e.ledger.SaveTransfer(t); err != nil {
		return fmt.Errorf("marking transfer paid: %w", err)
	}
	if err := e.ledger.MarkPlaySettled(play.ID, amount); err != nil {
		return fmt.Errorf("marking play settled: %w", err)
	}
	e.notify(storage.OwnerArtist, play, t, "payment",
		fmt.Sprintf("royalty payment %.2f received for play %d", amount, play.ID))
	return nil
}

// decline records a terminal declined transfer, settles the play so it is
// never retried, and notifies both parties. Not an error path.
func (e *Engine) decline(t *storage.LedgerTransfer, play storage.Play, reason string) error {
	t.Status = storage.TransferDeclined
	t.FailureReason = reason
	if err := e.ledger.SaveTransfer(t); err != nil {
		return fmt.Errorf("marking transfer declined: %w", err)
	}
	if err := e.ledger.MarkPlaySettled(play.ID, t.Amount); err != nil {
		return fmt.Errorf("marking play settled: %w", err)
	}
	msg := fmt.Sprintf("royalty transfer for play %d declined: %s", play.ID, reason)
	e.notify(storage.OwnerStation, play, t, "decline", msg)
	e.notify(storage.OwnerArtist, play, t, "decline", msg)
	e.log.Warnf("transfer declined for play %d: %s", play.ID, reason)
	return nil
}

// Run settles all unsettled plays in bounded batches, grouped per station.
// Each station group is checked for whole-batch affordability first; a group
// the station can fully afford settles without individual declines, anything
// else settles play by play in order until funds run out.
func (e *Engine) Run() (Summary, error) {
	var total Summary
	for {
		plays, err := e.ledger.UnsettledPlays(e.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("loading unsettled plays: %w", err)
		}
		if len(plays) == 0 {
			return total, nil
		}

		batch, err := e.settleBatch(plays)
		total.Scanned += batch.Scanned
		total.Paid += batch.Paid
		total.Declined += batch.Declined
		total.TotalPaid = round2(total.TotalPaid + batch.TotalPaid)
		if err != nil {
			return total, err
		}
	}
}

func (e *Engine) settleBatch(plays []storage.Play) (Summary, error) {
	var sum Summary
	sum.Scanned = len(plays)

	byStation := make(map[string][]storage.Play)
	stations := make([]string, 0)
	for _, p := range plays {
		if _, ok := byStation[p.StationID]; !ok {
			stations = append(stations, p.StationID)
		}
		byStation[p.StationID] = append(byStation[p.StationID], p)
	}
	sort.Strings(stations)

	for _, stationID := range stations {
		group := byStation[stationID]
		if affordable, err := e.canAffordAll(stationID, group); err != nil {
			return sum, err
		} else if !affordable {
			e.log.Warnf("station %s cannot cover all %d pending transfers, settling in order",
				stationID, len(group))
		}
		for _, play := range group {
			transfer, err := e.SettlePlay(play)
			if err != nil {
				return sum, fmt.Errorf("settling play %d: %w", play.ID, err)
			}
			switch transfer.Status {
			case storage.TransferPaid:
				sum.Paid++
				sum.TotalPaid = round2(sum.TotalPaid + transfer.Amount)
			case storage.TransferDeclined:
				sum.Declined++
			}
		}
	}
	e.log.Infof("settled %d plays: %d paid (%.2f), %d declined",
		sum.Scanned, sum.Paid, sum.TotalPaid, sum.Declined)
	return sum, nil
}

// canAffordAll compares the station's balance against the summed price of
// its pending group.
func (e *Engine) canAffordAll(stationID string, group []storage.Play) (bool, error) {
	acct, err := e.ledger.GetOrCreateAccount(storage.OwnerStation, stationID)
	if err != nil {
		return false, fmt.Errorf("resolving station account: %w", err)
	}
	var required float64
	for _, p := range group {
		required = round2(required + e.Amount(p.DurationS))
	}
	return acct.Balance >= required, nil
}

// resolveArtist maps a play's track to its artist account owner. A missing
// track or artist is a decline reason, not an error.
func (e *Engine) resolveArtist(trackID string) (artistID, reason string) {
	track, found, err := e.ledger.GetTrackByID(trackID)
	if err != nil {
		return "", fmt.Sprintf("track lookup failed: %v", err)
	}
	if !found {
		return "", fmt.Sprintf("unknown track %s", trackID)
	}
	if track.ArtistID == "" {
		return "", fmt.Sprintf("track %s has no artist on record", trackID)
	}
	return track.ArtistID, ""
}

func (e *Engine) notify(ownerType string, play storage.Play, t *storage.LedgerTransfer, kind, msg string) {
	ownerID := play.StationID
	if ownerType == storage.OwnerArtist {
		if artistID, reason := e.resolveArtist(play.TrackID); reason == "" {
			ownerID = artistID
		} else {
			return
		}
	}
	n := &storage.Notification{
		OwnerType:  ownerType,
		OwnerID:    ownerID,
		TransferID: t.ID,
		Kind:       kind,
		Message:    msg,
	}
	if err := e.ledger.CreateNotification(n); err != nil {
		e.log.Errorf("recording notification for transfer %s: %v", t.ID, err)
	}
}

// lockAccounts takes both account stripes in a stable order and returns the
// matching unlock.
func (e *Engine) lockAccounts(a, b string) func() {
	i, j := stripe(a), stripe(b)
	if i > j {
		i, j = j, i
	}
	e.locks[i].Lock()
	if j != i {
		e.locks[j].Lock()
	}
	return func() {
		if j != i {
			e.locks[j].Unlock()
		}
		e.locks[i].Unlock()
	}
}

func stripe(accountID string) int {
	h := fnv.New32a()
	h.Write([]byte(accountID))
	return int(h.Sum32() % lockStripes)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
