package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/soundtrace/soundtrace/internal/model"
	"github.com/soundtrace/soundtrace/pkg/logger"
)

const DefaultDBFile = "soundtrace.sqlite3"
const errDBClientNil = "db client is nil"

// DBClient wraps the GORM handle and the underlying pool.
type DBClient struct {
	DB  *gorm.DB
	db  *sql.DB
	log *logger.Logger
}

// NewDBClient opens the database at SOUNDTRACE_DB_PATH or the default file.
func NewDBClient() (*DBClient, error) {
	dbPath := os.Getenv("SOUNDTRACE_DB_PATH")
	if dbPath == "" {
		dbPath = DefaultDBFile
	}
	return NewDBClientWithPath(dbPath)
}

// NewDBClientWithPath opens (creating if needed) the sqlite database and runs
// migrations.
func NewDBClientWithPath(dbPath string) (*DBClient, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil && !os.IsExist(err) {
		if filepath.Dir(dbPath) != "." {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}

	db, err := gorm.Open(sqlite.Open(dbPath+"?_foreign_keys=on"), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB from gorm: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(
		&Track{}, &Station{}, &Artist{},
		&Fingerprint{}, &FingerprintRun{},
		&RawMatch{}, &Play{}, &FailedPlayLog{},
		&LedgerAccount{}, &LedgerTransfer{}, &Notification{},
		&PROAffiliationRecord{}, &APIUsageCounter{},
	); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return &DBClient{DB: db, db: sqlDB, log: logger.GetLogger()}, nil
}

func (c *DBClient) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// ---------------------------------------------------------------- catalog

// RegisterTrack finds or creates a track keyed by (title, artist), filling in
// identity fields that were previously blank.
func (c *DBClient) RegisterTrack(title, artist, isrc, label, territory string, durationMs int) (string, error) {
	if c == nil || c.DB == nil {
		return "", errors.New(errDBClientNil)
	}

	var track Track
	err := c.DB.Where("title = ? AND artist = ?", title, artist).First(&track).Error
	if err == nil {
		updates := map[string]any{}
		if track.ISRC == "" && isrc != "" {
			updates["isrc"] = isrc
		}
		if track.Label == "" && label != "" {
			updates["label"] = label
		}
		if track.Territory == "" && territory != "" {
			updates["territory"] = territory
		}
		if len(updates) > 0 {
			if err := c.DB.Model(&track).Updates(updates).Error; err != nil {
				return "", fmt.Errorf("updating track identity: %w", err)
			}
		}
		return track.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("querying existing track: %w", err)
	}

	artistID, err := c.RegisterArtist(artist)
	if err != nil {
		return "", err
	}

	track = Track{
		ID:         uuid.NewString(),
		Title:      title,
		Artist:     artist,
		ArtistID:   artistID,
		ISRC:       isrc,
		Label:      label,
		Territory:  territory,
		DurationMs: durationMs,
	}
	if err := c.DB.Create(&track).Error; err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "constraint failed") {
			if fetchErr := c.DB.Where("title = ? AND artist = ?", title, artist).First(&track).Error; fetchErr != nil {
				return "", fmt.Errorf("fetching track after constraint violation: %w", fetchErr)
			}
			return track.ID, nil
		}
		return "", fmt.Errorf("creating track: %w", err)
	}
	return track.ID, nil
}

func (c *DBClient) GetTrackByID(trackID string) (*Track, bool, error) {
	if c == nil || c.DB == nil {
		return nil, false, errors.New(errDBClientNil)
	}
	var track Track
	err := c.DB.Where("id = ?", trackID).First(&track).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("querying track: %w", err)
	}
	return &track, true, nil
}

func (c *DBClient) TrackByISRC(isrc string) (*Track, bool, error) {
	if c == nil || c.DB == nil {
		return nil, false, errors.New(errDBClientNil)
	}
	var track Track
	err := c.DB.Where("isrc = ?", isrc).First(&track).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("querying track by ISRC: %w", err)
	}
	return &track, true, nil
}

func (c *DBClient) ListTracks() ([]Track, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var tracks []Track
	if err := c.DB.Order("created_at").Find(&tracks).Error; err != nil {
		return nil, fmt.Errorf("listing tracks: %w", err)
	}
	return tracks, nil
}

// DeleteTrackByID removes a track and its fingerprints in one transaction.
func (c *DBClient) DeleteTrackByID(trackID string) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	return c.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("track_id = ?", trackID).Delete(&Fingerprint{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", trackID).Delete(&Track{}).Error
	})
}

// RegisterStation finds or creates a station by name.
func (c *DBClient) RegisterStation(name, territory string) (string, error) {
	if c == nil || c.DB == nil {
		return "", errors.New(errDBClientNil)
	}
	var station Station
	err := c.DB.Where("name = ?", name).First(&station).Error
	if err == nil {
		return station.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("querying station: %w", err)
	}
	station = Station{ID: uuid.NewString(), Name: name, Territory: territory}
	if err := c.DB.Create(&station).Error; err != nil {
		return "", fmt.Errorf("creating station: %w", err)
	}
	return station.ID, nil
}

func (c *DBClient) GetStationByID(stationID string) (*Station, bool, error) {
	if c == nil || c.DB == nil {
		return nil, false, errors.New(errDBClientNil)
	}
	var station Station
	err := c.DB.Where("id = ?", stationID).First(&station).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("querying station: %w", err)
	}
	return &station, true, nil
}

func (c *DBClient) ListStations() ([]Station, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var stations []Station
	if err := c.DB.Order("name").Find(&stations).Error; err != nil {
		return nil, fmt.Errorf("listing stations: %w", err)
	}
	return stations, nil
}

// RegisterArtist finds or creates an artist by name.
func (c *DBClient) RegisterArtist(name string) (string, error) {
	if c == nil || c.DB == nil {
		return "", errors.New(errDBClientNil)
	}
	var artist Artist
	err := c.DB.Where("name = ?", name).First(&artist).Error
	if err == nil {
		return artist.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("querying artist: %w", err)
	}
	artist = Artist{ID: uuid.NewString(), Name: name}
	if err := c.DB.Create(&artist).Error; err != nil {
		return "", fmt.Errorf("creating artist: %w", err)
	}
	return artist.ID, nil
}

// ------------------------------------------------------------ fingerprints

// StoreFingerprints persists catalog hash postings in batches.
func (c *DBClient) StoreFingerprints(fp map[uint32][]model.Couple) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}

	entries := make([]Fingerprint, 0, 1024)
	for hash, couples := range fp {
		for _, cou := range couples {
			entries = append(entries, Fingerprint{
				Hash:         hash,
				TrackID:      cou.TrackID,
				AnchorTimeMs: cou.AnchorTimeMs,
			})
			if len(entries) >= 1000 {
				if err := c.DB.CreateInBatches(entries, 500).Error; err != nil {
					return fmt.Errorf("batch insert fingerprints: %w", err)
				}
				entries = entries[:0]
			}
		}
	}
	if len(entries) > 0 {
		if err := c.DB.CreateInBatches(entries, 500).Error; err != nil {
			return fmt.Errorf("batch insert last fingerprints: %w", err)
		}
	}
	return nil
}

// CouplesByHashes returns the index postings for one matching pass. Satisfies
// the matcher's Index interface.
func (c *DBClient) CouplesByHashes(hashes []uint32) (map[uint32][]model.Couple, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	if len(hashes) == 0 {
		return make(map[uint32][]model.Couple), nil
	}

	var rows []Fingerprint
	if err := c.DB.Where("hash IN ?", hashes).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("batch querying fingerprints: %w", err)
	}

	result := make(map[uint32][]model.Couple)
	for _, r := range rows {
		result[r.Hash] = append(result[r.Hash], model.Couple{
			TrackID:      r.TrackID,
			AnchorTimeMs: r.AnchorTimeMs,
		})
	}
	return result, nil
}

func (c *DBClient) FingerprintCount(trackID string) (int, error) {
	if c == nil || c.DB == nil {
		return 0, errors.New(errDBClientNil)
	}
	var count int64
	if err := c.DB.Model(&Fingerprint{}).Where("track_id = ?", trackID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting fingerprints: %w", err)
	}
	return int(count), nil
}

func (c *DBClient) SaveFingerprintRun(run *FingerprintRun) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	return c.DB.Create(run).Error
}

// LatestFingerprintRun returns the most recent run for a track, if any.
func (c *DBClient) LatestFingerprintRun(trackID string) (*FingerprintRun, bool, error) {
	if c == nil || c.DB == nil {
		return nil, false, errors.New(errDBClientNil)
	}
	var run FingerprintRun
	err := c.DB.Where("track_id = ?", trackID).Order("created_at DESC").First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("querying fingerprint run: %w", err)
	}
	return &run, true, nil
}

// --------------------------------------------------------------- matches

func (c *DBClient) CreateRawMatch(m *RawMatch) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	return c.DB.Create(m).Error
}

// UnprocessedMatches returns up to limit unprocessed matches, oldest first.
func (c *DBClient) UnprocessedMatches(limit int) ([]RawMatch, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var rows []RawMatch
	q := c.DB.Where("processed = ?", false).Order("matched_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying unprocessed matches: %w", err)
	}
	return rows, nil
}

// CommitPlay creates a play and marks its member matches processed in one
// transaction.
func (c *DBClient) CommitPlay(play *Play, matchIDs []uint) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	return c.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(play).Error; err != nil {
			return err
		}
		return tx.Model(&RawMatch{}).Where("id IN ?", matchIDs).
			Update("processed", true).Error
	})
}

// CommitFailedPlay records a failed group and marks its matches processed
// with the failure reason, in one transaction.
func (c *DBClient) CommitFailedPlay(log *FailedPlayLog, matchIDs []uint) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	return c.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(log).Error; err != nil {
			return err
		}
		return tx.Model(&RawMatch{}).Where("id IN ?", matchIDs).
			Updates(map[string]any{"processed": true, "failure_reason": log.Reason}).Error
	})
}

// UnsettledPlays returns up to limit plays awaiting settlement.
func (c *DBClient) UnsettledPlays(limit int) ([]Play, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var rows []Play
	q := c.DB.Where("settled = ?", false).Order("start_time")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying unsettled plays: %w", err)
	}
	return rows, nil
}

// ----------------------------------------------------------------- ledger

// GetOrCreateAccount returns the ledger account for an owner, creating it
// with a zero balance when missing.
func (c *DBClient) GetOrCreateAccount(ownerType, ownerID string) (*LedgerAccount, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var acct LedgerAccount
	err := c.DB.Where("owner_type = ? AND owner_id = ?", ownerType, ownerID).First(&acct).Error
	if err == nil {
		return &acct, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("querying account: %w", err)
	}
	acct = LedgerAccount{ID: uuid.NewString(), OwnerType: ownerType, OwnerID: ownerID}
	if err := c.DB.Create(&acct).Error; err != nil {
		if strings.Contains(err.Error(), "constraint failed") {
			if fetchErr := c.DB.Where("owner_type = ? AND owner_id = ?", ownerType, ownerID).First(&acct).Error; fetchErr != nil {
				return nil, fmt.Errorf("fetching account after constraint violation: %w", fetchErr)
			}
			return &acct, nil
		}
		return nil, fmt.Errorf("creating account: %w", err)
	}
	return &acct, nil
}

func (c *DBClient) AccountByID(id string) (*LedgerAccount, bool, error) {
	if c == nil || c.DB == nil {
		return nil, false, errors.New(errDBClientNil)
	}
	var acct LedgerAccount
	err := c.DB.Where("id = ?", id).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("querying account: %w", err)
	}
	return &acct, true, nil
}

// Withdraw debits amount from the account. Returns false without error when
// the balance is insufficient; that is the expected-failure case, not an
// exception.
func (c *DBClient) Withdraw(accountID string, amount float64, memo string) (bool, error) {
	if c == nil || c.DB == nil {
		return false, errors.New(errDBClientNil)
	}
	if amount < 0 {
		return false, fmt.Errorf("withdraw amount is negative: %f", amount)
	}
	res := c.DB.Model(&LedgerAccount{}).
		Where("id = ? AND balance >= ?", accountID, amount).
		Update("balance", gorm.Expr("balance - ?", amount))
	if res.Error != nil {
		return false, fmt.Errorf("withdrawing: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		c.log.Debugf("withdraw rejected for account %s: %.2f (%s)", accountID, amount, memo)
		return false, nil
	}
	return true, nil
}

// Deposit credits amount to the account. Returns false without error when the
// account does not exist.
func (c *DBClient) Deposit(accountID string, amount float64, memo string) (bool, error) {
	if c == nil || c.DB == nil {
		return false, errors.New(errDBClientNil)
	}
	if amount < 0 {
		return false, fmt.Errorf("deposit amount is negative: %f", amount)
	}
	res := c.DB.Model(&LedgerAccount{}).
		Where("id = ?", accountID).
		Update("balance", gorm.Expr("balance + ?", amount))
	if res.Error != nil {
		return false, fmt.Errorf("depositing: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		c.log.Debugf("deposit rejected for account %s: %.2f (%s)", accountID, amount, memo)
		return false, nil
	}
	return true, nil
}

func (c *DBClient) CreateTransfer(t *LedgerTransfer) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	return c.DB.Create(t).Error
}

func (c *DBClient) SaveTransfer(t *LedgerTransfer) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	return c.DB.Save(t).Error
}

// TransferByPlayID returns the transfer settling a play, if one exists.
func (c *DBClient) TransferByPlayID(playID uint) (*LedgerTransfer, bool, error) {
	if c == nil || c.DB == nil {
		return nil, false, errors.New(errDBClientNil)
	}
	var t LedgerTransfer
	err := c.DB.Where("play_id = ?", playID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("querying transfer: %w", err)
	}
	return &t, true, nil
}

func (c *DBClient) MarkPlaySettled(playID uint, royaltyAmount float64) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	return c.DB.Model(&Play{}).Where("id = ?", playID).
		Updates(map[string]any{"settled": true, "royalty_amount": royaltyAmount}).Error
}

func (c *DBClient) CreateNotification(n *Notification) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	return c.DB.Create(n).Error
}

// SavePROAffiliations replaces the persisted affiliations for a track.
func (c *DBClient) SavePROAffiliations(trackID string, records []PROAffiliationRecord) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	return c.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("track_id = ?", trackID).Delete(&PROAffiliationRecord{}).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return tx.Create(&records).Error
	})
}

// ---------------------------------------------------------- usage counters

// IncrementDayUsage bumps the shared daily API counter and returns the new
// count. Day buckets are UTC YYYY-MM-DD strings.
func (c *DBClient) IncrementDayUsage(day string, n int64) (int64, error) {
	if c == nil || c.DB == nil {
		return 0, errors.New(errDBClientNil)
	}
	var count int64
	err := c.DB.Transaction(func(tx *gorm.DB) error {
		var row APIUsageCounter
		err := tx.Where("day_bucket = ?", day).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = APIUsageCounter{DayBucket: day, Count: n}
			count = n
			return tx.Create(&row).Error
		}
		if err != nil {
			return err
		}
		row.Count += n
		count = row.Count
		return tx.Save(&row).Error
	})
	if err != nil {
		return 0, fmt.Errorf("incrementing day usage: %w", err)
	}
	return count, nil
}

// DayUsage returns the shared counter for a UTC day bucket.
func (c *DBClient) DayUsage(day string) (int64, error) {
	if c == nil || c.DB == nil {
		return 0, errors.New(errDBClientNil)
	}
	var row APIUsageCounter
	err := c.DB.Where("day_bucket = ?", day).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying day usage: %w", err)
	}
	return row.Count, nil
}
