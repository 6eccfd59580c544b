package ledger

import (
	"bytes"
	"fmt"
	"strconv"

	xdr "github.com/nullstyle/go-xdr/xdr3"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/spindlegame/spindle/shared"
)

var errNotFound = leveldb.ErrNotFound

// roundRecord is the persisted form of a closed round.
type roundRecord struct {
	TotalEarnings uint64
	Winner        [shared.HandleLength]byte
	Withdrawn     bool
}

type database struct {
	db *leveldb.DB
}

func newDatabase(dbPath string) (*database, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database @ %s: %w", dbPath, err)
	}
	return &database{db}, nil
}

func (db *database) Close() error {
	return db.db.Close()
}

// SaveRound persists rec under roundID with a synced write. Withdrawal
// flips must hit disk before the transfer side effect runs.
func (db *database) SaveRound(roundID uint64, rec roundRecord) error {
	serialized, err := serializeRound(rec)
	if err != nil {
		return fmt.Errorf("failed serializing round: %w", err)
	}
	if err := db.db.Put(roundKey(roundID), serialized, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("storing round in DB: %w", err)
	}
	return nil
}

func (db *database) GetRound(roundID uint64) (*roundRecord, error) {
	data, err := db.db.Get(roundKey(roundID), nil)
	if err != nil {
		return nil, fmt.Errorf("get round %d from DB: %w", roundID, err)
	}

	rec := &roundRecord{}
	if _, err := xdr.Unmarshal(bytes.NewReader(data), rec); err != nil {
		return nil, fmt.Errorf("failed to deserialize round %d: %v", roundID, err)
	}
	return rec, nil
}

// NextRoundID scans stored rounds and returns one past the highest id,
// recovering the monotone counter after a restart.
func (db *database) NextRoundID() (uint64, error) {
	var next uint64
	it := db.db.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		id, err := strconv.ParseUint(string(it.Key()), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed round key %q: %w", it.Key(), err)
		}
		if id+1 > next {
			next = id + 1
		}
	}
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("scanning rounds: %w", err)
	}
	return next, nil
}

func roundKey(roundID uint64) []byte {
	return []byte(strconv.FormatUint(roundID, 10))
}

func serializeRound(rec roundRecord) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, rec); err != nil {
		return nil, fmt.Errorf("serialization failure: %v", err)
	}
	return buf.Bytes(), nil
}
