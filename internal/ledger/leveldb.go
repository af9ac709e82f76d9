package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	validator/<wallet>        -> ValidatorInfo
//	settled/<taskID>          -> deltas map (idempotency marker)
//	proof/<taskID>/<seq>      -> ProofRecord
//	event/<seq>               -> Event
//	seq                       -> global event sequence counter
type LevelDB struct {
	mu   sync.Mutex
	conn *leveldb.DB
}

// OpenLevelDB opens (or creates) the ledger store at the given path.
func OpenLevelDB(path string) (*LevelDB, error) {
	conn, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{conn: conn}, nil
}

func (l *LevelDB) Close() error { return l.conn.Close() }

func (l *LevelDB) RegisterValidator(wallet string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := []byte("validator/" + wallet)
	if ok, _ := l.conn.Has(key, nil); ok {
		return ErrAlreadyRegistered
	}
	info := ValidatorInfo{Wallet: wallet, Active: true}
	if err := l.put(key, info); err != nil {
		return err
	}
	return l.emit("ValidatorRegistered", map[string]any{"validator": wallet})
}

// RecordSettlement appends one proof per validator and applies reputation
// deltas, exactly once per task id. A retried call for an already-settled
// task returns the stored deltas with no side effect.
func (l *LevelDB) RecordSettlement(s Settlement) (map[string]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	settledKey := []byte("settled/" + s.TaskID)
	if data, err := l.conn.Get(settledKey, nil); err == nil {
		var deltas map[string]int
		if err := json.Unmarshal(data, &deltas); err != nil {
			return nil, fmt.Errorf("decode settled marker for task %s: %w", s.TaskID, err)
		}
		return deltas, nil
	} else if err != leveldb.ErrNotFound {
		return nil, err
	}

	deltas := make(map[string]int, len(s.Proofs))
	for i, p := range s.Proofs {
		key := []byte(fmt.Sprintf("proof/%s/%06d", s.TaskID, i))
		if p.Timestamp == 0 {
			p.Timestamp = nowUnix()
		}
		if err := l.put(key, p); err != nil {
			return nil, err
		}
		deltas[p.Wallet] = p.Delta
		if err := l.applyDelta(p.Wallet, p.Delta); err != nil {
			return nil, err
		}
		if err := l.emit("ProofSubmitted", map[string]any{
			"task_id":       s.TaskID,
			"validator":     p.Wallet,
			"outcome":       p.Outcome,
			"evidence_hash": p.EvidenceHash,
		}); err != nil {
			return nil, err
		}
	}
	if err := l.put(settledKey, deltas); err != nil {
		return nil, err
	}
	return deltas, nil
}

func (l *LevelDB) applyDelta(wallet string, delta int) error {
	key := []byte("validator/" + wallet)
	data, err := l.conn.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return fmt.Errorf("%w: %s", ErrNotRegistered, wallet)
	}
	if err != nil {
		return err
	}
	var info ValidatorInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return err
	}
	if !info.Active {
		return fmt.Errorf("%w: %s", ErrValidatorInactive, wallet)
	}
	info.Reputation += delta
	if info.Reputation < 0 {
		info.Reputation = 0
	}
	info.TotalCompleted++
	if err := l.put(key, info); err != nil {
		return err
	}
	return l.emit("ReputationChanged", map[string]any{
		"validator": wallet,
		"delta":     delta,
		"new_score": info.Reputation,
	})
}

func (l *LevelDB) GetValidator(wallet string) (ValidatorInfo, error) {
	data, err := l.conn.Get([]byte("validator/"+wallet), nil)
	if err == leveldb.ErrNotFound {
		return ValidatorInfo{}, fmt.Errorf("%w: %s", ErrNotRegistered, wallet)
	}
	if err != nil {
		return ValidatorInfo{}, err
	}
	var info ValidatorInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return ValidatorInfo{}, err
	}
	return info, nil
}

// Proofs returns the ordered proof list for a task.
func (l *LevelDB) Proofs(taskID string) ([]ProofRecord, error) {
	iter := l.conn.NewIterator(util.BytesPrefix([]byte("proof/"+taskID+"/")), nil)
	defer iter.Release()
	var proofs []ProofRecord
	for iter.Next() {
		var p ProofRecord
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			return nil, err
		}
		proofs = append(proofs, p)
	}
	return proofs, iter.Error()
}

// RecentEvents returns up to limit events, newest first.
func (l *LevelDB) RecentEvents(limit int) ([]Event, error) {
	iter := l.conn.NewIterator(util.BytesPrefix([]byte("event/")), nil)
	defer iter.Release()
	var events []Event
	for ok := iter.Last(); ok && len(events) < limit; ok = iter.Prev() {
		var e Event
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, iter.Error()
}

func (l *LevelDB) emit(name string, data map[string]any) error {
	seq, err := l.nextSeq()
	if err != nil {
		return err
	}
	e := Event{Seq: seq, Name: name, Data: data, Timestamp: nowUnix()}
	return l.put([]byte(fmt.Sprintf("event/%012d", seq)), e)
}

func (l *LevelDB) nextSeq() (uint64, error) {
	var seq uint64
	data, err := l.conn.Get([]byte("seq"), nil)
	if err == nil {
		seq = binary.BigEndian.Uint64(data)
	} else if err != leveldb.ErrNotFound {
		return 0, err
	}
	seq++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	if err := l.conn.Put([]byte("seq"), buf, nil); err != nil {
		return 0, err
	}
	return seq, nil
}

func (l *LevelDB) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return l.conn.Put(key, data, nil)
}
