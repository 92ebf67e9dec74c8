package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"PerpClear/internal/event"
)

// Recovery reads the op log back on restart: the chain tip seeds the
// engine's sequence and state hash, recent command keys warm the
// idempotency LRU, and the full envelope stream rebuilds projections.
type Recovery struct {
	db *sql.DB
}

func NewRecovery(db *sql.DB) *Recovery {
	return &Recovery{db: db}
}

// ChainTip returns the highest sequence and its state hash. found is
// false on an empty op log, in which case the engine starts from the
// genesis seed.
func (r *Recovery) ChainTip(ctx context.Context) (sequence int64, stateHash [32]byte, found bool, err error) {
	var hash []byte
	err = r.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash
		FROM oplog.events
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&sequence, &hash)

	if err == sql.ErrNoRows {
		return 0, [32]byte{}, false, nil
	}
	if err != nil {
		return 0, [32]byte{}, false, fmt.Errorf("load chain tip: %w", err)
	}
	if len(hash) != len(stateHash) {
		return 0, [32]byte{}, false, fmt.Errorf("chain tip hash is %d bytes, want %d", len(hash), len(stateHash))
	}
	copy(stateHash[:], hash)
	return sequence, stateHash, true, nil
}

// RecentCommandKeys returns the composite keys of the most recently
// applied commands, newest first, for warming the engine's LRU.
func (r *Recovery) RecentCommandKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT ON (command_key) command_key, sequence
		FROM oplog.events
		ORDER BY command_key, sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		var seq int64
		if err := rows.Scan(&key, &seq); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// LoadEnvelopesFrom streams envelopes in sequence order starting at
// fromSequence, up to limit rows. Callers page through the log by passing
// lastSequence+1 on the next call.
func (r *Recovery) LoadEnvelopesFrom(ctx context.Context, fromSequence int64, limit int) ([]event.Envelope, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, command_key, market_id, payload, state_hash, prev_hash, timestamp
		FROM oplog.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envs []event.Envelope
	for rows.Next() {
		var env event.Envelope
		var eventType int32
		var stateHash, prevHash []byte
		if err := rows.Scan(
			&env.Sequence, &eventType, &env.IdempotencyKey, &env.CommandKey,
			&env.MarketID, &env.Payload, &stateHash, &prevHash, &env.Timestamp,
		); err != nil {
			return nil, err
		}
		env.EventType = event.EventType(eventType)
		copy(env.StateHash[:], stateHash)
		copy(env.PrevHash[:], prevHash)
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// VerifyChain walks the op log and checks that every envelope's PrevHash
// matches the preceding StateHash. Returns the first broken sequence, or
// -1 when the chain is intact.
func (r *Recovery) VerifyChain(ctx context.Context) (int64, error) {
	const pageSize = 10_000

	var prev [32]byte
	havePrev := false
	next := int64(0)

	for {
		envs, err := r.LoadEnvelopesFrom(ctx, next, pageSize)
		if err != nil {
			return 0, err
		}
		if len(envs) == 0 {
			return -1, nil
		}
		for _, env := range envs {
			if havePrev && env.PrevHash != prev {
				return env.Sequence, nil
			}
			prev = env.StateHash
			havePrev = true
		}
		next = envs[len(envs)-1].Sequence + 1
	}
}
