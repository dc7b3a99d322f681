package store

import (
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	coreerrors "github.com/omnimesh/fabric-core/internal/errors"
)

// retryAttempts is how many times a graph or history write is retried
// before the record is quarantined.
const retryAttempts = 3

// writeWithRetry runs fn up to retryAttempts times with a short backoff.
// On exhaustion the record is appended to the dead-letter file and a typed
// error is returned; the caller's in-memory state stays authoritative.
func (s *Store) writeWithRetry(op string, record any, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	s.quarantine(op, record, err)
	return coreerrors.New(coreerrors.KindPersistenceWrite, op, err)
}

// quarantine appends the failed record as one JSON line so it can be
// inspected or replayed by hand.
func (s *Store) quarantine(op string, record any, cause error) {
	entry := map[string]any{
		"id":        uuid.NewString(),
		"op":        op,
		"record":    record,
		"error":     cause.Error(),
		"timestamp": toEpoch(time.Now()),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		log.Error().Err(err).Str("op", op).Msg("Failed to encode dead-letter entry")
		return
	}

	s.deadMu.Lock()
	defer s.deadMu.Unlock()
	f, err := os.OpenFile(s.deadPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Error().Err(err).Str("path", s.deadPath).Msg("Failed to open dead-letter file")
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		log.Error().Err(err).Msg("Failed to append dead-letter entry")
		return
	}
	log.Warn().Str("op", op).Err(cause).Msg("Quarantined record to dead-letter file")
}
