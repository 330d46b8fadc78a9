package audit

import "fmt"

// ChainResult reports the outcome of walking the whole log.
type ChainResult struct {
	Valid      bool   `json:"valid"`
	EntryCount uint64 `json:"entry_count"`
	// BrokenAt is the first sequence that failed verification, 0 when valid.
	BrokenAt uint64 `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// VerifyChain recomputes every entry hash and checks each entry links to
// its predecessor with no gaps in sequence.
func (s *Store) VerifyChain() (ChainResult, error) {
	rows, err := s.db.Query(`
		SELECT seq, ts, type, execution_id, prev_hash, data, hash
		FROM entries ORDER BY seq
	`)
	if err != nil {
		return ChainResult{}, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	res := ChainResult{Valid: true}
	prevHash := ""
	expectSeq := FirstSequence
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return ChainResult{}, err
		}
		res.EntryCount++
		if !res.Valid {
			continue
		}
		switch {
		case e.Sequence != expectSeq:
			res.fail(expectSeq, fmt.Sprintf("missing entry %d (next is %d)", expectSeq, e.Sequence))
		case e.PrevHash != prevHash:
			res.fail(e.Sequence, "previous hash does not match")
		case !e.Verify():
			res.fail(e.Sequence, "entry hash does not match contents")
		}
		prevHash = e.Hash
		expectSeq = e.Sequence + 1
	}
	if err := rows.Err(); err != nil {
		return ChainResult{}, fmt.Errorf("reading entries: %w", err)
	}
	return res, nil
}

func (r *ChainResult) fail(seq uint64, reason string) {
	r.Valid = false
	r.BrokenAt = seq
	r.Reason = reason
}
