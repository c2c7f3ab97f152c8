// Package receipts implements the Receipt Store (component C7): an
// append-only, hash-chained audit log with session linkage. Mutation is
// append-only by contract; backends must enforce immutability themselves
// (a write-once log file for FILE, a no-UPDATE/DELETE trigger for SQL).
package receipts

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/default-user/mathison/pkg/canonicalize"
	"github.com/default-user/mathison/pkg/contracts"
)

// Store is the Receipt Store contract. Append seals prev_receipt_hash,
// this_hash, and session_index on the receipt before persisting it.
type Store interface {
	Append(r contracts.Receipt) (contracts.Receipt, error)
	GetByJob(jobID string) ([]contracts.Receipt, error)
	GetByID(receiptID string) (contracts.Receipt, bool, error)
	GetLastForSession(bootKeyID string) (contracts.Receipt, bool, error)
	VerifyChain(fromReceiptID, toReceiptID string) (bool, error)
}

func thisHash(r contracts.Receipt) (string, error) {
	r.ThisHash = ""
	return canonicalize.CanonicalHash(r)
}

// FileStore is an append-only .jsonl-backed Receipt Store, matching the
// persisted layout in spec §6 (receipts.jsonl).
type FileStore struct {
	mu       sync.Mutex
	path     string
	receipts []contracts.Receipt
	byID     map[string]int
}

// NewFileStore loads (or initializes) a receipts.jsonl file at path.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, byID: make(map[string]int)}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("receipts: open: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var r contracts.Receipt
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("receipts: corrupt entry: %w", err)
		}
		s.byID[r.ReceiptID] = len(s.receipts)
		s.receipts = append(s.receipts, r)
	}
	return s, scanner.Err()
}

func (s *FileStore) Append(r contracts.Receipt) (contracts.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prevIdx = -1
	for i := len(s.receipts) - 1; i >= 0; i-- {
		if s.receipts[i].BootKeyID == r.BootKeyID {
			prevIdx = i
			break
		}
	}
	if prevIdx >= 0 {
		r.PrevReceiptHash = s.receipts[prevIdx].ThisHash
		r.SessionIndex = s.receipts[prevIdx].SessionIndex + 1
	} else {
		r.PrevReceiptHash = ""
		r.SessionIndex = 0
	}

	hash, err := thisHash(r)
	if err != nil {
		return contracts.Receipt{}, fmt.Errorf("receipts: hash: %w", err)
	}
	r.ThisHash = hash

	if err := s.appendLineLocked(r); err != nil {
		return contracts.Receipt{}, err
	}
	s.byID[r.ReceiptID] = len(s.receipts)
	s.receipts = append(s.receipts, r)
	return r, nil
}

func (s *FileStore) appendLineLocked(r contracts.Receipt) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("receipts: mkdir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("receipts: open for append: %w", err)
	}
	defer f.Close()
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("receipts: marshal: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("receipts: write: %w", err)
	}
	return nil
}

func (s *FileStore) GetByJob(jobID string) ([]contracts.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []contracts.Receipt
	for _, r := range s.receipts {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *FileStore) GetByID(receiptID string) (contracts.Receipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[receiptID]
	if !ok {
		return contracts.Receipt{}, false, nil
	}
	return s.receipts[idx], true, nil
}

func (s *FileStore) GetLastForSession(bootKeyID string) (contracts.Receipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.receipts) - 1; i >= 0; i-- {
		if s.receipts[i].BootKeyID == bootKeyID {
			return s.receipts[i], true, nil
		}
	}
	return contracts.Receipt{}, false, nil
}

func (s *FileStore) VerifyChain(fromReceiptID, toReceiptID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fromIdx, ok := s.byID[fromReceiptID]
	if !ok {
		return false, fmt.Errorf("receipts: unknown receipt %q", fromReceiptID)
	}
	toIdx, ok := s.byID[toReceiptID]
	if !ok {
		return false, fmt.Errorf("receipts: unknown receipt %q", toReceiptID)
	}
	for i := fromIdx; i < toIdx; i++ {
		cur, next := s.receipts[i], s.receipts[i+1]
		if next.BootKeyID != cur.BootKeyID {
			continue // explicit session boundary, not a violation
		}
		if next.PrevReceiptHash != cur.ThisHash {
			return false, nil
		}
	}
	return true, nil
}

// PostgresStore persists receipts to Postgres via lib/pq, relying on a
// database-level trigger to forbid UPDATE/DELETE on the receipts table for
// the append-only invariant.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing *sql.DB (driver "postgres", via
// github.com/lib/pq) assumed to already have the receipts schema applied.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(r contracts.Receipt) (contracts.Receipt, error) {
	last, ok, err := p.GetLastForSession(r.BootKeyID)
	if err != nil {
		return contracts.Receipt{}, err
	}
	if ok {
		r.PrevReceiptHash = last.ThisHash
		r.SessionIndex = last.SessionIndex + 1
	}
	hash, err := thisHash(r)
	if err != nil {
		return contracts.Receipt{}, err
	}
	r.ThisHash = hash

	payload, err := json.Marshal(r)
	if err != nil {
		return contracts.Receipt{}, fmt.Errorf("receipts: marshal: %w", err)
	}
	_, err = p.db.Exec(
		`INSERT INTO receipts (receipt_id, job_id, boot_key_id, this_hash, prev_receipt_hash, session_index, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ReceiptID, r.JobID, r.BootKeyID, r.ThisHash, r.PrevReceiptHash, r.SessionIndex, payload,
	)
	if err != nil {
		return contracts.Receipt{}, fmt.Errorf("receipts: insert: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) GetByJob(jobID string) ([]contracts.Receipt, error) {
	rows, err := p.db.Query(`SELECT payload FROM receipts WHERE job_id = $1 ORDER BY session_index ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("receipts: query: %w", err)
	}
	defer rows.Close()
	return scanReceipts(rows)
}

func (p *PostgresStore) GetByID(receiptID string) (contracts.Receipt, bool, error) {
	var payload []byte
	err := p.db.QueryRow(`SELECT payload FROM receipts WHERE receipt_id = $1`, receiptID).Scan(&payload)
	if err == sql.ErrNoRows {
		return contracts.Receipt{}, false, nil
	}
	if err != nil {
		return contracts.Receipt{}, false, fmt.Errorf("receipts: query: %w", err)
	}
	var r contracts.Receipt
	if err := json.Unmarshal(payload, &r); err != nil {
		return contracts.Receipt{}, false, fmt.Errorf("receipts: unmarshal: %w", err)
	}
	return r, true, nil
}

func (p *PostgresStore) GetLastForSession(bootKeyID string) (contracts.Receipt, bool, error) {
	var payload []byte
	err := p.db.QueryRow(
		`SELECT payload FROM receipts WHERE boot_key_id = $1 ORDER BY session_index DESC LIMIT 1`, bootKeyID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return contracts.Receipt{}, false, nil
	}
	if err != nil {
		return contracts.Receipt{}, false, fmt.Errorf("receipts: query: %w", err)
	}
	var r contracts.Receipt
	if err := json.Unmarshal(payload, &r); err != nil {
		return contracts.Receipt{}, false, fmt.Errorf("receipts: unmarshal: %w", err)
	}
	return r, true, nil
}

func (p *PostgresStore) VerifyChain(fromReceiptID, toReceiptID string) (bool, error) {
	from, ok, err := p.GetByID(fromReceiptID)
	if err != nil || !ok {
		return false, fmt.Errorf("receipts: unknown receipt %q", fromReceiptID)
	}
	to, ok, err := p.GetByID(toReceiptID)
	if err != nil || !ok {
		return false, fmt.Errorf("receipts: unknown receipt %q", toReceiptID)
	}
	rows, err := p.db.Query(
		`SELECT payload FROM receipts WHERE boot_key_id = $1 AND session_index >= $2 AND session_index <= $3 ORDER BY session_index ASC`,
		from.BootKeyID, from.SessionIndex, to.SessionIndex,
	)
	if err != nil {
		return false, fmt.Errorf("receipts: query: %w", err)
	}
	defer rows.Close()
	chain, err := scanReceipts(rows)
	if err != nil {
		return false, err
	}
	for i := 0; i < len(chain)-1; i++ {
		if chain[i+1].PrevReceiptHash != chain[i].ThisHash {
			return false, nil
		}
	}
	return true, nil
}

func scanReceipts(rows *sql.Rows) ([]contracts.Receipt, error) {
	var out []contracts.Receipt
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("receipts: scan: %w", err)
		}
		var r contracts.Receipt
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil, fmt.Errorf("receipts: unmarshal: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
