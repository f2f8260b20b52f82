package ledger

import (
	"fmt"
	"strconv"

	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypePositionSettlement
	JournalTypeStopOutSettlement
	JournalTypePoolDeposit
	JournalTypePoolWithdrawal
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypePositionSettlement:
		return "position_settlement"
	case JournalTypeStopOutSettlement:
		return "stop_out_settlement"
	case JournalTypePoolDeposit:
		return "pool_deposit"
	case JournalTypePoolWithdrawal:
		return "pool_withdrawal"
	default:
		return "unknown"
	}
}

// Transfer is one balance movement produced by a ledger operation, before
// it is stamped into a journal.
type Transfer struct {
	From       AccountKey
	To         AccountKey
	Amount     fpmath.Fixed
	Type       JournalType
	PositionID *state.PositionID
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID         // Unique identifier
	BatchID       uuid.UUID         // Groups entries of one command
	EventRef      string            // Idempotency key of source command
	Sequence      int64             // Global command sequence
	DebitAccount  AccountKey        // Account receiving debit (balance increases)
	CreditAccount AccountKey        // Account receiving credit (balance decreases)
	Amount        fpmath.Fixed      // ALWAYS positive
	JournalType   JournalType       // Entry type
	PositionID    *state.PositionID // Settled position, if any
	Timestamp     int64             // Command timestamp (epoch microseconds)
}

// Batch represents the journal entries produced by one command
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// journalNamespace derives deterministic ids so a replayed command produces
// the same batch.
var journalNamespace = uuid.MustParse("5b0c1f4e-8f1d-4f55-9c55-2d1c6b7a9e31")

// NewBatch stamps transfers into journals. Ids are derived from eventRef and
// the entry index.
func NewBatch(eventRef string, sequence, timestamp int64, transfers []Transfer) *Batch {
	batchID := uuid.NewSHA1(journalNamespace, []byte(eventRef))
	b := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, len(transfers)),
	}
	for i, tr := range transfers {
		b.Journals = append(b.Journals, Journal{
			JournalID:     uuid.NewSHA1(batchID, []byte(strconv.Itoa(i))),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      sequence,
			DebitAccount:  tr.To,
			CreditAccount: tr.From,
			Amount:        tr.Amount,
			JournalType:   tr.Type,
			PositionID:    tr.PositionID,
			Timestamp:     timestamp,
		})
	}
	return b
}

// Validate ensures the batch is well-formed.
// Each entry moves one positive amount from its credit account to its debit
// account, so every batch is balanced by construction.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if !j.Amount.IsPositive() {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
