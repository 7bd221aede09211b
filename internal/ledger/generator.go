package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalGenerator accumulates the journals of the command currently being processed
// and hands them out as one batch.
type JournalGenerator struct {
	batchID     uuid.UUID
	eventRef    string
	sequence    int64
	timestamp   int64
	journalType JournalType
	journals    []Journal
}

func NewJournalGenerator() *JournalGenerator {
	return &JournalGenerator{journalType: JournalTypeTransfer}
}

// Begin starts a new batch; journals of an undrained batch are dropped.
func (jg *JournalGenerator) Begin(eventRef string, sequence, timestamp int64, defaultType JournalType) {
	jg.batchID = uuid.New()
	jg.eventRef = eventRef
	jg.sequence = sequence
	jg.timestamp = timestamp
	jg.journalType = defaultType
	jg.journals = nil
}

func (jg *JournalGenerator) record(jt JournalType, token common.Address, debit, credit AccountKey, amount *uint256.Int) Journal {
	j := Journal{
		JournalID:     uuid.New(),
		BatchID:       jg.batchID,
		EventRef:      jg.eventRef,
		Sequence:      jg.sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Token:         token,
		Amount:        *amount,
		JournalType:   jt,
		Timestamp:     jg.timestamp,
	}
	jg.journals = append(jg.journals, j)
	return j
}

// Pending returns the journals recorded since Begin.
func (jg *JournalGenerator) Pending() []Journal {
	return jg.journals
}

// Drain returns the current batch, or nil if nothing moved.
func (jg *JournalGenerator) Drain() *Batch {
	if len(jg.journals) == 0 {
		return nil
	}
	batch := &Batch{
		BatchID:   jg.batchID,
		EventRef:  jg.eventRef,
		Sequence:  jg.sequence,
		Timestamp: jg.timestamp,
		Journals:  jg.journals,
	}
	jg.journals = nil
	return batch
}
