package query

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	replayToken = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	replayAlice = common.HexToAddress("0x0000000000000000000000000000000000000001")
	replayBob   = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

func holder(a common.Address) string {
	return "holder:" + a.Hex() + ":" + replayToken.Hex()
}

func entry(seq int64, batch uuid.UUID, debit, credit, amount string) journalEntry {
	return journalEntry{
		Sequence:      seq,
		BatchID:       batch.String(),
		DebitAccount:  debit,
		CreditAccount: credit,
		Token:         replayToken.Hex(),
		Amount:        amount,
	}
}

func TestJournalReplayer_FindsFirstOverdraft(t *testing.T) {
	issuance := "external:issuance:" + replayToken.Hex()
	b0, b1, b2, b3 := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	r := newJournalReplayer()
	for _, e := range []journalEntry{
		entry(0, b0, holder(replayAlice), issuance, "100"),
		// bob spends what he receives within the same command
		entry(1, b1, holder(replayBob), holder(replayAlice), "60"),
		entry(1, b1, holder(replayAlice), holder(replayBob), "50"),
		entry(2, b2, holder(replayAlice), holder(replayBob), "11"),
		entry(3, b3, holder(replayBob), holder(replayAlice), "1"),
	} {
		require.NoError(t, r.Add(e))
	}
	r.Finish()

	assert.Equal(t, int64(2), r.BreakAt)
	assert.Equal(t, "10", r.tokens.BalanceOf(replayToken, replayBob).Dec())
}

func TestJournalReplayer_CleanLog(t *testing.T) {
	issuance := "external:issuance:" + replayToken.Hex()
	r := newJournalReplayer()
	require.NoError(t, r.Add(entry(0, uuid.New(), holder(replayAlice), issuance, "5")))
	require.NoError(t, r.Add(entry(1, uuid.New(), holder(replayBob), holder(replayAlice), "5")))
	r.Finish()

	assert.Equal(t, int64(-1), r.BreakAt)
	assert.Equal(t, "5", r.tokens.BalanceOf(replayToken, replayBob).Dec())
}

func TestJournalReplayer_RejectsMalformedRows(t *testing.T) {
	r := newJournalReplayer()
	assert.Error(t, r.Add(entry(0, uuid.New(), "vault:x", holder(replayAlice), "1")))
	assert.Error(t, r.Add(entry(0, uuid.New(), holder(replayBob), holder(replayAlice), "-1")))
}
