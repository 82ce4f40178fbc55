package state

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"escrowd/native/escrow"
	"escrowd/storage"
)

func testAddress(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

func sampleEscrow(id uint64) *escrow.Escrow {
	return &escrow.Escrow{
		ID:                    id,
		Depositor:             testAddress(0x11),
		Beneficiary:           testAddress(0x22),
		Unit:                  "USDC",
		TotalAmount:           big.NewInt(300),
		PaidAmount:            big.NewInt(100),
		PlatformFee:           big.NewInt(6),
		Arbiters:              [][20]byte{testAddress(0x33), testAddress(0x44)},
		RequiredConfirmations: 2,
		WorkStarted:           true,
		Deadline:              2_000_000_000,
		CreatedAt:             1_700_000_000,
		Status:                escrow.StatusInProgress,
		Milestones: []*escrow.Milestone{
			{
				Description: "draft",
				Amount:      big.NewInt(100),
				Status:      escrow.MilestoneApproved,
				SubmittedAt: 1_700_000_100,
				ApprovedAt:  1_700_000_200,
			},
			{
				Description:   "final",
				Amount:        big.NewInt(200),
				Status:        escrow.MilestoneDisputed,
				SubmittedAt:   1_700_000_300,
				DisputedAt:    1_700_000_400,
				DisputedBy:    testAddress(0x11),
				DisputeReason: "incomplete",
			},
		},
	}
}

func TestEscrowRoundTrip(t *testing.T) {
	m := NewManager(storage.NewMemDB())

	original := sampleEscrow(3)
	require.NoError(t, m.EscrowPut(original))

	restored, ok := m.EscrowGet(3)
	require.True(t, ok)
	require.Equal(t, original.ID, restored.ID)
	require.Equal(t, original.Depositor, restored.Depositor)
	require.Equal(t, original.Beneficiary, restored.Beneficiary)
	require.Equal(t, original.Unit, restored.Unit)
	require.Zero(t, original.TotalAmount.Cmp(restored.TotalAmount))
	require.Zero(t, original.PaidAmount.Cmp(restored.PaidAmount))
	require.Zero(t, original.PlatformFee.Cmp(restored.PlatformFee))
	require.Equal(t, original.Arbiters, restored.Arbiters)
	require.Equal(t, original.Status, restored.Status)
	require.Len(t, restored.Milestones, 2)
	require.Equal(t, escrow.MilestoneDisputed, restored.Milestones[1].Status)
	require.Equal(t, original.Milestones[1].DisputedBy, restored.Milestones[1].DisputedBy)
	require.Equal(t, "incomplete", restored.Milestones[1].DisputeReason)
}

func TestEscrowPutRejectsBrokenRecord(t *testing.T) {
	m := NewManager(storage.NewMemDB())

	broken := sampleEscrow(1)
	broken.PaidAmount = big.NewInt(999) // exceeds total
	require.Error(t, m.EscrowPut(broken))

	_, ok := m.EscrowGet(1)
	require.False(t, ok)
}

func TestNextEscrowIDIsMonotonic(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	for want := uint64(1); want <= 5; want++ {
		got, err := m.NextEscrowID()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := storage.NewLevelDB(dir)
	require.NoError(t, err)
	m := NewManager(db)
	id, err := m.NextEscrowID()
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
	require.NoError(t, m.EscrowPut(sampleEscrow(id)))
	db.Close()

	db, err = storage.NewLevelDB(dir)
	require.NoError(t, err)
	defer db.Close()
	m = NewManager(db)
	id, err = m.NextEscrowID()
	require.NoError(t, err)
	require.Equal(t, uint64(2), id)
	_, ok := m.EscrowGet(1)
	require.True(t, ok)
}

func TestFingerprintIndex(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	fp := [32]byte{0xAB}

	_, ok, err := m.EscrowIDByFingerprint(fp)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.EscrowIndexFingerprint(fp, 9))
	id, ok, err := m.EscrowIDByFingerprint(fp)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(9), id)
}

func TestCustodyCounters(t *testing.T) {
	m := NewManager(storage.NewMemDB())

	require.NoError(t, m.CustodyCredit("USDC", big.NewInt(500)))
	require.NoError(t, m.CustodyDebit("USDC", big.NewInt(200)))

	balance, err := m.CustodyBalance("USDC")
	require.NoError(t, err)
	require.Zero(t, balance.Cmp(big.NewInt(300)))

	// Units are isolated counters.
	other, err := m.CustodyBalance("EURX")
	require.NoError(t, err)
	require.Zero(t, other.Sign())

	require.Error(t, m.CustodyDebit("USDC", big.NewInt(301)))
	require.Error(t, m.CustodyCredit("USDC", big.NewInt(-1)))
}

func TestFeesAccrue(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	require.NoError(t, m.FeesAccrue("USDC", big.NewInt(15)))
	require.NoError(t, m.FeesAccrue("USDC", big.NewInt(5)))
	owed, err := m.FeesOwed("USDC")
	require.NoError(t, err)
	require.Zero(t, owed.Cmp(big.NewInt(20)))
}

func TestCustodyLedgerDepositAndTransferOut(t *testing.T) {
	ledger := NewCustodyLedger(storage.NewMemDB(), []string{"USDC"})
	payer := testAddress(0x01)
	payee := testAddress(0x02)

	require.NoError(t, ledger.Credit(payer, "USDC", big.NewInt(1000)))
	require.NoError(t, ledger.Deposit("USDC", payer, big.NewInt(400)))

	balance, err := ledger.BalanceOf(payer, "USDC")
	require.NoError(t, err)
	require.Zero(t, balance.Cmp(big.NewInt(600)))
	vault, err := ledger.VaultBalance("USDC")
	require.NoError(t, err)
	require.Zero(t, vault.Cmp(big.NewInt(400)))

	require.NoError(t, ledger.TransferOut("USDC", payee, big.NewInt(150)))
	received, err := ledger.BalanceOf(payee, "USDC")
	require.NoError(t, err)
	require.Zero(t, received.Cmp(big.NewInt(150)))
	vault, err = ledger.VaultBalance("USDC")
	require.NoError(t, err)
	require.Zero(t, vault.Cmp(big.NewInt(250)))
}

func TestCustodyLedgerFailsClosed(t *testing.T) {
	ledger := NewCustodyLedger(storage.NewMemDB(), []string{"USDC"})
	payer := testAddress(0x01)

	require.NoError(t, ledger.Credit(payer, "USDC", big.NewInt(100)))
	require.Error(t, ledger.Deposit("USDC", payer, big.NewInt(101)), "overdraw")
	require.Error(t, ledger.Deposit("EURX", payer, big.NewInt(1)), "unit not allowed")
	require.Error(t, ledger.TransferOut("USDC", payer, big.NewInt(1)), "empty vault")

	// Failed operations leave both sides untouched.
	balance, err := ledger.BalanceOf(payer, "USDC")
	require.NoError(t, err)
	require.Zero(t, balance.Cmp(big.NewInt(100)))
	vault, err := ledger.VaultBalance("USDC")
	require.NoError(t, err)
	require.Zero(t, vault.Sign())
}
