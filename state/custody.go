package state

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"

	"escrowd/storage"
)

// CustodyLedger is the in-process funds custody adapter: per-account,
// per-unit balances plus one pooled vault per unit. Deposit pulls funds from
// an account into the vault; TransferOut pays them back out. Each call is
// all-or-nothing: the balance checks run under the ledger lock before either
// side is written.
type CustodyLedger struct {
	db    storage.Database
	mu    sync.Mutex
	units map[string]struct{}
}

// NewCustodyLedger creates a custody ledger on the supplied database,
// optionally restricted to an allow-list of settlement units. An empty list
// accepts any unit.
func NewCustodyLedger(db storage.Database, allowedUnits []string) *CustodyLedger {
	ledger := &CustodyLedger{db: db}
	if len(allowedUnits) > 0 {
		ledger.units = make(map[string]struct{}, len(allowedUnits))
		for _, unit := range allowedUnits {
			ledger.units[unit] = struct{}{}
		}
	}
	return ledger
}

func accountBalanceKey(unit string, addr [20]byte) []byte {
	return []byte(accountBalancePrefix + unit + "/" + hex.EncodeToString(addr[:]))
}

func vaultBalanceKey(unit string) []byte {
	return []byte(accountBalancePrefix + unit + "/vault")
}

func (l *CustodyLedger) allowed(unit string) error {
	if l.units == nil {
		return nil
	}
	if _, ok := l.units[unit]; !ok {
		return fmt.Errorf("custody: unsupported settlement unit %s", unit)
	}
	return nil
}

func (l *CustodyLedger) readBalance(key []byte) (*big.Int, error) {
	raw, err := l.db.Get(key)
	if err == storage.ErrKeyNotFound {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	balance, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("custody: corrupted balance at %s", key)
	}
	return balance, nil
}

func (l *CustodyLedger) writeBalance(key []byte, balance *big.Int) error {
	return l.db.Put(key, []byte(balance.String()))
}

// BalanceOf returns the free (non-custodied) balance of an account.
func (l *CustodyLedger) BalanceOf(addr [20]byte, unit string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readBalance(accountBalanceKey(unit, addr))
}

// VaultBalance returns the pooled funds currently held for a unit.
func (l *CustodyLedger) VaultBalance(unit string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readBalance(vaultBalanceKey(unit))
}

// Credit adds funds to an account. Used to seed balances from genesis
// configuration and by deposit on-ramps outside this core.
func (l *CustodyLedger) Credit(addr [20]byte, unit string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("custody: credit amount must be non-negative")
	}
	if err := l.allowed(unit); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := accountBalanceKey(unit, addr)
	balance, err := l.readBalance(key)
	if err != nil {
		return err
	}
	balance.Add(balance, amount)
	return l.writeBalance(key, balance)
}

// Deposit moves funds from an account into the vault pool.
func (l *CustodyLedger) Deposit(unit string, from [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("custody: deposit amount must be non-negative")
	}
	if err := l.allowed(unit); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	accountKey := accountBalanceKey(unit, from)
	account, err := l.readBalance(accountKey)
	if err != nil {
		return err
	}
	if account.Cmp(amount) < 0 {
		return fmt.Errorf("custody: insufficient balance")
	}
	vault, err := l.readBalance(vaultBalanceKey(unit))
	if err != nil {
		return err
	}
	account.Sub(account, amount)
	vault.Add(vault, amount)
	if err := l.writeBalance(accountKey, account); err != nil {
		return err
	}
	return l.writeBalance(vaultBalanceKey(unit), vault)
}

// TransferOut pays funds from the vault pool to a recipient account.
func (l *CustodyLedger) TransferOut(unit string, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("custody: transfer amount must be non-negative")
	}
	if err := l.allowed(unit); err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	vault, err := l.readBalance(vaultBalanceKey(unit))
	if err != nil {
		return err
	}
	if vault.Cmp(amount) < 0 {
		return fmt.Errorf("custody: insufficient vault balance")
	}
	recipientKey := accountBalanceKey(unit, to)
	recipient, err := l.readBalance(recipientKey)
	if err != nil {
		return err
	}
	vault.Sub(vault, amount)
	recipient.Add(recipient, amount)
	if err := l.writeBalance(vaultBalanceKey(unit), vault); err != nil {
		return err
	}
	return l.writeBalance(recipientKey, recipient)
}
