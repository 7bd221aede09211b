package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeHolder AccountScope = iota
	AccountScopeExternal
)

// AccountKey identifies one token balance. External keys are the issuance side of
// mints and never carry a balance.
type AccountKey struct {
	Scope  AccountScope
	Holder common.Address
	Token  common.Address
}

// NewHolderAccountKey creates a key for a holder's balance of token
func NewHolderAccountKey(holder, token common.Address) AccountKey {
	return AccountKey{
		Scope:  AccountScopeHolder,
		Holder: holder,
		Token:  token,
	}
}

// NewExternalAccountKey creates the issuance boundary account for token
func NewExternalAccountKey(token common.Address) AccountKey {
	return AccountKey{
		Scope: AccountScopeExternal,
		Token: token,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeHolder:
		return fmt.Sprintf("holder:%s:%s", k.Holder.Hex(), k.Token.Hex())
	case AccountScopeExternal:
		return fmt.Sprintf("external:issuance:%s", k.Token.Hex())
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	switch {
	case len(parts) == 3 && parts[0] == "holder" && common.IsHexAddress(parts[1]) && common.IsHexAddress(parts[2]):
		return NewHolderAccountKey(common.HexToAddress(parts[1]), common.HexToAddress(parts[2])), nil
	case len(parts) == 3 && parts[0] == "external" && parts[1] == "issuance" && common.IsHexAddress(parts[2]):
		return NewExternalAccountKey(common.HexToAddress(parts[2])), nil
	}
	return AccountKey{}, fmt.Errorf("malformed account path %q", path)
}
