// Package txref parses blockchain transaction ids reported with a completed
// payment and optionally checks them against a chain node.
package txref

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var ErrInvalidTxID = errors.New("invalid transaction id")

// Parse accepts a 32-byte transaction hash as 64 hex characters, with or
// without a 0x prefix.
func Parse(txid string) (common.Hash, error) {
	s := strings.TrimSpace(txid)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	raw, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w %q: %v", ErrInvalidTxID, txid, err)
	}
	if len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w %q: got %d bytes", ErrInvalidTxID, txid, len(raw))
	}
	return common.BytesToHash(raw), nil
}

// Format renders h the way the provider reports transaction ids: lowercase
// hex without prefix.
func Format(h common.Hash) string {
	return strings.TrimPrefix(h.Hex(), "0x")
}
