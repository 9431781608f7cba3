package txref

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var ErrTxFailed = errors.New("transaction reverted")

// Verifier confirms a transaction before the gateway completes its payment.
type Verifier interface {
	Verify(ctx context.Context, hash common.Hash) error
	Ping(ctx context.Context) error
}

// NoopVerifier accepts every well-formed hash. Used when no RPC endpoint is configured.
type NoopVerifier struct{}

func (NoopVerifier) Verify(context.Context, common.Hash) error { return nil }
func (NoopVerifier) Ping(context.Context) error                { return nil }

type receiptReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ReceiptVerifier waits for a receipt and requires a successful status.
type ReceiptVerifier struct {
	client       receiptReader
	closer       func()
	pollInterval time.Duration
	timeout      time.Duration
}

type ReceiptVerifierConfig struct {
	RPCURL       string
	PollInterval time.Duration
	Timeout      time.Duration
}

func NewReceiptVerifier(ctx context.Context, cfg ReceiptVerifierConfig) (*ReceiptVerifier, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	v := newReceiptVerifier(cli, cfg.PollInterval, cfg.Timeout)
	v.closer = cli.Close
	return v, nil
}

func newReceiptVerifier(client receiptReader, poll, timeout time.Duration) *ReceiptVerifier {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ReceiptVerifier{client: client, pollInterval: poll, timeout: timeout}
}

func (v *ReceiptVerifier) Close() {
	if v.closer != nil {
		v.closer()
	}
}

func (v *ReceiptVerifier) Verify(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	receipt, err := v.waitForReceipt(ctx, hash)
	if err != nil {
		return fmt.Errorf("receipt %s: %w", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s", ErrTxFailed, hash.Hex())
	}
	return nil
}

func (v *ReceiptVerifier) Ping(ctx context.Context) error {
	_, err := v.client.BlockNumber(ctx)
	return err
}

// waitForReceipt polls until the transaction is mined or ctx ends.
func (v *ReceiptVerifier) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(v.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := v.client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
