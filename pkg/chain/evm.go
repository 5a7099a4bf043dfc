package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

const transferGas = 21000

type EVMConfig struct {
	RPCURL        string
	ChainID       int64 // 0 asks the node
	Confirmations uint64
	PollInterval  time.Duration
}

// EVMClient transfers the chain's native asset between custody addresses.
// Amounts are wei.
type EVMClient struct {
	rpc     *ethclient.Client
	keys    *Keyring
	chainID *big.Int
	cfg     EVMConfig
	log     *zap.SugaredLogger

	// serializes nonce assignment
	sendMu sync.Mutex
}

func DialEVM(ctx context.Context, cfg EVMConfig, keys *Keyring, log *zap.SugaredLogger) (*EVMClient, error) {
	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		if chainID, err = rpc.ChainID(ctx); err != nil {
			rpc.Close()
			return nil, fmt.Errorf("query chain id: %w", err)
		}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	log.Infow("chain_client_connected", "rpc", cfg.RPCURL, "chain_id", chainID.String(), "custody_addresses", len(keys.signers))
	return &EVMClient{rpc: rpc, keys: keys, chainID: chainID, cfg: cfg, log: log}, nil
}

func (c *EVMClient) Close() { c.rpc.Close() }

func (c *EVMClient) SubmitTransfer(ctx context.Context, amount int64, from, to string) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("transfer amount %d must be positive", amount)
	}
	fromAddr, err := ValidateAddress(from)
	if err != nil {
		return "", err
	}
	toAddr, err := ValidateAddress(to)
	if err != nil {
		return "", err
	}
	signer, err := c.keys.Signer(fromAddr)
	if err != nil {
		return "", err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.rpc.PendingNonceAt(ctx, fromAddr)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      transferGas,
		To:       &toAddr,
		Value:    big.NewInt(amount),
	})
	signed, err := signer.SignTx(tx, c.chainID)
	if err != nil {
		return "", err
	}
	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send tx: %w", err)
	}
	c.log.Infow("transfer_submitted", "tx", signed.Hash().Hex(), "from", fromAddr.Hex(), "to", toAddr.Hex(), "amount", amount, "nonce", nonce)
	return signed.Hash().Hex(), nil
}

// AwaitConfirmation polls for the receipt and then for Confirmations blocks
// on top of it.
func (c *EVMClient) AwaitConfirmation(ctx context.Context, txHash string) (TxStatus, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, done, err := c.check(ctx, hash)
		if err != nil || done {
			return status, err
		}
		select {
		case <-ctx.Done():
			return TxPending, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *EVMClient) check(ctx context.Context, hash common.Hash) (TxStatus, bool, error) {
	receipt, err := c.rpc.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return TxPending, false, nil
	}
	if err != nil {
		return TxPending, false, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return TxReverted, true, nil
	}

	head, err := c.rpc.BlockNumber(ctx)
	if err != nil {
		return TxPending, false, fmt.Errorf("block number: %w", err)
	}
	mined := receipt.BlockNumber.Uint64()
	if head >= mined && head-mined+1 >= c.cfg.Confirmations {
		return TxConfirmed, true, nil
	}
	return TxPending, false, nil
}
