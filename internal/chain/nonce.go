// Package chain holds the on-chain collaborators of the signature relay:
// the contract nonce oracle and the custodial EIP-712 signer.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"player-arena-backend/internal/config"
)

// ErrChainUnavailable wraps RPC and timeout failures of the nonce read.
// Callers treat the read as advisory and fall back to local state.
var ErrChainUnavailable = errors.New("chain unavailable")

// noncesABI is the fragment of the verifying contract consulted by the
// oracle. nonces(owner) returns one plus the highest nonce the contract
// has consumed for that address.
const noncesABI = `[{"name":"nonces","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}]`

// ContractNonceOracle reads the next usable nonce from the verifying
// contract. The read has no side effects and is bounded by a timeout so a
// slow RPC endpoint cannot hang a relay request.
type ContractNonceOracle struct {
	client   *ethclient.Client
	contract common.Address
	abi      abi.ABI
	timeout  time.Duration
}

// NewContractNonceOracle creates an oracle against the configured RPC
// endpoint. Dialing an HTTP endpoint is lazy, so an unreachable chain at
// startup does not prevent the process from serving in degraded mode.
func NewContractNonceOracle(cfg *config.ChainConfig) (*ContractNonceOracle, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("invalid contract address: %q", cfg.Contract)
	}

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc endpoint: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(noncesABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse nonces abi: %w", err)
	}

	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	return &ContractNonceOracle{
		client:   client,
		contract: common.HexToAddress(cfg.Contract),
		abi:      parsed,
		timeout:  timeout,
	}, nil
}

// NextNonce returns the next usable nonce for an address according to the
// contract. All transport failures are reported as ErrChainUnavailable.
func (o *ContractNonceOracle) NextNonce(ctx context.Context, address string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	data, err := o.abi.Pack("nonces", common.HexToAddress(address))
	if err != nil {
		return 0, fmt.Errorf("failed to pack nonces call: %w", err)
	}

	out, err := o.client.CallContract(ctx, ethereum.CallMsg{
		To:   &o.contract,
		Data: data,
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrChainUnavailable, err)
	}

	results, err := o.abi.Unpack("nonces", out)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed nonces result: %v", ErrChainUnavailable, err)
	}

	nonce, ok := results[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("%w: unexpected nonces result type %T", ErrChainUnavailable, results[0])
	}
	return nonce.Uint64(), nil
}

// Close releases the underlying RPC client.
func (o *ContractNonceOracle) Close() {
	o.client.Close()
}
