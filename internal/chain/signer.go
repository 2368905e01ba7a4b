package chain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"player-arena-backend/internal/config"
	"player-arena-backend/internal/model"
)

// Order is the canonical content of a custodially signed token order.
// Bound is the maximum spend (buy) or minimum receive (sell) in wei.
type Order struct {
	Account  string
	PlayerID uint64
	Amount   uint64
	Bound    *big.Int
	Nonce    uint64
	Deadline int64
}

// Typed-data layouts of the orders the verifying contract accepts. Field
// order inside each struct is part of the wire contract: changing it
// changes the struct hash and the contract rejects the signature.
var (
	eip712DomainType = []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	}

	buyOrderType = []apitypes.Type{
		{Name: "buyer", Type: "address"},
		{Name: "playerId", Type: "uint256"},
		{Name: "amount", Type: "uint256"},
		{Name: "maxSpend", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	}

	sellOrderType = []apitypes.Type{
		{Name: "seller", Type: "address"},
		{Name: "playerId", Type: "uint256"},
		{Name: "amount", Type: "uint256"},
		{Name: "minReceive", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	}
)

// Signer produces EIP-712 signatures with the custodial key. The key is
// parsed once at startup and is read-only afterwards; rotating it requires
// a restart.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	domain  apitypes.TypedDataDomain
}

// NewSigner parses the custodial key and fixes the signing domain. Any key
// misconfiguration surfaces here, at startup, never per-request.
func NewSigner(signerCfg *config.SignerConfig, chainCfg *config.ChainConfig) (*Signer, error) {
	hexKey := strings.TrimSpace(signerCfg.PrivateKey)
	if hexKey == "" {
		return nil, fmt.Errorf("signing key missing")
	}
	hexKey = strings.TrimPrefix(hexKey, "0x")

	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}

	if !common.IsHexAddress(chainCfg.Contract) {
		return nil, fmt.Errorf("invalid verifying contract address: %q", chainCfg.Contract)
	}

	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		domain: apitypes.TypedDataDomain{
			Name:              chainCfg.DomainName,
			Version:           chainCfg.DomainVersion,
			ChainId:           math.NewHexOrDecimal256(chainCfg.ChainID),
			VerifyingContract: common.HexToAddress(chainCfg.Contract).Hex(),
		},
	}, nil
}

// Address returns the signer's on-chain address.
func (s *Signer) Address() common.Address {
	return s.address
}

// typedData builds the full typed-data payload for an order.
func (s *Signer) typedData(side model.OrderSide, o Order) (apitypes.TypedData, error) {
	if !side.Valid() {
		return apitypes.TypedData{}, fmt.Errorf("unknown order side %q", side)
	}
	if !common.IsHexAddress(o.Account) {
		return apitypes.TypedData{}, fmt.Errorf("invalid account address: %q", o.Account)
	}
	if o.Bound == nil || o.Bound.Sign() < 0 {
		return apitypes.TypedData{}, fmt.Errorf("order bound must be a non-negative integer")
	}

	primaryType := "BuyOrder"
	accountField := "buyer"
	boundField := "maxSpend"
	orderType := buyOrderType
	if side == model.OrderSideSell {
		primaryType = "SellOrder"
		accountField = "seller"
		boundField = "minReceive"
		orderType = sellOrderType
	}

	message := apitypes.TypedDataMessage{
		accountField: common.HexToAddress(o.Account).Hex(),
		"playerId":   (*math.HexOrDecimal256)(new(big.Int).SetUint64(o.PlayerID)),
		"amount":     (*math.HexOrDecimal256)(new(big.Int).SetUint64(o.Amount)),
		boundField:   (*math.HexOrDecimal256)(new(big.Int).Set(o.Bound)),
		"nonce":      (*math.HexOrDecimal256)(new(big.Int).SetUint64(o.Nonce)),
		"deadline":   math.NewHexOrDecimal256(o.Deadline),
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": eip712DomainType,
			primaryType:    orderType,
		},
		PrimaryType: primaryType,
		Domain:      s.domain,
		Message:     message,
	}, nil
}

// OrderDigest returns the EIP-712 digest the contract will verify for an
// order. Exposed so tests can recover the signing address.
func (s *Signer) OrderDigest(side model.OrderSide, o Order) ([]byte, error) {
	td, err := s.typedData(side, o)
	if err != nil {
		return nil, err
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return digest, nil
}

// SignOrder signs an order and returns the 65-byte r||s||v signature with
// v in {27, 28}. Once signing begins it runs to completion; there is no
// cancellation path into the crypto.
func (s *Signer) SignOrder(side model.OrderSide, o Order) ([]byte, error) {
	digest, err := s.OrderDigest(side, o)
	if err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign order: %w", err)
	}
	sig[64] += 27
	return sig, nil
}
