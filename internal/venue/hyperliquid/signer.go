package hyperliquid

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/vmihailenco/msgpack/v5"
)

// L1 actions are signed as an EIP-712 "Agent" whose connectionId is the
// keccak hash of the msgpack encoded action.
const (
	domainName    = "Exchange"
	domainVersion = "1"
	domainChainID = 1337
	zeroAddress   = "0x0000000000000000000000000000000000000000"
	sourceMainnet = "a"
	sourceTestnet = "b"
)

// Signature is the r/s/v triple sent with every exchange request.
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V int    `json:"v"`
}

type signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	mainnet bool
}

func newSigner(hexKey string, mainnet bool) (*signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("hyperliquid private key: %w", err)
	}
	return &signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey), mainnet: mainnet}, nil
}

// actionHash is keccak256(msgpack(action) || nonce(be64) || vault flag [|| vault]).
func actionHash(action interface{}, nonce int64, vault string) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(action); err != nil {
		return nil, fmt.Errorf("hyperliquid action encode: %w", err)
	}
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(nonce))
	buf.Write(n[:])
	if vault == "" {
		buf.WriteByte(0)
	} else {
		buf.WriteByte(1)
		buf.Write(common.HexToAddress(vault).Bytes())
	}
	return crypto.Keccak256(buf.Bytes()), nil
}

func agentTypedData(source string, connectionID []byte) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           math.NewHexOrDecimal256(domainChainID),
			VerifyingContract: zeroAddress,
		},
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": connectionID,
		},
	}
}

// typedDataDigest builds keccak256("\x19\x01" || domainSeparator || structHash).
func typedDataDigest(typed apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typed.HashStruct("EIP712Domain", typed.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hyperliquid domain hash: %w", err)
	}
	structHash, err := typed.HashStruct(typed.PrimaryType, typed.Message)
	if err != nil {
		return nil, fmt.Errorf("hyperliquid agent hash: %w", err)
	}
	raw := []byte("\x19\x01")
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256(raw), nil
}

// signAction signs an L1 action for the given nonce.
func (s *signer) signAction(action interface{}, nonce int64, vault string) (Signature, error) {
	hash, err := actionHash(action, nonce, vault)
	if err != nil {
		return Signature{}, err
	}
	source := sourceTestnet
	if s.mainnet {
		source = sourceMainnet
	}
	digest, err := typedDataDigest(agentTypedData(source, hash))
	if err != nil {
		return Signature{}, err
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return Signature{}, fmt.Errorf("hyperliquid sign: %w", err)
	}
	return Signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: int(sig[64]) + 27,
	}, nil
}
