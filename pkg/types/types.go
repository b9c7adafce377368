package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidHex = errors.New("types: invalid hex length")

type Hash [32]byte

type Address [32]byte

type Transaction struct {
	Hash      Hash      `json:"hash"`
	From      Address   `json:"from"`
	To        Address   `json:"to"`
	Amount    uint64    `json:"amount"`
	Nonce     uint64    `json:"nonce"`
	Signature []byte    `json:"signature,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type BlockHeader struct {
	Height       uint64    `json:"height"`
	PreviousHash Hash      `json:"previous_hash"`
	StateRoot    Hash      `json:"state_root"`
	TxRoot       Hash      `json:"tx_root"`
	Proposer     Address   `json:"proposer"`
	Reward       uint64    `json:"reward"`
	Timestamp    time.Time `json:"timestamp"`
}

type Block struct {
	Header       BlockHeader   `json:"header"`
	Transactions []Transaction `json:"transactions"`
}

// canonicalTx is the serialization the transaction id is computed over.
type canonicalTx struct {
	From   Address `json:"from"`
	To     Address `json:"to"`
	Amount uint64  `json:"amount"`
	Nonce  uint64  `json:"nonce"`
	Time   int64   `json:"timestamp"`
}

func (tx *Transaction) canonical() canonicalTx {
	return canonicalTx{
		From: tx.From, To: tx.To, Amount: tx.Amount, Nonce: tx.Nonce, Time: tx.Timestamp.UnixNano(),
	}
}

// CalculateHash returns the transaction id. The stored Hash field is ignored.
func (tx *Transaction) CalculateHash() Hash {
	payload, _ := json.Marshal(tx.canonical())
	return sha256.Sum256(payload)
}

// EncodeTransaction returns the raw bytes handed around by getrawtransaction
// and sendrawtransaction.
func EncodeTransaction(tx Transaction) []byte {
	payload, _ := json.Marshal(tx.canonical())
	return payload
}

// DecodeTransaction parses raw bytes produced by EncodeTransaction and fills
// in the recomputed hash.
func DecodeTransaction(raw []byte) (Transaction, error) {
	var c canonicalTx
	if err := json.Unmarshal(raw, &c); err != nil {
		return Transaction{}, fmt.Errorf("decode raw tx: %w", err)
	}
	tx := Transaction{
		From:      c.From,
		To:        c.To,
		Amount:    c.Amount,
		Nonce:     c.Nonce,
		Timestamp: time.Unix(0, c.Time).UTC(),
	}
	tx.Hash = tx.CalculateHash()
	return tx, nil
}

func (b *Block) CalculateTxRoot() Hash {
	h := sha256.New()
	for _, tx := range b.Transactions {
		sum := tx.CalculateHash()
		h.Write(sum[:])
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func (h *BlockHeader) Hash() Hash {
	payload, _ := json.Marshal(h)
	return sha256.Sum256(payload)
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// AddressFromName derives a stable address from a human readable name.
func AddressFromName(name string) Address {
	return Address(sha256.Sum256([]byte("addr:" + name)))
}

func ParseAddress(s string) (Address, error) {
	var addr Address
	err := decodeFixedHex(s, addr[:])
	return addr, err
}

func ParseHash(s string) (Hash, error) {
	var h Hash
	err := decodeFixedHex(s, h[:])
	return h, err
}

func decodeFixedHex(s string, dst []byte) error {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidHex, len(b), len(dst))
	}
	copy(dst, b)
	return nil
}
