package types

import (
	"errors"
	"testing"
	"time"
)

func TestTransactionHashDeterministic(t *testing.T) {
	tx := Transaction{
		From:      Address{1},
		To:        Address{2},
		Amount:    10,
		Nonce:     1,
		Timestamp: time.Unix(0, 123),
	}
	hash1 := tx.CalculateHash()
	hash2 := tx.CalculateHash()
	if hash1 != hash2 {
		t.Fatalf("expected deterministic hash, got %s and %s", hash1.String(), hash2.String())
	}
}

func TestTransactionHashIgnoresStoredHash(t *testing.T) {
	tx := Transaction{From: Address{1}, To: Address{2}, Amount: 10, Timestamp: time.Unix(0, 5)}
	want := tx.CalculateHash()
	tx.Hash = Hash{0xff}
	if got := tx.CalculateHash(); got != want {
		t.Fatalf("hash depends on stored Hash field: %s != %s", got, want)
	}
}

func TestDecodeTransactionRecomputesHash(t *testing.T) {
	tx := Transaction{
		From:      Address{7},
		To:        Address{8},
		Amount:    99,
		Nonce:     3,
		Timestamp: time.Unix(1700000000, 42),
	}
	want := tx.CalculateHash()

	decoded, err := DecodeTransaction(EncodeTransaction(tx))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Hash != want {
		t.Fatalf("raw round trip changed txid: %s != %s", decoded.Hash, want)
	}
	if decoded.Amount != 99 || decoded.Nonce != 3 {
		t.Fatalf("unexpected decoded tx %#v", decoded)
	}
}

func TestDecodeTransactionRejectsGarbage(t *testing.T) {
	if _, err := DecodeTransaction([]byte("not json")); err == nil {
		t.Fatal("expected error for garbage input")
	}
}

func TestBlockHeaderHashChangesWithStateRoot(t *testing.T) {
	header := BlockHeader{
		Height:    1,
		Timestamp: time.Now(),
	}
	hash1 := header.Hash()
	header.StateRoot = Hash{1}
	hash2 := header.Hash()
	if hash1 == hash2 {
		t.Fatal("expected header hash to change when state root changes")
	}
}

func TestCalculateTxRootAggregatesTransactions(t *testing.T) {
	block := Block{
		Transactions: []Transaction{
			{From: Address{1}, To: Address{2}, Amount: 5, Timestamp: time.Now()},
			{From: Address{3}, To: Address{4}, Amount: 7, Timestamp: time.Now()},
		},
	}
	root := block.CalculateTxRoot()
	if root == (Hash{}) {
		t.Fatal("tx root should not be zero hash when block has transactions")
	}
}

func TestParseAddress(t *testing.T) {
	addr := AddressFromName("node-1")
	parsed, err := ParseAddress("0x" + addr.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != addr {
		t.Fatalf("got %s want %s", parsed, addr)
	}

	_, err = ParseAddress("abcd")
	if !errors.Is(err, ErrInvalidHex) {
		t.Fatalf("expected ErrInvalidHex, got %v", err)
	}
}
