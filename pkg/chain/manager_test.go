package chain

import (
	"errors"
	"testing"
	"time"

	"github.com/0xphantomotr/relayprobe/pkg/types"
)

func buildBlock(height uint64, prev types.Hash, amounts ...uint64) *types.Block {
	block := &types.Block{
		Header: types.BlockHeader{
			Height:       height,
			PreviousHash: prev,
			Proposer:     types.AddressFromName("miner"),
			Reward:       50,
			Timestamp:    time.Unix(int64(height), 0).UTC(),
		},
	}
	for i, amount := range amounts {
		block.Transactions = append(block.Transactions, types.Transaction{
			From:      types.AddressFromName("alice"),
			To:        types.AddressFromName("bob"),
			Amount:    amount,
			Nonce:     uint64(i),
			Timestamp: time.Unix(0, int64(height*100)+int64(i)).UTC(),
		})
	}
	return block
}

func newChain(t *testing.T, n int) (*Manager, *MemoryStore, []*types.Block) {
	t.Helper()
	store := NewMemoryStore()
	mgr, err := NewManager(store)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	var (
		prev   types.Hash
		blocks []*types.Block
	)
	for h := uint64(1); h <= uint64(n); h++ {
		b := buildBlock(h, prev, h)
		if err := mgr.AddBlock(b); err != nil {
			t.Fatalf("add block %d: %v", h, err)
		}
		prev = b.Header.Hash()
		blocks = append(blocks, b)
	}
	return mgr, store, blocks
}

func TestAddBlockMovesTip(t *testing.T) {
	mgr, _, blocks := newChain(t, 1)

	height, hash := mgr.Tip()
	if height != 1 || hash != blocks[0].Header.Hash() {
		t.Fatalf("unexpected tip %d %s", height, hash)
	}
	if blocks[0].Header.TxRoot != blocks[0].CalculateTxRoot() {
		t.Fatal("zero tx root was not filled in")
	}

	got, err := mgr.GetBlockByHash(hash)
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if got.Header.Height != 1 {
		t.Fatalf("expected height 1, got %d", got.Header.Height)
	}
}

func TestAddBlockRejectsGapsAndForks(t *testing.T) {
	mgr, _, _ := newChain(t, 1)

	if err := mgr.AddBlock(buildBlock(3, types.Hash{})); !errors.Is(err, ErrUnexpectedHeight) {
		t.Fatalf("expected ErrUnexpectedHeight, got %v", err)
	}
	if err := mgr.AddBlock(buildBlock(2, types.Hash{9})); !errors.Is(err, ErrBadPrevHash) {
		t.Fatalf("expected ErrBadPrevHash, got %v", err)
	}
}

func TestAddBlockChecksGivenTxRoot(t *testing.T) {
	mgr, _, blocks := newChain(t, 1)
	b := buildBlock(2, blocks[0].Header.Hash(), 5)
	b.Header.TxRoot = types.Hash{1}
	if err := mgr.AddBlock(b); !errors.Is(err, ErrBadTxRoot) {
		t.Fatalf("expected ErrBadTxRoot, got %v", err)
	}
}

func TestStoredBlocksAreCopies(t *testing.T) {
	mgr, _, blocks := newChain(t, 1)
	blocks[0].Transactions[0].Amount = 999

	got, err := mgr.GetBlockByHeight(1)
	if err != nil {
		t.Fatalf("get block: %v", err)
	}
	if got.Transactions[0].Amount != 1 {
		t.Fatalf("store shares memory with caller: amount %d", got.Transactions[0].Amount)
	}
	got.Transactions[0].Amount = 7
	again, _ := mgr.GetBlockByHeight(1)
	if again.Transactions[0].Amount != 1 {
		t.Fatal("store shares memory with reader")
	}
}

func TestFindTransaction(t *testing.T) {
	mgr, _, blocks := newChain(t, 3)
	want := blocks[1].Transactions[0]

	tx, height, err := mgr.FindTransaction(want.CalculateHash())
	if err != nil {
		t.Fatalf("find tx: %v", err)
	}
	if height != 2 || tx.Amount != want.Amount {
		t.Fatalf("found %+v at %d", tx, height)
	}
	if _, _, err := mgr.FindTransaction(types.Hash{4}); !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("expected ErrTxNotFound, got %v", err)
	}
}

func TestBlocksFrom(t *testing.T) {
	mgr, _, _ := newChain(t, 5)

	all, err := mgr.BlocksFrom(0, 0)
	if err != nil || len(all) != 5 || all[0].Header.Height != 1 {
		t.Fatalf("unexpected range: %d blocks, err %v", len(all), err)
	}
	some, _ := mgr.BlocksFrom(4, 0)
	if len(some) != 2 || some[1].Header.Height != 5 {
		t.Fatalf("unexpected tail: %d blocks", len(some))
	}
	capped, _ := mgr.BlocksFrom(1, 2)
	if len(capped) != 2 {
		t.Fatalf("limit ignored: %d blocks", len(capped))
	}
	none, _ := mgr.BlocksFrom(6, 0)
	if len(none) != 0 {
		t.Fatalf("expected nothing past tip, got %d", len(none))
	}
}

func TestManagerReloadsFromStore(t *testing.T) {
	_, store, blocks := newChain(t, 2)

	reloaded, err := NewManager(store)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	height, hash := reloaded.Tip()
	if height != 2 || hash != blocks[1].Header.Hash() {
		t.Fatalf("reloaded tip %d %s", height, hash)
	}
}
