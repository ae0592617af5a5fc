package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Bucket names
var (
	bucketBlocks   = []byte("blocks")   // hash -> block bytes
	bucketHeights  = []byte("heights")  // height (big-endian) -> hash (main chain only)
	bucketAccounts = []byte("accounts") // address -> account (main chain ledger)
	bucketUndo     = []byte("undo")     // hash -> BlockUndo for main-chain blocks
	bucketMeta     = []byte("meta")     // metadata: tip, height, etc.

	metaKeyTip    = []byte("tip")
	metaKeyHeight = []byte("height")
	metaKeyWork   = []byte("work")
)

// Storage wraps bbolt for chain persistence
type Storage struct {
	db *bolt.DB
}

// BlockUndo restores the ledger when a block is disconnected.
type BlockUndo struct {
	Accounts AccountUndo `json:"accounts"`
}

func heightKey(height uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, height)
	return key
}

func readTipMeta(meta *bolt.Bucket) (hash Hash, height uint64, found bool, err error) {
	tipData := meta.Get(metaKeyTip)
	heightData := meta.Get(metaKeyHeight)

	if tipData == nil {
		if heightData != nil {
			return hash, 0, false, fmt.Errorf("height metadata present without tip metadata")
		}
		return hash, 0, false, nil
	}
	if len(tipData) != 32 {
		return hash, 0, false, fmt.Errorf("invalid tip hash length: got %d", len(tipData))
	}
	if len(heightData) != 8 {
		return hash, 0, false, fmt.Errorf("invalid tip height length: got %d", len(heightData))
	}

	copy(hash[:], tipData)
	height = binary.BigEndian.Uint64(heightData)
	return hash, height, true, nil
}

func writeTipMeta(meta *bolt.Bucket, hash Hash, height, work uint64) error {
	workBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(workBytes, work)
	if err := meta.Put(metaKeyTip, hash[:]); err != nil {
		return err
	}
	if err := meta.Put(metaKeyHeight, heightKey(height)); err != nil {
		return err
	}
	return meta.Put(metaKeyWork, workBytes)
}

func writeAccounts(bucket *bolt.Bucket, accounts map[string]*Account) error {
	for addr, acc := range accounts {
		if acc == nil {
			if err := bucket.Delete([]byte(addr)); err != nil {
				return err
			}
			continue
		}
		data, err := json.Marshal(acc)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(addr), data); err != nil {
			return err
		}
	}
	return nil
}

// NewStorage opens or creates the chain database
func NewStorage(dataDir string) (*Storage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultChainDBFilename)
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{
		NoSync: false, // Ensure durability
		// Another process (usually a running node) holds the lock.
		Timeout: 2 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBlocks, bucketHeights, bucketAccounts, bucketUndo, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to create buckets: %w (additionally failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close closes the database
func (s *Storage) Close() error {
	return s.db.Close()
}

// ============================================================================
// Block Operations
// ============================================================================

// SaveBlock stores a side-chain block by its hash
func (s *Storage) SaveBlock(block *Block) error {
	if block == nil {
		return fmt.Errorf("cannot save nil block")
	}

	hash := block.Hash()
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		if block.Header.Height > 0 && blocks.Get(block.Header.PrevHash[:]) == nil {
			return fmt.Errorf("block %x at height %d has missing parent %x", hash[:8], block.Header.Height, block.Header.PrevHash[:8])
		}
		return blocks.Put(hash[:], data)
	})
}

// GetBlock retrieves a block by hash
func (s *Storage) GetBlock(hash Hash) (*Block, error) {
	var block *Block

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBlocks).Get(hash[:])
		if data == nil {
			return nil // Not found
		}
		block = &Block{}
		return json.Unmarshal(data, block)
	})

	return block, err
}

// HasBlock checks if a block exists
func (s *Storage) HasBlock(hash Hash) bool {
	var exists bool
	if err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(bucketBlocks).Get(hash[:]) != nil
		return nil
	}); err != nil {
		zap.S().Warnf("storage HasBlock view failed: %v", err)
		return false
	}
	return exists
}

// GetBlockHashByHeight gets the main chain block hash at height
func (s *Storage) GetBlockHashByHeight(height uint64) (Hash, bool) {
	key := heightKey(height)

	var hash Hash
	var found bool

	if err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHeights).Get(key)
		if len(data) == 32 {
			copy(hash[:], data)
			found = true
		}
		return nil
	}); err != nil {
		zap.S().Warnf("storage GetBlockHashByHeight view failed: %v", err)
		return Hash{}, false
	}

	return hash, found
}

// GetUndo returns the undo record for a main-chain block.
func (s *Storage) GetUndo(hash Hash) (*BlockUndo, error) {
	var undo *BlockUndo
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUndo).Get(hash[:])
		if data == nil {
			return nil
		}
		undo = &BlockUndo{}
		return json.Unmarshal(data, undo)
	})
	return undo, err
}

// LoadAccounts reads the persisted main-chain ledger.
func (s *Storage) LoadAccounts() (map[string]Account, error) {
	out := make(map[string]Account)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).ForEach(func(k, v []byte) error {
			var acc Account
			if err := json.Unmarshal(v, &acc); err != nil {
				return fmt.Errorf("account %s: %w", k, err)
			}
			out[string(k)] = acc
			return nil
		})
	})
	return out, err
}

// ============================================================================
// Metadata Operations
// ============================================================================

// GetTip returns the best block hash and height
func (s *Storage) GetTip() (hash Hash, height uint64, work uint64, found bool) {
	if err := s.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)

		if data := meta.Get(metaKeyTip); len(data) == 32 {
			copy(hash[:], data)
			found = true
		}

		if data := meta.Get(metaKeyHeight); len(data) == 8 {
			height = binary.BigEndian.Uint64(data)
		}

		if data := meta.Get(metaKeyWork); len(data) == 8 {
			work = binary.BigEndian.Uint64(data)
		}

		return nil
	}); err != nil {
		zap.S().Warnf("storage GetTip view failed: %v", err)
		return Hash{}, 0, 0, false
	}
	return
}

// ============================================================================
// Batch Operations (for atomic block commits)
// ============================================================================

// BlockCommit represents an atomic block commit with all changes
type BlockCommit struct {
	Block     *Block
	Height    uint64
	Hash      Hash
	Work      uint64
	IsMainTip bool                // Update tip?
	Accounts  map[string]*Account // new ledger values; nil deletes
	Undo      *BlockUndo
}

// CommitBlock atomically writes a block and all related changes
func (s *Storage) CommitBlock(commit *BlockCommit) error {
	if commit == nil {
		return fmt.Errorf("nil block commit")
	}
	if commit.Block == nil {
		return fmt.Errorf("nil block in block commit")
	}
	if commit.Height != commit.Block.Header.Height {
		return fmt.Errorf("commit height mismatch: commit=%d block=%d", commit.Height, commit.Block.Header.Height)
	}
	if commit.Hash != commit.Block.Hash() {
		return fmt.Errorf("commit hash mismatch with block header hash")
	}

	blockData, err := json.Marshal(commit.Block)
	if err != nil {
		return err
	}
	var undoData []byte
	if commit.Undo != nil {
		if undoData, err = json.Marshal(commit.Undo); err != nil {
			return err
		}
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		heights := tx.Bucket(bucketHeights)
		meta := tx.Bucket(bucketMeta)

		if commit.Block.Header.Height > 0 && blocks.Get(commit.Block.Header.PrevHash[:]) == nil {
			return fmt.Errorf("main-chain commit block parent missing: height=%d prev=%x", commit.Block.Header.Height, commit.Block.Header.PrevHash[:8])
		}

		if commit.IsMainTip {
			tipHash, tipHeight, found, err := readTipMeta(meta)
			if err != nil {
				return fmt.Errorf("invalid tip metadata: %w", err)
			}

			if !found {
				if commit.Height != 0 {
					return fmt.Errorf("cannot commit non-genesis tip to empty chain: height=%d", commit.Height)
				}
			} else {
				if commit.Height != tipHeight+1 {
					return fmt.Errorf("tip height linkage mismatch: current=%d new=%d", tipHeight, commit.Height)
				}
				if commit.Block.Header.PrevHash != tipHash {
					return fmt.Errorf("tip hash linkage mismatch: expected prev %x got %x", tipHash[:8], commit.Block.Header.PrevHash[:8])
				}
			}
		}

		if err := blocks.Put(commit.Hash[:], blockData); err != nil {
			return err
		}

		if !commit.IsMainTip {
			return nil
		}

		if err := heights.Put(heightKey(commit.Height), commit.Hash[:]); err != nil {
			return err
		}
		if err := writeAccounts(tx.Bucket(bucketAccounts), commit.Accounts); err != nil {
			return err
		}
		if undoData != nil {
			if err := tx.Bucket(bucketUndo).Put(commit.Hash[:], undoData); err != nil {
				return err
			}
		}
		return writeTipMeta(meta, commit.Hash, commit.Height, commit.Work)
	})
}

// ReorgCommit handles rolling back and applying blocks atomically
type ReorgCommit struct {
	// Blocks to disconnect, tip first (height index removed)
	Disconnect []*Block
	// Blocks to connect, lowest first
	Connect []*Block
	// Ledger values after the reorg for every touched address; nil deletes
	Accounts map[string]*Account
	// Undo records for the connected blocks
	Undo map[Hash]*BlockUndo
	// New tip after reorg
	NewTip    Hash
	NewHeight uint64
	NewWork   uint64
}

// CommitReorg atomically performs a chain reorganization
func (s *Storage) CommitReorg(commit *ReorgCommit) error {
	if commit == nil {
		return fmt.Errorf("nil reorg commit")
	}
	if len(commit.Connect) == 0 {
		return fmt.Errorf("reorg commit requires at least one block to connect")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		heights := tx.Bucket(bucketHeights)
		undos := tx.Bucket(bucketUndo)
		meta := tx.Bucket(bucketMeta)

		currentTip, currentHeight, found, err := readTipMeta(meta)
		if err != nil {
			return fmt.Errorf("invalid current tip metadata: %w", err)
		}
		if !found {
			return fmt.Errorf("cannot apply reorg on empty chain")
		}
		if len(commit.Disconnect) > int(currentHeight+1) {
			return fmt.Errorf("disconnect set too deep for current height: disconnect=%d currentHeight=%d", len(commit.Disconnect), currentHeight)
		}

		expectedNewHeight := currentHeight - uint64(len(commit.Disconnect)) + uint64(len(commit.Connect))
		if commit.NewHeight != expectedNewHeight {
			return fmt.Errorf("reorg new height mismatch: expected=%d got=%d", expectedNewHeight, commit.NewHeight)
		}

		baseHash := currentTip
		baseHeight := currentHeight
		if len(commit.Disconnect) > 0 {
			for i, block := range commit.Disconnect {
				if block == nil {
					return fmt.Errorf("disconnect[%d] is nil", i)
				}
				hash := block.Hash()
				expectedHeight := currentHeight - uint64(i)
				if block.Header.Height != expectedHeight {
					return fmt.Errorf("disconnect[%d] height mismatch: expected=%d got=%d", i, expectedHeight, block.Header.Height)
				}
				mainHash := heights.Get(heightKey(expectedHeight))
				if mainHash == nil {
					return fmt.Errorf("main-chain height %d missing during disconnect", expectedHeight)
				}
				var indexedHash Hash
				copy(indexedHash[:], mainHash)
				if indexedHash != hash {
					return fmt.Errorf("disconnect[%d] hash mismatch with height index at %d", i, expectedHeight)
				}
				if i > 0 {
					prev := commit.Disconnect[i-1]
					if prev.Header.PrevHash != hash {
						return fmt.Errorf("disconnect linkage mismatch between heights %d and %d", prev.Header.Height, block.Header.Height)
					}
				}
			}

			lowestDisconnected := commit.Disconnect[len(commit.Disconnect)-1]
			if lowestDisconnected.Header.Height == 0 {
				return fmt.Errorf("reorg cannot disconnect genesis block")
			}
			baseHash = lowestDisconnected.Header.PrevHash
			baseHeight = lowestDisconnected.Header.Height - 1
		}

		if blocks.Get(baseHash[:]) == nil {
			return fmt.Errorf("reorg base block not found: %x", baseHash[:8])
		}

		expectedPrevHash := baseHash
		expectedConnectHeight := baseHeight + 1
		for i, block := range commit.Connect {
			if block == nil {
				return fmt.Errorf("connect[%d] is nil", i)
			}
			hash := block.Hash()
			if block.Header.Height != expectedConnectHeight {
				return fmt.Errorf("connect[%d] height mismatch: expected=%d got=%d", i, expectedConnectHeight, block.Header.Height)
			}
			if block.Header.PrevHash != expectedPrevHash {
				return fmt.Errorf("connect[%d] parent mismatch: expected prev %x got %x", i, expectedPrevHash[:8], block.Header.PrevHash[:8])
			}
			expectedPrevHash = hash
			expectedConnectHeight++
		}
		if commit.NewTip != expectedPrevHash {
			return fmt.Errorf("reorg new tip mismatch: expected=%x got=%x", expectedPrevHash[:8], commit.NewTip[:8])
		}

		// Disconnect blocks (reverse order). Block bodies stay for side-chain lookups.
		for i := len(commit.Disconnect) - 1; i >= 0; i-- {
			block := commit.Disconnect[i]
			hash := block.Hash()
			if err := heights.Delete(heightKey(block.Header.Height)); err != nil {
				return err
			}
			if err := undos.Delete(hash[:]); err != nil {
				return err
			}
		}

		// Connect new blocks (forward order)
		for _, block := range commit.Connect {
			hash := block.Hash()

			blockData, err := json.Marshal(block)
			if err != nil {
				return fmt.Errorf("failed to marshal block: %w", err)
			}
			if err := blocks.Put(hash[:], blockData); err != nil {
				return fmt.Errorf("failed to save block: %w", err)
			}
			if err := heights.Put(heightKey(block.Header.Height), hash[:]); err != nil {
				return err
			}
			if undo, ok := commit.Undo[hash]; ok && undo != nil {
				data, err := json.Marshal(undo)
				if err != nil {
					return fmt.Errorf("failed to marshal undo: %w", err)
				}
				if err := undos.Put(hash[:], data); err != nil {
					return err
				}
			}
		}

		if err := writeAccounts(tx.Bucket(bucketAccounts), commit.Accounts); err != nil {
			return err
		}

		return writeTipMeta(meta, commit.NewTip, commit.NewHeight, commit.NewWork)
	})
}
