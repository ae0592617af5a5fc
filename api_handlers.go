package main

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"netchain/consensus"
	"netchain/p2p"
	"netchain/wallet"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// writeJSON encodes v with go-json rather than gin's default encoder so
// API payloads match the wire encoding.
func writeJSON(c *gin.Context, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		internalError(c, "encode response", err)
		return
	}
	c.Data(status, "application/json; charset=utf-8", data)
}

// apiError writes a JSON error response and stops the handler chain.
func apiError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// internalError logs the cause and returns a generic message.
func internalError(c *gin.Context, what string, err error) {
	zap.S().Errorf("[api] %s %s: %s: %v", c.Request.Method, c.Request.URL.Path, what, err)
	apiError(c, http.StatusInternalServerError, "internal error")
}

// ============================================================================
// Public handlers
// ============================================================================

// GET /api/status
func (s *APIServer) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, s.daemon.Stats())
}

type blockResponse struct {
	Hash          string `json:"hash"`
	Height        uint64 `json:"height"`
	Confirmations uint64 `json:"confirmations"`
	Finalized     bool   `json:"finalized"`
	Size          int    `json:"size"`
	Block         *Block `json:"block"`
}

// handleBlock returns a block by height, hex hash, or "latest".
// GET /api/block/:id
func (s *APIServer) handleBlock(c *gin.Context) {
	id := c.Param("id")
	chain := s.daemon.Chain()

	var block *Block
	switch {
	case id == "latest":
		block = chain.Tip()
	case len(id) == 64:
		hash, err := ParseHash(id)
		if err != nil {
			apiError(c, http.StatusBadRequest, "invalid block hash")
			return
		}
		block = chain.GetBlock(hash)
	default:
		height, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			apiError(c, http.StatusBadRequest, "id must be a height, a 64-char hex hash or latest")
			return
		}
		block = chain.GetBlockByHeight(height)
	}
	if block == nil {
		apiError(c, http.StatusNotFound, "block not found")
		return
	}

	// Fork blocks fetched by hash have no confirmations.
	var confirmations uint64
	height := block.Header.Height
	if main := chain.GetBlockByHeight(height); main != nil && main.Hash() == block.Hash() {
		confirmations = chain.Height() - height + 1
	}
	writeJSON(c, http.StatusOK, blockResponse{
		Hash:          block.Hash().String(),
		Height:        height,
		Confirmations: confirmations,
		Finalized:     confirmations > 0 && chain.IsFinalized(height),
		Size:          block.Size(),
		Block:         block,
	})
}

// handleTx returns a transaction by hash (mempool first, then chain).
// GET /api/tx/:hash
func (s *APIServer) handleTx(c *gin.Context) {
	hash, err := ParseHash(c.Param("hash"))
	if err != nil {
		apiError(c, http.StatusBadRequest, "hash must be 64 hex characters")
		return
	}

	if tx, ok := s.daemon.Mempool().GetTransaction(hash); ok {
		writeJSON(c, http.StatusOK, gin.H{
			"tx":            tx,
			"hash":          hash.String(),
			"confirmations": 0,
			"in_mempool":    true,
		})
		return
	}

	tx, blockHeight, found := s.daemon.Chain().FindTx(hash)
	if !found {
		apiError(c, http.StatusNotFound, "transaction not found")
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"tx":            tx,
		"hash":          hash.String(),
		"block_height":  blockHeight,
		"confirmations": s.daemon.Chain().Height() - blockHeight + 1,
		"in_mempool":    false,
	})
}

// handleAccount returns balance and nonces. Unknown but well-formed
// addresses report a zero account.
// GET /api/account/:address
func (s *APIServer) handleAccount(c *gin.Context) {
	addr := c.Param("address")
	if err := wallet.ValidateAddress(addr); err != nil {
		apiError(c, http.StatusBadRequest, err.Error())
		return
	}
	chain := s.daemon.Chain()
	acc, exists := chain.Account(addr)
	writeJSON(c, http.StatusOK, gin.H{
		"address":       addr,
		"exists":        exists,
		"balance":       acc.Balance,
		"nonce":         acc.Nonce,
		"pending_nonce": s.daemon.Mempool().PendingNonce(addr, chain),
		"validator":     chain.IsValidator(addr),
	})
}

type mempoolTx struct {
	Hash    string    `json:"hash"`
	Sender  string    `json:"sender"`
	Nonce   uint64    `json:"nonce"`
	Fee     uint64    `json:"fee"`
	Size    int       `json:"size"`
	AddedAt time.Time `json:"added_at"`
}

const mempoolListLimit = 100

// handleMempool returns mempool stats and the highest-fee entries.
// GET /api/mempool
func (s *APIServer) handleMempool(c *gin.Context) {
	entries := s.daemon.Mempool().GetAllEntries()
	if len(entries) > mempoolListLimit {
		entries = entries[:mempoolListLimit]
	}
	txs := make([]mempoolTx, 0, len(entries))
	for _, e := range entries {
		txs = append(txs, mempoolTx{
			Hash:    e.Hash.String(),
			Sender:  e.Sender,
			Nonce:   e.Nonce,
			Fee:     e.Fee,
			Size:    e.Size,
			AddedAt: e.AddedAt,
		})
	}
	writeJSON(c, http.StatusOK, gin.H{
		"stats":        s.daemon.Mempool().Stats(),
		"transactions": txs,
	})
}

// GET /api/peers
func (s *APIServer) handlePeers(c *gin.Context) {
	node := s.daemon.Node()
	if node == nil {
		writeJSON(c, http.StatusOK, gin.H{"count": 0, "peers": []p2p.PeerInfo{}})
		return
	}
	peers := node.PeersInfo()
	if peers == nil {
		peers = []p2p.PeerInfo{}
	}
	writeJSON(c, http.StatusOK, gin.H{
		"count": len(peers),
		"known": node.KnownPeerCount(),
		"peers": peers,
	})
}

// GET /api/peers/banned
func (s *APIServer) handleBannedPeers(c *gin.Context) {
	var bans []*p2p.BanRecord
	if node := s.daemon.Node(); node != nil {
		bans = node.GetBannedPeers()
	}
	if bans == nil {
		bans = []*p2p.BanRecord{}
	}
	writeJSON(c, http.StatusOK, gin.H{"count": len(bans), "banned": bans})
}

type validatorsResponse struct {
	Epoch        uint64             `json:"epoch"`
	Validators   []consensus.Ranked `json:"validators"`
	NextHeight   uint64             `json:"next_height"`
	NextRound    uint32             `json:"next_round"`
	NextProducer string             `json:"next_producer"`
}

// handleValidators returns the pool for the next block with scores,
// selection probabilities and the producer of the current slot.
// GET /api/validators
func (s *APIServer) handleValidators(c *gin.Context) {
	chain := s.daemon.Chain()
	epoch, pool, err := chain.ValidatorPool()
	if err != nil {
		internalError(c, "validator pool", err)
		return
	}
	tip := chain.Tip()
	round, open := CurrentRound(chain.Params(), tip.Header.Timestamp, time.Now())
	if !open {
		round = 0
	}
	next, err := chain.ExpectedProducer(tip.Hash(), round)
	if err != nil {
		internalError(c, "expected producer", err)
		return
	}
	writeJSON(c, http.StatusOK, validatorsResponse{
		Epoch:        epoch,
		Validators:   chain.Scorer().Rank(pool),
		NextHeight:   tip.Header.Height + 1,
		NextRound:    round,
		NextProducer: next,
	})
}

// handleProofs returns pending speed proofs, newest epoch first.
// GET /api/proofs
func (s *APIServer) handleProofs(c *gin.Context) {
	proofs := s.daemon.Proofs().All()
	sort.Slice(proofs, func(i, j int) bool {
		if proofs[i].Epoch != proofs[j].Epoch {
			return proofs[i].Epoch > proofs[j].Epoch
		}
		return proofs[i].Metrics.NodeID < proofs[j].Metrics.NodeID
	})
	if proofs == nil {
		proofs = []*SpeedProof{}
	}
	writeJSON(c, http.StatusOK, gin.H{
		"next_epoch": s.daemon.Chain().NextEpoch(),
		"count":      len(proofs),
		"proofs":     proofs,
	})
}

// handleSpeedTest returns the last local measurement.
// GET /api/speedtest
func (s *APIServer) handleSpeedTest(c *gin.Context) {
	m, report := s.daemon.LocalMetrics()
	if m == nil {
		apiError(c, http.StatusNotFound, "no measurement yet")
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"metrics": m,
		"score":   s.daemon.Chain().Scorer().Score(*m),
		"report":  report,
	})
}

// ============================================================================
// Authenticated handlers
// ============================================================================

// handleSubmitTx accepts a signed transaction.
// POST /api/tx
func (s *APIServer) handleSubmitTx(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		apiError(c, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	stx, err := DecodeTx(body)
	if err != nil {
		apiError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.daemon.SubmitTransaction(stx); err != nil {
		apiError(c, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"hash": stx.Hash().String()})
}

// handleSubmitProof accepts a signed speed proof for the next epoch.
// POST /api/proof
func (s *APIServer) handleSubmitProof(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		apiError(c, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	p, err := DecodeSpeedProof(body)
	if err != nil {
		apiError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.daemon.SubmitProof(p); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrStaleProof) {
			status = http.StatusConflict
		}
		apiError(c, status, err.Error())
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"hash": p.Hash().String(), "epoch": p.Epoch})
}

// POST /api/producer/start
func (s *APIServer) handleProducerStart(c *gin.Context) {
	if s.daemon.IsProducing() {
		writeJSON(c, http.StatusOK, gin.H{"producing": true})
		return
	}
	if err := s.daemon.StartProducing(); err != nil {
		apiError(c, http.StatusConflict, err.Error())
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"producing": true})
}

// POST /api/producer/stop
func (s *APIServer) handleProducerStop(c *gin.Context) {
	s.daemon.StopProducing()
	writeJSON(c, http.StatusOK, gin.H{"producing": false})
}
