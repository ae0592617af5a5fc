package main

import (
	"bytes"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestSendTransfer(t *testing.T) {
	n := mustCreateTestNet(t)
	d := newTestDaemon(t, n, nil)
	s := newTestAPI(t, d, APIConfig{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	client := newAPIClient(srv.URL, s.Token())

	stx, hash, err := sendTransfer(client, n.alice, n.bob.Address(), 10, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, stx.Hash().String(), hash)
	assert.Equal(t, uint64(0), stx.Tx.Nonce)
	assert.True(t, d.mempool.HasTransaction(stx.Hash()))

	memo := "rent"
	stx, _, err = sendTransfer(client, n.alice, n.bob.Address(), 20, 1, &memo)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stx.Tx.Nonce, "second send should use the pending nonce")
	assert.Equal(t, 2, d.mempool.Size())

	t.Run("insufficient balance", func(t *testing.T) {
		_, _, err := sendTransfer(client, n.alice, n.bob.Address(), 5000, 1, nil)
		assert.ErrorContains(t, err, "insufficient balance")
	})

	t.Run("bad receiver", func(t *testing.T) {
		_, _, err := sendTransfer(client, n.alice, "nope", 1, 1, nil)
		assert.ErrorContains(t, err, "invalid receiver")
	})

	t.Run("without token", func(t *testing.T) {
		_, _, err := sendTransfer(newAPIClient(srv.URL, ""), n.alice, n.bob.Address(), 1, 1, nil)
		assert.ErrorContains(t, err, "unauthorized")
	})
}

func TestAPIClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(nil)
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	_, err := newAPIClient(addr, "").Status()
	assert.ErrorContains(t, err, "unreachable")
}

func TestCLI_InitAndWalletCommands(t *testing.T) {
	t.Setenv(DefaultPasswordEnv, "correct horse")
	dir := t.TempDir()

	out, err := runCLI(t, "init", "--datadir", dir, "--alloc", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "5 NET")
	assert.FileExists(t, filepath.Join(dir, DefaultConfigFilename))
	assert.FileExists(t, filepath.Join(dir, DefaultWalletFilename))

	genesis, err := LoadGenesis(filepath.Join(dir, DefaultGenesisFilename))
	require.NoError(t, err)
	require.Len(t, genesis.Validators, 1)
	require.NoError(t, genesis.Validate())
	assert.Equal(t, 5*Coin, genesis.Alloc[0].Balance)

	out, err = runCLI(t, "wallet", "address", "--datadir", dir)
	require.NoError(t, err)
	addr := strings.TrimSpace(out)
	assert.Equal(t, genesis.Validators[0].Address, addr)

	_, err = runCLI(t, "init", "--datadir", dir)
	assert.ErrorContains(t, err, "genesis already exists")

	_, err = runCLI(t, "wallet", "new", "--datadir", dir)
	assert.ErrorContains(t, err, "already exists")

	out, err = runCLI(t, "wallet", "export", "--datadir", dir)
	require.NoError(t, err)
	exported := strings.TrimSpace(out)

	other := t.TempDir()
	out, err = runCLI(t, "wallet", "import", exported, "--datadir", other)
	require.NoError(t, err)
	assert.Contains(t, out, addr)

	_, err = runCLI(t, "wallet", "import", "garbage", "--datadir", t.TempDir())
	assert.Error(t, err)
}

func TestCLI_WalletWrongPassword(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(DefaultPasswordEnv, "first")
	_, err := runCLI(t, "wallet", "new", "--datadir", dir)
	require.NoError(t, err)

	t.Setenv(DefaultPasswordEnv, "second")
	_, err = runCLI(t, "wallet", "address", "--datadir", dir)
	assert.ErrorContains(t, err, "wrong password")
}

func TestCLI_Score(t *testing.T) {
	out, err := runCLI(t, "score", "--datadir", t.TempDir(),
		"--upload", "100", "--download", "1000", "--latency", "0",
		"--uptime", "100", "--stability", "100")
	require.NoError(t, err)
	assert.Contains(t, out, "Score:     1.0000")

	_, err = runCLI(t, "score", "--datadir", t.TempDir(), "--uptime", "150")
	assert.Error(t, err)
}

func TestCLI_ConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Node.DataDir = dir
	cfg.PoI.Weights.Upload = 0.9
	require.NoError(t, cfg.Save(filepath.Join(dir, DefaultConfigFilename)))

	out, err := runCLI(t, "score", "--datadir", dir, "--upload", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "weight 0.90")

	t.Setenv("NETCHAIN_DATADIR", dir)
	out, err = runCLI(t, "score", "--upload", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "weight 0.90")
}

func TestCLI_Version(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "netchain "+Version+"\n", out)
}

func TestRenderValidators(t *testing.T) {
	n := mustCreateTestNet(t)
	_, pool, err := n.chain.ValidatorPool()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, renderValidators(&buf, &validatorsResponse{
		Epoch:        0,
		Validators:   n.chain.Scorer().Rank(pool),
		NextHeight:   1,
		NextProducer: n.genesis.Validators[0].Address,
	}))
	for addr := range n.validators {
		assert.Contains(t, buf.String(), addr)
	}
	assert.Contains(t, buf.String(), "1st")
	assert.Contains(t, buf.String(), "next block #1 round 0")
}
