package main

// Devnet defaults.
//
// Keep these centralized so main/daemon/cli/storage stay consistent.
const (
	DefaultDataDir          = "./netchain-data"
	DefaultChainDBFilename  = "netchain.chain.db"
	DefaultWalletFilename   = "netchain.wallet.dat"
	DefaultConfigFilename   = "netchain.toml"
	DefaultGenesisFilename  = "genesis.toml"
	DefaultListenAddr       = "/ip4/0.0.0.0/tcp/30333"
	DefaultAPIAddr          = "127.0.0.1:30334"
	DefaultPasswordEnv      = "NETCHAIN_PASSWORD"
	DefaultSpeedTestSpec    = "0 */2 * * * *"
	DefaultUptimeSampleSpec = "0 * * * * *"
)
