package params

// NetworkID is a public network identifier used as a domain separator in
// signing and checksum constructions (speed proofs, key export checksums).
const NetworkID = "netchain_devnet"

// ChainID identifies the chain in P2P status handshakes. It is a constant
// rather than a genesis hash so peers on a re-initialised devnet with a
// different genesis still fail fast on the version/network check first.
const ChainID uint32 = 0x20261017
