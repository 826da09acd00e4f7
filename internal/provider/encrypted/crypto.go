package encrypted

import (
	"golang.org/x/crypto/argon2"

	"github.com/objectfs/objectfs/internal/metadb"
)

// DeriveKey turns a configured data/name token plus its stored KDF
// configuration into the raw key XChaCha20-Poly1305 needs (spec §6:
// "a key derived from the configured data token via the stored KDF").
func DeriveKey(token string, cfg metadb.KDFConfig) []byte {
	return argon2.IDKey([]byte(token), cfg.Salt, cfg.TimeCost, cfg.MemoryKiB, cfg.Threads, cfg.KeyLenByte)
}

// DefaultKDFConfig returns the argon2id parameters used when a new
// FileRecord is first created, absent an operator override.
func DefaultKDFConfig(salt []byte) metadb.KDFConfig {
	return metadb.KDFConfig{
		Name:       "argon2id",
		Salt:       salt,
		TimeCost:   3,
		MemoryKiB:  65536,
		Threads:    4,
		KeyLenByte: 32,
	}
}
