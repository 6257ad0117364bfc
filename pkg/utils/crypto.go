package utils

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// GenerateID generates a random UUID string
func GenerateID() string {
	return uuid.NewString()
}

// IsValidAddress checks if a string is a valid Ethereum address
func IsValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

// NormalizeAddress normalizes an address to lowercase with 0x prefix
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if !strings.HasPrefix(address, "0x") && !strings.HasPrefix(address, "0X") {
		address = "0x" + address
	}
	return strings.ToLower(address)
}

// NormalizeHash lowercases a transaction or block hash.
func NormalizeHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}

// GetEventSignature returns the keccak256 hash of an event signature
func GetEventSignature(signature string) common.Hash {
	return crypto.Keccak256Hash([]byte(signature))
}
