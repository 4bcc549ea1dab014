package chain

import (
	"context"
	"errors"
	"regexp"
	"testing"
)

func TestDepositAddressDeterministic(t *testing.T) {
	a := DepositAddress("telegram", "123")
	b := DepositAddress("telegram", "123")
	if a != b {
		t.Fatalf("same user must derive the same address: %s vs %s", a, b)
	}
	if !regexp.MustCompile(`^0x[0-9a-f]{40}$`).MatchString(a) {
		t.Fatalf("expected lowercase hex address, got %s", a)
	}
}

func TestDepositAddressDistinctPerUser(t *testing.T) {
	seen := map[string]string{}
	pairs := [][2]string{
		{"telegram", "123"},
		{"telegram", "124"},
		{"discord", "123"},
		{"discord", "124"},
		// Concatenation ambiguity must not collide thanks to the separator.
		{"tg", "1:x"},
		{"tg:1", "x"},
	}
	for _, p := range pairs {
		addr := DepositAddress(p[0], p[1])
		if prev, ok := seen[addr]; ok {
			t.Fatalf("address collision between %v and %s", p, prev)
		}
		seen[addr] = p[0] + "/" + p[1]
	}
}

func TestDisabledVerifierLookup(t *testing.T) {
	_, err := NewDisabledVerifier().Lookup(context.Background(), "0xabc")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestNewEthVerifierValidation(t *testing.T) {
	ctx := context.Background()
	if _, err := NewEthVerifier(ctx, "", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", "USDC", "base"); err == nil {
		t.Fatal("expected error for empty RPC URL")
	}
	if _, err := NewEthVerifier(ctx, "http://localhost:8545", "not-an-address", "USDC", "base"); err == nil {
		t.Fatal("expected error for malformed token contract")
	}
}
