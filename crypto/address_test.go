package crypto

import "testing"

func TestAddressRoundTrip(t *testing.T) {
	raw := make([]byte, 20)
	raw[19] = 0x2a
	addr := NewAddress(UserPrefix, raw)

	decoded, err := DecodeAddress(addr.String())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Equal(addr) || decoded.Prefix() != UserPrefix {
		t.Fatalf("unexpected decoded address %s", decoded)
	}
}

func TestModuleAddressDeterministic(t *testing.T) {
	a := ModuleAddress("lending/market:USDC")
	b := ModuleAddress("lending/market:USDC")
	c := ModuleAddress("lending/market:WETH")
	if !a.Equal(b) {
		t.Fatalf("module address not deterministic")
	}
	if a.Equal(c) {
		t.Fatalf("distinct modules share an address")
	}
	if a.Prefix() != ModulePrefix || a.IsZero() {
		t.Fatalf("unexpected module address %s", a)
	}
}

func TestDecodeAddressRejectsGarbage(t *testing.T) {
	if _, err := DecodeAddress("not-an-address"); err == nil {
		t.Fatalf("expected decode failure")
	}
}
