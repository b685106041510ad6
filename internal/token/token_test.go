package token

import (
	"bytes"
	"errors"
	"testing"
)

func TestGenerateLength(t *testing.T) {
	for _, n := range []int{1, 16, DefaultLength, 64} {
		tok, err := Generate(n)
		if err != nil {
			t.Fatalf("Generate(%d) error: %v", n, err)
		}
		if len(tok) != n {
			t.Fatalf("Generate(%d) returned %d bytes", n, len(tok))
		}
	}
}

func TestGenerateRejectsNonPositive(t *testing.T) {
	for _, n := range []int{0, -1} {
		if _, err := Generate(n); !errors.Is(err, ErrInvalidLength) {
			t.Fatalf("Generate(%d) error = %v, want ErrInvalidLength", n, err)
		}
	}
}

func TestGenerateIsRandom(t *testing.T) {
	a, _ := Generate(DefaultLength)
	b, _ := Generate(DefaultLength)
	if bytes.Equal(a, b) {
		t.Fatal("two generated tokens are identical")
	}
}

func TestVerify(t *testing.T) {
	tok, _ := Generate(DefaultLength)
	clone := append([]byte(nil), tok...)

	if !Verify(tok, tok) {
		t.Fatal("token does not verify against itself")
	}
	if !Verify(tok, clone) {
		t.Fatal("token does not verify against an equal copy")
	}

	flipped := append([]byte(nil), tok...)
	flipped[len(flipped)-1] ^= 0x01
	if Verify(tok, flipped) {
		t.Fatal("tokens differing in one bit verified")
	}
	if Verify(tok, tok[:len(tok)-1]) {
		t.Fatal("tokens of different length verified")
	}
	if Verify(nil, tok) || Verify(tok, nil) || Verify(nil, nil) {
		t.Fatal("nil token verified")
	}
}

func TestWipe(t *testing.T) {
	tok, _ := Generate(8)
	Wipe(tok)
	if !bytes.Equal(tok, make([]byte, 8)) {
		t.Fatalf("token not zeroed: %v", tok)
	}
	Wipe(tok)
	Wipe(nil)
}

func TestSessionIDNonZero(t *testing.T) {
	for i := 0; i < 100; i++ {
		id, err := SessionID()
		if err != nil {
			t.Fatalf("SessionID error: %v", err)
		}
		if id <= 0 {
			t.Fatalf("SessionID returned %d", id)
		}
	}
}
