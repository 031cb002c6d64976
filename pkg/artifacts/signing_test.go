package artifacts

import (
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"
)

var signSecret = []byte("signing-secret")

func TestSignVerifyRoundTrip(t *testing.T) {
	key := "artifacts/abcd1234/e.svg"
	exp := time.Now().Add(DefaultTTL).Unix()

	sig := Sign(signSecret, key, exp)
	if !Verify(signSecret, key, exp, sig) {
		t.Fatal("valid signature rejected")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	key := "artifacts/abcd1234/e.svg"
	exp := time.Now().Add(DefaultTTL).Unix()
	sig := Sign(signSecret, key, exp)

	// Flip one character of the signature.
	flipped := []byte(sig)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}
	if Verify(signSecret, key, exp, string(flipped)) {
		t.Error("tampered signature accepted")
	}

	if Verify(signSecret, key+"x", exp, sig) {
		t.Error("signature accepted for different key")
	}
	if Verify(signSecret, key, exp+1, sig) {
		t.Error("signature accepted for different expiry")
	}
	if Verify([]byte("other-secret"), key, exp, sig) {
		t.Error("signature accepted under different secret")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	key := "artifacts/abcd1234/e.svg"
	exp := time.Now().Add(-time.Second).Unix()
	sig := Sign(signSecret, key, exp)

	if Verify(signSecret, key, exp, sig) {
		t.Fatal("expired signature accepted")
	}
}

func TestSignedURLShape(t *testing.T) {
	key := "artifacts/abcd1234/e.svg"
	exp := time.Now().Add(DefaultTTL).Unix()

	raw := SignedURL("https://agent.example.com/", signSecret, key, exp)
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if u.Path != "/agent/artifacts/"+key {
		t.Errorf("path = %q", u.Path)
	}

	q := u.Query()
	gotExp, err := strconv.ParseInt(q.Get("exp"), 10, 64)
	if err != nil || gotExp != exp {
		t.Errorf("exp = %q", q.Get("exp"))
	}
	if !Verify(signSecret, key, gotExp, q.Get("sig")) {
		t.Error("URL signature does not verify")
	}
	if strings.Contains(raw, "//agent/artifacts") {
		t.Error("origin trailing slash not trimmed")
	}
}
