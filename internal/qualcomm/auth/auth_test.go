package auth

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"strings"
	"testing"
)

// fakeSender scripts a sequence of responses and records every XML
// payload it was asked to send.
type fakeSender struct {
	responses []Response
	sent      []string
}

func (f *fakeSender) SendRawXML(ctx context.Context, xml string) (Response, error) {
	f.sent = append(f.sent, xml)
	if len(f.responses) == 0 {
		return Response{Success: true}, nil
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r, nil
}

func TestOnePlusAuthEncryptsNonceAndSendsToken(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	nonce := make([]byte, 16)
	for i := range nonce {
		nonce[i] = byte(0xA0 + i)
	}
	nonceHex := hex.EncodeToString(nonce)

	sender := &fakeSender{responses: []Response{
		{Success: true, RawXML: `<data><response value="` + nonceHex + `" /></data>`},
		{Success: true},
	}}

	s := Strategy{Kind: KindOnePlus, OnePlusKey: key}
	if err := Authenticate(context.Background(), s, sender); err != nil {
		t.Fatalf("Authenticate error: %v", err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 XML sends, got %d", len(sender.sent))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	want := make([]byte, len(nonce))
	cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(want, nonce)
	wantHex := hex.EncodeToString(want)

	if !strings.Contains(sender.sent[1], wantHex) {
		t.Fatalf("configure request %q does not contain expected encrypted token %q", sender.sent[1], wantHex)
	}
}

func TestOnePlusAuthNoOpWhenGetPropertyFails(t *testing.T) {
	sender := &fakeSender{responses: []Response{{Success: false}}}
	s := Strategy{Kind: KindOnePlus, OnePlusKey: make([]byte, 32)}
	if err := Authenticate(context.Background(), s, sender); err != nil {
		t.Fatalf("expected no error when device does not challenge, got %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly 1 probe send, got %d", len(sender.sent))
	}
}

func TestXiaomiAuthSendsProgrammerSigThenDeviceSig(t *testing.T) {
	sender := &fakeSender{responses: []Response{
		{Success: true},
		{Success: true},
	}}
	s := Strategy{
		Kind:                KindXiaomi,
		XiaomiProgrammerSig: []byte{0x01, 0x02},
		XiaomiSignature:     []byte{0x03, 0x04, 0x05},
	}
	if err := Authenticate(context.Background(), s, sender); err != nil {
		t.Fatalf("Authenticate error: %v", err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 sends (programmer sig + device sig), got %d", len(sender.sent))
	}
	if !strings.Contains(sender.sent[0], `size_in_bytes="2"`) {
		t.Fatalf("programmer sig send missing expected size attribute: %q", sender.sent[0])
	}
	if !strings.Contains(sender.sent[1], `size_in_bytes="3"`) || !strings.Contains(sender.sent[1], "030405") {
		t.Fatalf("device sig send malformed: %q", sender.sent[1])
	}
}

func TestXiaomiAuthFailsWithoutSignature(t *testing.T) {
	sender := &fakeSender{}
	s := Strategy{Kind: KindXiaomi}
	if err := Authenticate(context.Background(), s, sender); err == nil {
		t.Fatalf("expected error when no signature is loaded")
	}
}

func TestXiaomiAuthRejectedSignatureErrors(t *testing.T) {
	sender := &fakeSender{responses: []Response{{Success: false}}}
	s := Strategy{Kind: KindXiaomi, XiaomiSignature: []byte{0xAA}}
	if err := Authenticate(context.Background(), s, sender); err == nil {
		t.Fatalf("expected error when device rejects the signature")
	}
}

func TestVipAuthSendsDigestThenSignature(t *testing.T) {
	sender := &fakeSender{responses: []Response{
		{Success: false}, // digest NACK tolerated
		{Success: true},
	}}
	s := Strategy{Kind: KindVip, VipDigest: []byte{0x10}, VipSignature: []byte{0x20, 0x21}}
	if err := Authenticate(context.Background(), s, sender); err != nil {
		t.Fatalf("Authenticate error: %v", err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected digest send and signature send, got %d", len(sender.sent))
	}
}

func TestVipAuthMissingCredentialsErrors(t *testing.T) {
	sender := &fakeSender{}
	s := Strategy{Kind: KindVip, VipDigest: []byte{0x10}}
	if err := Authenticate(context.Background(), s, sender); err == nil {
		t.Fatalf("expected error with missing signature")
	}
}

func TestCloudAuthReplaysSignature(t *testing.T) {
	sender := &fakeSender{responses: []Response{{Success: true}}}
	s := Strategy{Kind: KindCloud, CloudSignature: []byte{0xFF, 0xEE}}
	if err := Authenticate(context.Background(), s, sender); err != nil {
		t.Fatalf("Authenticate error: %v", err)
	}
	if !strings.Contains(sender.sent[0], "ffee") {
		t.Fatalf("cloud signature send missing expected hex payload: %q", sender.sent[0])
	}
}

func TestNoneStrategyIsNoOp(t *testing.T) {
	sender := &fakeSender{}
	if err := Authenticate(context.Background(), Strategy{Kind: KindNone}, sender); err != nil {
		t.Fatalf("expected no error for KindNone, got %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no sends for KindNone, got %d", len(sender.sent))
	}
}

func TestDeriveOnePlusKeyIsDeterministic(t *testing.T) {
	serial := []byte{0x01, 0x02, 0x03, 0x04}
	pkHash := make([]byte, 32)
	for i := range pkHash {
		pkHash[i] = byte(i)
	}
	k1 := DeriveOnePlusKey(serial, pkHash)
	k2 := DeriveOnePlusKey(serial, pkHash)
	if len(k1) != 32 {
		t.Fatalf("derived key length = %d, want 32", len(k1))
	}
	if hex.EncodeToString(k1) != hex.EncodeToString(k2) {
		t.Fatalf("derivation is not deterministic")
	}
}
