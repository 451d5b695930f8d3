// Package auth implements the vendor-locked Firehose authentication
// strategies: OnePlus's AES-encrypted nonce challenge, Xiaomi's
// RSA-signature wrapping (with an optional programmer signature sent
// first), and VIP's digest+signature pair. Each strategy talks to a
// Firehose session purely through the XMLSender interface, mirroring
// IAuthStrategy::authenticateAsync(FirehoseClient*) from the original
// source without depending on the firehose package directly.
package auth

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"

	"flashengine/internal/ferrors"
)

// Response is the subset of a Firehose XML reply an auth strategy
// needs to decide whether a challenge was accepted.
type Response struct {
	Success    bool
	RawValue   string
	LogMessage string
	RawXML     string
}

// XMLSender is satisfied by a Firehose client capable of sending a
// raw "<data>...</data>" command and returning its parsed response.
type XMLSender interface {
	SendRawXML(ctx context.Context, xml string) (Response, error)
}

// Kind selects which vendor authentication flow a Strategy runs.
type Kind int

const (
	KindNone Kind = iota
	KindOnePlus
	KindXiaomi
	KindVip
	KindCloud
)

// Strategy bundles the credentials for whichever Kind is selected.
// Only the fields relevant to Kind need to be populated.
type Strategy struct {
	Kind Kind

	// OnePlus: 32-byte AES-256 engineering key.
	OnePlusKey []byte

	// Xiaomi: RSA-2048 signature (256 bytes), optional programmer
	// signature sent first.
	XiaomiSignature     []byte
	XiaomiProgrammerSig []byte

	// Vip: digest of the programmer binary plus its RSA signature.
	VipDigest    []byte
	VipSignature []byte

	// Cloud: remote loader-signing endpoint, consulted by the
	// caller before a Strategy is built — authenticateCloud only
	// replays whatever signature the endpoint already returned.
	CloudSignature []byte
}

// Name returns a human-readable label for the strategy, mirroring
// IAuthStrategy::name().
func (k Kind) Name() string {
	switch k {
	case KindOnePlus:
		return "OnePlus"
	case KindXiaomi:
		return "Xiaomi"
	case KindVip:
		return "VIP"
	case KindCloud:
		return "Cloud"
	default:
		return "None"
	}
}

// Authenticate runs the strategy's challenge/response flow against
// client. A KindNone strategy is a no-op success.
func Authenticate(ctx context.Context, s Strategy, client XMLSender) error {
	switch s.Kind {
	case KindNone:
		return nil
	case KindOnePlus:
		return authenticateOnePlus(ctx, s, client)
	case KindXiaomi:
		return authenticateXiaomi(ctx, s, client)
	case KindVip:
		return authenticateVip(ctx, s, client)
	case KindCloud:
		return authenticateCloud(ctx, s, client)
	default:
		return ferrors.Auth("auth.Authenticate", fmt.Errorf("unknown auth strategy kind %d", s.Kind))
	}
}

type nonceResponse struct {
	XMLName xml.Name `xml:"data"`
	Value   []struct {
		Value string `xml:"value,attr"`
	} `xml:"response"`
}

// authenticateOnePlus sends a getproperty probe, extracts the device
// nonce, AES-256-CBC encrypts it with a zero IV and no padding (the
// nonce is always block-aligned), and replies with the encrypted hex.
func authenticateOnePlus(ctx context.Context, s Strategy, client XMLSender) error {
	resp, err := client.SendRawXML(ctx, `<?xml version="1.0" ?><data><getproperty Type="OemInfo" /></data>`)
	if err != nil {
		return ferrors.Auth("auth.OnePlus", err)
	}
	if !resp.Success {
		// Some devices never challenge at all.
		return nil
	}

	var parsed nonceResponse
	if err := xml.Unmarshal([]byte(resp.RawXML), &parsed); err != nil {
		return ferrors.Auth("auth.OnePlus", fmt.Errorf("parsing nonce response: %w", err))
	}
	var nonceHex string
	for _, v := range parsed.Value {
		if v.Value != "" {
			nonceHex = v.Value
		}
	}
	if nonceHex == "" {
		return nil
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return ferrors.Auth("auth.OnePlus", fmt.Errorf("decoding nonce: %w", err))
	}

	encrypted, err := aesEncryptCBCNoPadding(nonce, s.OnePlusKey)
	if err != nil {
		return ferrors.Auth("auth.OnePlus", err)
	}

	authXML := fmt.Sprintf(`<?xml version="1.0" ?><data><configure Token="%s" /></data>`, hex.EncodeToString(encrypted))
	authResp, err := client.SendRawXML(ctx, authXML)
	if err != nil {
		return ferrors.Auth("auth.OnePlus", err)
	}
	if !authResp.Success {
		return ferrors.Auth("auth.OnePlus", fmt.Errorf("device rejected encrypted nonce"))
	}
	return nil
}

func aesEncryptCBCNoPadding(plaintext, key []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("engineering key must be 32 bytes, got %d", len(key))
	}
	if len(plaintext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("nonce length %d is not a multiple of the AES block size", len(plaintext))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plaintext)
	return out, nil
}

// deriveOnePlusKey implements the V2 engineering-key derivation:
// salt = SHA256(chipSerial || pkHash), key = HMAC-SHA256(salt, chipSerial) XOR HMAC-SHA256(salt, pkHash).
func deriveOnePlusKey(chipSerial, pkHash []byte) []byte {
	if len(chipSerial) == 0 || len(pkHash) == 0 {
		sum := sha256.Sum256(append(append([]byte{}, chipSerial...), pkHash...))
		return sum[:]
	}
	saltSum := sha256.Sum256(append(append([]byte{}, chipSerial...), pkHash...))
	salt := saltSum[:]

	h1 := hmac.New(sha256.New, salt)
	h1.Write(chipSerial)
	sum1 := h1.Sum(nil)

	h2 := hmac.New(sha256.New, salt)
	h2.Write(pkHash)
	sum2 := h2.Sum(nil)

	key := make([]byte, 32)
	for i := range key {
		key[i] = sum1[i] ^ sum2[i]
	}
	return key
}

// DeriveOnePlusKey exposes deriveOnePlusKey for callers that only
// have chip identity on hand and no explicit engineering key.
func DeriveOnePlusKey(chipSerial, pkHash []byte) []byte {
	return deriveOnePlusKey(chipSerial, pkHash)
}

func sigXML(sig []byte) string {
	return fmt.Sprintf(`<?xml version="1.0" ?><data><sig size_in_bytes="%d">%s</sig></data>`, len(sig), hex.EncodeToString(sig))
}

// authenticateXiaomi sends the optional programmer signature first
// (best-effort, a rejection is only logged by callers), then the
// device auth signature, which must be accepted. Per this engine's
// policy the payload is always wrapped in a <sig> element regardless
// of whether the loaded blob came from a raw file or an XML source.
func authenticateXiaomi(ctx context.Context, s Strategy, client XMLSender) error {
	if len(s.XiaomiSignature) == 0 {
		return ferrors.Auth("auth.Xiaomi", fmt.Errorf("no auth signature loaded"))
	}
	if len(s.XiaomiProgrammerSig) > 0 {
		if _, err := client.SendRawXML(ctx, sigXML(s.XiaomiProgrammerSig)); err != nil {
			return ferrors.Auth("auth.Xiaomi", fmt.Errorf("sending programmer signature: %w", err))
		}
	}
	resp, err := client.SendRawXML(ctx, sigXML(s.XiaomiSignature))
	if err != nil {
		return ferrors.Auth("auth.Xiaomi", err)
	}
	if !resp.Success {
		return ferrors.Auth("auth.Xiaomi", fmt.Errorf("device auth signature rejected"))
	}
	return nil
}

// authenticateVip sends the digest then the signature; only the
// signature response is treated as authoritative, since some loaders
// NACK the digest probe but still accept the signature.
func authenticateVip(ctx context.Context, s Strategy, client XMLSender) error {
	if len(s.VipDigest) == 0 || len(s.VipSignature) == 0 {
		return ferrors.Auth("auth.Vip", fmt.Errorf("digest or signature not loaded"))
	}
	if _, err := client.SendRawXML(ctx, sigXML(s.VipDigest)); err != nil {
		return ferrors.Auth("auth.Vip", fmt.Errorf("sending digest: %w", err))
	}
	resp, err := client.SendRawXML(ctx, sigXML(s.VipSignature))
	if err != nil {
		return ferrors.Auth("auth.Vip", err)
	}
	if !resp.Success {
		return ferrors.Auth("auth.Vip", fmt.Errorf("signature rejected by device"))
	}
	return nil
}

// authenticateCloud replays a signature already obtained from a
// remote loader-signing service (see internal/cloud) through the
// same <sig> element Xiaomi and VIP use.
func authenticateCloud(ctx context.Context, s Strategy, client XMLSender) error {
	if len(s.CloudSignature) == 0 {
		return ferrors.Auth("auth.Cloud", fmt.Errorf("no signature returned by cloud endpoint"))
	}
	resp, err := client.SendRawXML(ctx, sigXML(s.CloudSignature))
	if err != nil {
		return ferrors.Auth("auth.Cloud", err)
	}
	if !resp.Success {
		return ferrors.Auth("auth.Cloud", fmt.Errorf("signature rejected by device"))
	}
	return nil
}
