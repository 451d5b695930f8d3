package cloud

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"flashengine/internal/qualcomm/auth"
)

func TestSignChallengeDecodesSignedChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sign/challenge" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Fatalf("missing bearer auth header: %q", r.Header.Get("Authorization"))
		}
		var req wireRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.HWCode != 0x0279 {
			t.Fatalf("hw_code = %d", req.HWCode)
		}
		resp := wireResponse{SignedChallenge: base64.StdEncoding.EncodeToString([]byte{0xAA, 0xBB})}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewSigningClient(srv.URL, "test-key")
	resp, err := c.SignChallenge(context.Background(), SigningRequest{Challenge: []byte("chal"), HWCode: 0x0279})
	if err != nil {
		t.Fatalf("SignChallenge error: %v", err)
	}
	if len(resp.SignedChallenge) != 2 || resp.SignedChallenge[0] != 0xAA {
		t.Fatalf("SignedChallenge = %x", resp.SignedChallenge)
	}
}

func TestSignChallengeReturnsErrorField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wireResponse{Error: "unknown device"})
	}))
	defer srv.Close()

	c := NewSigningClient(srv.URL, "test-key")
	if _, err := c.SignChallenge(context.Background(), SigningRequest{}); err == nil {
		t.Fatalf("expected error for error-bearing response")
	}
}

func TestQualcommCloudStrategyProducesCloudKindStrategy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := wireResponse{SignedChallenge: base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03})}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewSigningClient(srv.URL, "test-key")
	strategy, err := c.QualcommCloudStrategy(context.Background(), []byte("hash"), []byte("challenge"), 0x0279)
	if err != nil {
		t.Fatalf("QualcommCloudStrategy error: %v", err)
	}
	if strategy.Kind != auth.KindCloud {
		t.Fatalf("Kind = %v, want KindCloud", strategy.Kind)
	}
	if len(strategy.CloudSignature) != 3 {
		t.Fatalf("CloudSignature = %x", strategy.CloudSignature)
	}
}

func TestResolveLoaderParsesMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("vendor") != "mediatek" {
			t.Fatalf("vendor query missing")
		}
		json.NewEncoder(w).Encode(wireLoaderMatch{Name: "MT6789_DA", DownloadURL: "https://example.com/da.bin", SHA256: "abc", LoadAddr: 0x40000000})
	}))
	defer srv.Close()

	c := NewSigningClient(srv.URL, "test-key")
	match, err := c.ResolveLoader(context.Background(), "mediatek", 0x6789, 0)
	if err != nil {
		t.Fatalf("ResolveLoader error: %v", err)
	}
	if match.Name != "MT6789_DA" || match.LoadAddr != 0x40000000 {
		t.Fatalf("unexpected match: %+v", match)
	}
}
