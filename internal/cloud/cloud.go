// Package cloud implements the HTTP/JSON client side of the two cloud
// services a flashing session may need mid-operation: a DA/FDL
// signing service for SLA-protected MediaTek chips and Xiaomi-style
// cloud-signed Qualcomm authentication, and a loader-match service
// that maps a detected chip identity to the right loader/DA/FDL
// binary when none is bundled locally. Grounded on
// mediatek/auth/cloud_signing_service.h/.cpp in the original source:
// same request/response JSON shape (da_hash/challenge/hw_code/
// sla_version in, signed_da/signed_challenge/certificate/error out),
// reworked from Qt's QNetworkAccessManager/QEventLoop synchronous-wait
// pattern into a plain net/http.Client call with a context deadline.
package cloud

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"flashengine/internal/ferrors"
	"flashengine/internal/qualcomm/auth"
)

// SigningRequest mirrors CloudSigningRequest: a DA/FDL hash and an SLA
// (or Xiaomi auth) challenge to be signed against a vendor's
// eFuse-burned public key.
type SigningRequest struct {
	DAHash     []byte
	Challenge  []byte
	HWCode     uint16
	SLAVersion uint32
}

// SigningResponse mirrors CloudSigningResponse.
type SigningResponse struct {
	SignedDA        []byte
	SignedChallenge []byte
	Certificate     []byte
}

type wireRequest struct {
	DAHash     string `json:"da_hash"`
	Challenge  string `json:"challenge"`
	HWCode     int    `json:"hw_code"`
	SLAVersion int    `json:"sla_version"`
}

type wireResponse struct {
	Error           string `json:"error"`
	SignedDA        string `json:"signed_da"`
	SignedChallenge string `json:"signed_challenge"`
	Certificate     string `json:"certificate"`
}

// LoaderMatch describes a loader/DA/FDL binary the loader-match
// service resolved for a detected chip identity.
type LoaderMatch struct {
	Name        string
	DownloadURL string
	SHA256      string
	LoadAddr    uint32
}

type wireLoaderMatch struct {
	Name        string `json:"name"`
	DownloadURL string `json:"download_url"`
	SHA256      string `json:"sha256"`
	LoadAddr    uint32 `json:"load_addr"`
}

// SigningClient talks to a vendor's cloud DA-signing and loader-match
// HTTP endpoints.
type SigningClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewSigningClient creates a client against baseURL, authenticating
// with apiKey as a bearer token the same way the original's
// performHttpRequest sets its Authorization header.
func NewSigningClient(baseURL, apiKey string) *SigningClient {
	return &SigningClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *SigningClient) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, ferrors.Auth("cloud.post", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, ferrors.Auth("cloud.post", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ferrors.Auth("cloud.post", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ferrors.Auth("cloud.post", fmt.Errorf("signing service returned HTTP %d: %s", resp.StatusCode, string(data)))
	}
	return data, nil
}

func buildPayload(r SigningRequest) ([]byte, error) {
	return json.Marshal(wireRequest{
		DAHash:     base64.StdEncoding.EncodeToString(r.DAHash),
		Challenge:  base64.StdEncoding.EncodeToString(r.Challenge),
		HWCode:     int(r.HWCode),
		SLAVersion: int(r.SLAVersion),
	})
}

func parseResponse(data []byte) (SigningResponse, error) {
	var w wireResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return SigningResponse{}, ferrors.Auth("cloud.parseResponse", fmt.Errorf("decoding JSON: %w", err))
	}
	if w.Error != "" {
		return SigningResponse{}, ferrors.Auth("cloud.parseResponse", fmt.Errorf("signing service error: %s", w.Error))
	}
	resp := SigningResponse{}
	var err error
	if w.SignedDA != "" {
		if resp.SignedDA, err = base64.StdEncoding.DecodeString(w.SignedDA); err != nil {
			return SigningResponse{}, ferrors.Auth("cloud.parseResponse", fmt.Errorf("decoding signed_da: %w", err))
		}
	}
	if w.SignedChallenge != "" {
		if resp.SignedChallenge, err = base64.StdEncoding.DecodeString(w.SignedChallenge); err != nil {
			return SigningResponse{}, ferrors.Auth("cloud.parseResponse", fmt.Errorf("decoding signed_challenge: %w", err))
		}
	}
	if w.Certificate != "" {
		if resp.Certificate, err = base64.StdEncoding.DecodeString(w.Certificate); err != nil {
			return SigningResponse{}, ferrors.Auth("cloud.parseResponse", fmt.Errorf("decoding certificate: %w", err))
		}
	}
	return resp, nil
}

// SignDA requests a signature over a DA/FDL binary's hash.
func (c *SigningClient) SignDA(ctx context.Context, r SigningRequest) (SigningResponse, error) {
	payload, err := buildPayload(r)
	if err != nil {
		return SigningResponse{}, ferrors.Auth("cloud.SignDA", err)
	}
	data, err := c.post(ctx, "/api/v1/sign/da", payload)
	if err != nil {
		return SigningResponse{}, err
	}
	return parseResponse(data)
}

// SignChallenge requests a signature over an SLA/auth challenge.
func (c *SigningClient) SignChallenge(ctx context.Context, r SigningRequest) (SigningResponse, error) {
	payload, err := buildPayload(r)
	if err != nil {
		return SigningResponse{}, ferrors.Auth("cloud.SignChallenge", err)
	}
	data, err := c.post(ctx, "/api/v1/sign/challenge", payload)
	if err != nil {
		return SigningResponse{}, err
	}
	return parseResponse(data)
}

// QualcommCloudStrategy signs challenge with the cloud service and
// packages the result as a qualcomm/auth.Strategy, the real producer
// auth.Strategy.CloudSignature needs behind auth.KindCloud instead of
// a caller hand-assembling the signature out of band.
func (c *SigningClient) QualcommCloudStrategy(ctx context.Context, daHash, challenge []byte, hwCode uint16) (*auth.Strategy, error) {
	resp, err := c.SignChallenge(ctx, SigningRequest{DAHash: daHash, Challenge: challenge, HWCode: hwCode})
	if err != nil {
		return nil, err
	}
	if len(resp.SignedChallenge) == 0 {
		return nil, ferrors.Auth("cloud.QualcommCloudStrategy", fmt.Errorf("signing service returned no signed_challenge"))
	}
	return &auth.Strategy{Kind: auth.KindCloud, CloudSignature: resp.SignedChallenge}, nil
}

// ResolveLoader queries the loader-match service for the loader/DA/FDL
// binary matching a detected chip, used when no local database has an
// entry for it.
func (c *SigningClient) ResolveLoader(ctx context.Context, vendor string, hwCode uint16, hwSubCode uint16) (LoaderMatch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/v1/loaders/match?vendor=%s&hw_code=%d&hw_sub_code=%d", c.BaseURL, vendor, hwCode, hwSubCode), nil)
	if err != nil {
		return LoaderMatch{}, ferrors.Auth("cloud.ResolveLoader", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return LoaderMatch{}, ferrors.Auth("cloud.ResolveLoader", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return LoaderMatch{}, ferrors.Auth("cloud.ResolveLoader", err)
	}
	if resp.StatusCode != http.StatusOK {
		return LoaderMatch{}, ferrors.Auth("cloud.ResolveLoader", fmt.Errorf("loader-match service returned HTTP %d: %s", resp.StatusCode, string(data)))
	}

	var w wireLoaderMatch
	if err := json.Unmarshal(data, &w); err != nil {
		return LoaderMatch{}, ferrors.Auth("cloud.ResolveLoader", fmt.Errorf("decoding JSON: %w", err))
	}
	return LoaderMatch{Name: w.Name, DownloadURL: w.DownloadURL, SHA256: w.SHA256, LoadAddr: w.LoadAddr}, nil
}
