package proxy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// emptyPayloadHash is the SHA-256 of a zero-length body.
const emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// Signer computes AWS SigV4 signatures for forward requests matching the
// signing policy. The request leaves the proxy carrying Authorization,
// x-amz-date, and, when a session token is present, x-amz-security-token.
type Signer struct {
	signer  *v4.Signer
	service string
	region  string // fallback when not derivable from the host
}

// NewSigner creates a signer for the given service with a fallback region.
func NewSigner(service, region string) *Signer {
	return &Signer{
		signer:  v4.NewSigner(),
		service: service,
		region:  region,
	}
}

// Sign buffers the request body, computes its payload hash, and signs the
// request in place. The region is derived from the destination host when it
// follows the <service>.<region>.amazonaws.com convention.
func (s *Signer) Sign(ctx context.Context, req *http.Request, creds *Credentials) error {
	payloadHash := emptyPayloadHash
	if req.Body != nil && req.Body != http.NoBody {
		body, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return fmt.Errorf("buffer request body for signing: %w", err)
		}
		sum := sha256.Sum256(body)
		payloadHash = hex.EncodeToString(sum[:])
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
	}

	region := creds.Region
	if region == "" {
		region = regionFromHost(req.URL.Hostname())
	}
	if region == "" {
		region = s.region
	}

	awsCreds := aws.Credentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
	}
	if err := s.signer.SignHTTP(ctx, awsCreds, req, payloadHash, s.service, region, time.Now().UTC()); err != nil {
		return fmt.Errorf("sigv4 sign: %w", err)
	}
	return nil
}

// regionFromHost extracts the region from hosts shaped like
// bedrock-runtime.us-east-1.amazonaws.com. Returns "" when the shape does not
// match.
func regionFromHost(host string) string {
	host = strings.ToLower(host)
	if !strings.HasSuffix(host, ".amazonaws.com") {
		return ""
	}
	parts := strings.Split(host, ".")
	// <service>.<region>.amazonaws.com
	if len(parts) >= 4 {
		return parts[len(parts)-3]
	}
	return ""
}
