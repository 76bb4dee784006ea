package sigv4

import (
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/keelstore/keel/pkg/apperr"
)

var fixedNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func testKeyring(secret string) Keyring {
	return KeyringFunc(func(ctx context.Context, accessKeyID string) (string, error) {
		if accessKeyID != "AKIATEST" {
			return "", apperr.AccessDenied("unknown access key")
		}
		return secret, nil
	})
}

func testVerifier(secret string) *Verifier {
	v := New(testKeyring(secret))
	v.Now = func() time.Time { return fixedNow }
	return v
}

// signRequest signs r the way an S3 client would, using the header payload
// hash already set on the request.
func signRequest(r *http.Request, secret string, at time.Time) {
	amzDate := at.UTC().Format(amzDateFormat)
	date := at.UTC().Format(scopeDate)
	r.Header.Set("x-amz-date", amzDate)

	signedHeaders := []string{"host", "x-amz-content-sha256", "x-amz-date"}
	payloadHash := r.Header.Get("x-amz-content-sha256")

	canonical := canonicalRequest(r, signedHeaders, payloadHash)
	scope := date + "/us-east-1/s3/aws4_request"
	stringToSign := strings.Join([]string{
		algorithm,
		amzDate,
		scope,
		hashHex([]byte(canonical)),
	}, "\n")

	key := signingKey(secret, date, "us-east-1", "s3")
	signature := hex.EncodeToString(hmacSHA256(key, []byte(stringToSign)))

	r.Header.Set("Authorization", algorithm+" Credential=AKIATEST/"+scope+
		", SignedHeaders="+strings.Join(signedHeaders, ";")+
		", Signature="+signature)
}

func newSignedRequest(t *testing.T, method, target, body string) *http.Request {
	t.Helper()
	r, err := http.NewRequest(method, target, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	r.Host = "s3.keel.test"
	r.Header.Set("x-amz-content-sha256", hashHex([]byte(body)))
	signRequest(r, "secret-key", fixedNow)
	return r
}

func TestVerify_Accepts(t *testing.T) {
	v := testVerifier("secret-key")
	r := newSignedRequest(t, http.MethodPut, "https://s3.keel.test/bucket/key.txt?partNumber=2&uploadId=abc", "hello")

	res, err := v.Verify(context.Background(), r)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.AccessKeyID != "AKIATEST" {
		t.Errorf("AccessKeyID = %q", res.AccessKeyID)
	}
	if res.Streaming {
		t.Error("header payload flagged as streaming")
	}
}

func TestVerify_BodyReadableAfterVerify(t *testing.T) {
	v := testVerifier("secret-key")
	r := newSignedRequest(t, http.MethodPut, "https://s3.keel.test/bucket/key.txt", "hello world")

	if _, err := v.Verify(context.Background(), r); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("body = %q, want %q", data, "hello world")
	}
}

func TestVerify_MutatedBodyFailsOnRead(t *testing.T) {
	v := testVerifier("secret-key")

	// Declared hash and signature cover "hello world"; the body sent on the
	// wire is something else entirely.
	r, err := http.NewRequest(http.MethodPut, "https://s3.keel.test/bucket/key.txt", strings.NewReader("HELLO WORLD!!!"))
	if err != nil {
		t.Fatal(err)
	}
	r.Host = "s3.keel.test"
	r.Header.Set("x-amz-content-sha256", hashHex([]byte("hello world")))
	signRequest(r, "secret-key", fixedNow)

	if _, err := v.Verify(context.Background(), r); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	_, err = io.ReadAll(r.Body)
	if err == nil {
		t.Fatal("body that does not match its signed hash was accepted")
	}
	if appErr := apperr.As(err); appErr.Code != "SignatureDoesNotMatch" {
		t.Errorf("got error %v, want SignatureDoesNotMatch", err)
	}
}

func TestVerify_UnsignedPayloadBodyNotChecked(t *testing.T) {
	v := testVerifier("secret-key")

	r, err := http.NewRequest(http.MethodPut, "https://s3.keel.test/bucket/key.txt", strings.NewReader("anything"))
	if err != nil {
		t.Fatal(err)
	}
	r.Host = "s3.keel.test"
	r.Header.Set("x-amz-content-sha256", UnsignedPayload)
	signRequest(r, "secret-key", fixedNow)

	if _, err := v.Verify(context.Background(), r); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if _, err := io.ReadAll(r.Body); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
}

func TestVerify_MutatedSignatureFails(t *testing.T) {
	v := testVerifier("secret-key")
	r := newSignedRequest(t, http.MethodGet, "https://s3.keel.test/bucket/key.txt", "")

	auth := r.Header.Get("Authorization")
	last := auth[len(auth)-1]
	flipped := byte('0')
	if last == '0' {
		flipped = '1'
	}
	r.Header.Set("Authorization", auth[:len(auth)-1]+string(flipped))

	if _, err := v.Verify(context.Background(), r); err == nil {
		t.Fatal("mutated signature accepted")
	}
}

func TestVerify_TamperedRequestFails(t *testing.T) {
	v := testVerifier("secret-key")

	tamper := []struct {
		name  string
		apply func(r *http.Request)
	}{
		{"path", func(r *http.Request) { r.URL.Path = "/bucket/other.txt" }},
		{"query", func(r *http.Request) { r.URL.RawQuery = "partNumber=3" }},
		{"payload hash", func(r *http.Request) { r.Header.Set("x-amz-content-sha256", hashHex([]byte("evil"))) }},
		{"host", func(r *http.Request) { r.Host = "evil.test" }},
	}
	for _, tc := range tamper {
		t.Run(tc.name, func(t *testing.T) {
			r := newSignedRequest(t, http.MethodPut, "https://s3.keel.test/bucket/key.txt?partNumber=2", "data")
			tc.apply(r)
			if _, err := v.Verify(context.Background(), r); err == nil {
				t.Error("tampered request accepted")
			}
		})
	}
}

func TestVerify_WrongSecretFails(t *testing.T) {
	v := testVerifier("different-secret")
	r := newSignedRequest(t, http.MethodGet, "https://s3.keel.test/bucket", "")

	if _, err := v.Verify(context.Background(), r); err == nil {
		t.Fatal("signature from another secret accepted")
	}
}

func TestVerify_ClockSkewRejected(t *testing.T) {
	v := testVerifier("secret-key")

	r, _ := http.NewRequest(http.MethodGet, "https://s3.keel.test/bucket", nil)
	r.Host = "s3.keel.test"
	r.Header.Set("x-amz-content-sha256", hashHex(nil))
	signRequest(r, "secret-key", fixedNow.Add(-time.Hour))

	_, err := v.Verify(context.Background(), r)
	if err == nil {
		t.Fatal("hour-old request accepted")
	}
	if appErr := apperr.As(err); appErr.Code != "ExpiredSignature" {
		t.Errorf("got error %v, want ExpiredSignature", err)
	}
}

func TestVerify_UnknownAccessKey(t *testing.T) {
	v := testVerifier("secret-key")
	r := newSignedRequest(t, http.MethodGet, "https://s3.keel.test/bucket", "")
	auth := strings.Replace(r.Header.Get("Authorization"), "AKIATEST", "AKIAOTHER", 1)
	r.Header.Set("Authorization", auth)

	if _, err := v.Verify(context.Background(), r); err == nil {
		t.Fatal("unknown access key accepted")
	}
}

func TestParseAuthorization(t *testing.T) {
	auth, err := ParseAuthorization(algorithm + " Credential=AKIATEST/20260314/us-east-1/s3/aws4_request, SignedHeaders=host;x-amz-date, Signature=abc123")
	if err != nil {
		t.Fatalf("ParseAuthorization: %v", err)
	}
	if auth.AccessKeyID != "AKIATEST" || auth.Region != "us-east-1" || auth.Service != "s3" {
		t.Errorf("parsed %+v", auth)
	}
	if len(auth.SignedHeaders) != 2 || auth.Signature != "abc123" {
		t.Errorf("parsed %+v", auth)
	}
}

func TestParseAuthorization_Invalid(t *testing.T) {
	inputs := []string{
		"",
		"Bearer token",
		algorithm + " Credential=AKIATEST/20260314/us-east-1/lambda/aws4_request, SignedHeaders=host, Signature=abc",
		algorithm + " SignedHeaders=host, Signature=abc",
		algorithm + " Credential=AKIATEST/20260314/us-east-1/s3/aws4_request, SignedHeaders=host",
	}
	for _, in := range inputs {
		if _, err := ParseAuthorization(in); err == nil {
			t.Errorf("ParseAuthorization(%q) succeeded", in)
		}
	}
}

// signChunk produces one aws-chunked frame and returns the new previous
// signature.
func signChunk(key []byte, timestamp, scope, prevSig string, payload []byte) (frame string, sig string) {
	stringToSign := strings.Join([]string{
		algorithm + "-PAYLOAD",
		timestamp,
		scope,
		prevSig,
		emptyPayloadHash,
		hashHex(payload),
	}, "\n")
	sig = hex.EncodeToString(hmacSHA256(key, []byte(stringToSign)))
	frame = strconv.FormatInt(int64(len(payload)), 16) + ";chunk-signature=" + sig + "\r\n" + string(payload) + "\r\n"
	return frame, sig
}

func TestChunkedReader(t *testing.T) {
	key := signingKey("secret-key", "20260314", "us-east-1", "s3")
	timestamp := fixedNow.Format(amzDateFormat)
	scope := "20260314/us-east-1/s3/aws4_request"
	seed := "seedsignature"

	var stream strings.Builder
	frame, sig := signChunk(key, timestamp, scope, seed, []byte("hello "))
	stream.WriteString(frame)
	frame, sig = signChunk(key, timestamp, scope, sig, []byte("world"))
	stream.WriteString(frame)
	frame, _ = signChunk(key, timestamp, scope, sig, nil)
	stream.WriteString(frame)

	r := NewChunkedReader(strings.NewReader(stream.String()), key, seed, fixedNow, scope)
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("payload = %q, want %q", data, "hello world")
	}
}

func TestChunkedReader_BadChunkSignature(t *testing.T) {
	key := signingKey("secret-key", "20260314", "us-east-1", "s3")
	timestamp := fixedNow.Format(amzDateFormat)
	scope := "20260314/us-east-1/s3/aws4_request"

	frame, _ := signChunk(key, timestamp, scope, "seed", []byte("data"))
	// Flip a payload byte after signing.
	broken := strings.Replace(frame, "data", "dave", 1)

	r := NewChunkedReader(strings.NewReader(broken), key, "seed", fixedNow, scope)
	if _, err := io.ReadAll(r); err == nil {
		t.Fatal("tampered chunk accepted")
	}
}

func TestChunkedReader_TruncatedStream(t *testing.T) {
	key := signingKey("secret-key", "20260314", "us-east-1", "s3")
	frame, _ := signChunk(key, fixedNow.Format(amzDateFormat), "scope", "seed", []byte("data"))

	r := NewChunkedReader(strings.NewReader(frame[:len(frame)-8]), key, "seed", fixedNow, "scope")
	if _, err := io.ReadAll(r); err == nil {
		t.Fatal("truncated stream accepted")
	}
}
