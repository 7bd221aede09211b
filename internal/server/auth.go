package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// HeaderSignature carries the hex-encoded 65-byte secp256k1 signature over
// SigningDigest of the request. The recovered address is the acting identity
// of deposits and withdrawals.
const HeaderSignature = "X-Signature"

const maxBody = 1 << 20

var errUnsigned = errors.New("missing " + HeaderSignature + " header")

// SigningDigest is the personal-message hash (EIP-191) a client signs: method,
// path, the Idempotency-Key header and the raw body, newline separated.
func SigningDigest(method, path, keyHeader string, body []byte) []byte {
	msg := make([]byte, 0, len(method)+len(path)+len(keyHeader)+len(body)+3)
	msg = append(msg, method...)
	msg = append(msg, '\n')
	msg = append(msg, path...)
	msg = append(msg, '\n')
	msg = append(msg, keyHeader...)
	msg = append(msg, '\n')
	msg = append(msg, body...)

	prefix := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// recoverSigner returns the address whose key signed r with body.
func recoverSigner(r *http.Request, body []byte) (common.Address, error) {
	raw := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if raw == "" {
		return common.Address{}, errUnsigned
	}
	sig := common.FromHex(raw)
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	digest := SigningDigest(r.Method, r.URL.Path, r.Header.Get("Idempotency-Key"), body)
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// decodeSigned authenticates the request and decodes its body into v. It writes
// 401 for a bad signature and 400 for a bad body.
func decodeSigned(w http.ResponseWriter, r *http.Request, v interface{}) (common.Address, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return common.Address{}, false
	}
	signer, err := recoverSigner(r, body)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return common.Address{}, false
	}
	if err := decodeJSON(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return common.Address{}, false
	}
	return signer, true
}

// actingAs resolves an identity field that defaults to the signer and may not
// name anyone else.
func actingAs(field, value string, signer common.Address) (common.Address, error) {
	if value == "" {
		return signer, nil
	}
	addr, err := parseAddress(field, value)
	if err != nil {
		return common.Address{}, err
	}
	if addr != signer {
		return common.Address{}, errImpersonation{field: field, signer: signer}
	}
	return addr, nil
}

type errImpersonation struct {
	field  string
	signer common.Address
}

func (e errImpersonation) Error() string {
	return fmt.Sprintf("%s must be the signer %s", e.field, e.signer.Hex())
}
