package certpilot

import (
	"bytes"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
)

const pemTypeCertificate = "CERTIFICATE"

// SplitChain splits a PEM full chain into the leaf (first block) and the remaining
// certificates in the order they appear. Non-certificate blocks are rejected.
func SplitChain(fullChain []byte) ([]byte, [][]byte, error) {
	var blocks [][]byte
	rest := fullChain
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != pemTypeCertificate {
			return nil, nil, fmt.Errorf("unexpected PEM block %q in certificate chain", block.Type)
		}
		blocks = append(blocks, pem.EncodeToMemory(block))
	}
	if len(blocks) == 0 {
		return nil, nil, ErrEmptyChain
	}
	if len(bytes.TrimSpace(rest)) != 0 {
		return nil, nil, fmt.Errorf("trailing data after last certificate block")
	}
	return blocks[0], blocks[1:], nil
}

// JoinChain concatenates a leaf and chain back into a single PEM document.
// A nil leaf yields only the chain.
func JoinChain(leaf []byte, chain [][]byte) []byte {
	var buf bytes.Buffer
	if len(leaf) > 0 {
		buf.Write(leaf)
	}
	for _, c := range chain {
		buf.Write(c)
	}
	return buf.Bytes()
}

// LeafNotAfter parses the leaf and returns its expiry.
func LeafNotAfter(leaf []byte) (time.Time, error) {
	cert, err := certcrypto.ParsePEMCertificate(leaf)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse leaf certificate: %w", err)
	}
	return cert.NotAfter.UTC(), nil
}
