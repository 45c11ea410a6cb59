// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package enrollment

import (
	"crypto/ed25519"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// fingerprintDomainKey is the BLAKE3 keyed-hash domain for enrollment
// key fingerprints. The bytes are the ASCII encoding of the domain
// name, zero-padded to 32 bytes: readable in a hex dump, opaque to the
// hash. Changing it invalidates every fingerprint operators have
// recorded.
var fingerprintDomainKey = [32]byte{
	'd', 'r', 'o', 'v', 'e', 'r', '.', 'e', 'n', 'r', 'o', 'l', 'l',
	'm', 'e', 'n', 't', '.', 'k', 'e', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Fingerprint returns the hex digest operators compare out of band
// before accepting a pending key.
func Fingerprint(pub ed25519.PublicKey) string {
	hasher, err := blake3.NewKeyed(fingerprintDomainKey[:])
	if err != nil {
		panic("enrollment: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(pub)
	return hex.EncodeToString(hasher.Sum(nil))
}
