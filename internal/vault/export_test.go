// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import "github.com/rchat-net/rchat/internal/crypto"

// SetKDFParamsForTest lowers the Argon2id cost so tests do not spend
// seconds per derivation.
func (v *Vault) SetKDFParamsForTest(params crypto.KDFParams) {
	v.kdf = params
}
