// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2id key-derivation parameters, matching the encrypted secrets file
// used elsewhere in this codebase: time=3, memory=64MB, parallelism=4.
const (
	settingsArgon2Time        = 3
	settingsArgon2Memory      = 64 * 1024
	settingsArgon2Parallelism = 4
	settingsArgon2KeyLength   = 32
	settingsGCMNonceSize      = 12
)

// sensitiveSettingKeys names settings whose values are encrypted at rest
// rather than stored as plaintext JSON. Anything else passes through.
var sensitiveSettingKeys = map[string]struct{}{
	"executor_a_api_key": {},
	"executor_b_api_key": {},
	"webhook_secret":     {},
}

// SettingsEncryptor derives a per-value AES-256-GCM key from a master key
// and an Argon2id salt, the same construction as the encrypted secrets
// file backend.
type SettingsEncryptor struct {
	masterKey []byte
}

// NewSettingsEncryptor builds an encryptor from a master key. The caller is
// responsible for resolving the key (env var, keychain, or prompt).
func NewSettingsEncryptor(masterKey []byte) *SettingsEncryptor {
	return &SettingsEncryptor{masterKey: masterKey}
}

func (e *SettingsEncryptor) encrypt(plaintext string) (value, nonce string, err error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey(e.masterKey, salt, settingsArgon2Time, settingsArgon2Memory, settingsArgon2Parallelism, settingsArgon2KeyLength)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", fmt.Errorf("new gcm: %w", err)
	}
	nonceBytes := make([]byte, settingsGCMNonceSize)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", "", fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonceBytes, []byte(plaintext), nil)

	// salt is prefixed to the stored value so decrypt can recover it.
	combined := append(salt, ciphertext...)
	return base64.StdEncoding.EncodeToString(combined), base64.StdEncoding.EncodeToString(nonceBytes), nil
}

func (e *SettingsEncryptor) decrypt(value, nonce string) (string, error) {
	combined, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", fmt.Errorf("decode stored value: %w", err)
	}
	if len(combined) < 16 {
		return "", fmt.Errorf("stored value too short")
	}
	salt, ciphertext := combined[:16], combined[16:]
	nonceBytes, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}

	key := argon2.IDKey(e.masterKey, salt, settingsArgon2Time, settingsArgon2Memory, settingsArgon2Parallelism, settingsArgon2KeyLength)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonceBytes, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: authentication failed: %w", err)
	}
	return string(plaintext), nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// GetSetting returns the plaintext value for key, decrypting transparently
// if it was stored encrypted.
func (s *Store) GetSetting(ctx context.Context, enc *SettingsEncryptor, key string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value, encrypted, COALESCE(nonce, '') FROM settings WHERE key = ?`, key)
	var value, nonce string
	var encrypted int
	if err := row.Scan(&value, &encrypted, &nonce); err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	if encrypted == 0 {
		return value, nil
	}
	if enc == nil {
		return "", fmt.Errorf("get setting %s: encrypted value requires a settings encryptor", key)
	}
	return enc.decrypt(value, nonce)
}

// PutSetting stores a setting, encrypting it first if key is in
// sensitiveSettingKeys.
func (s *Store) PutSetting(ctx context.Context, enc *SettingsEncryptor, key, plaintext string) error {
	_, sensitive := sensitiveSettingKeys[key]
	if !sensitive {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO settings (key, value, encrypted, nonce) VALUES (?, ?, 0, NULL)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, encrypted = 0, nonce = NULL`,
			key, plaintext)
		if err != nil {
			return fmt.Errorf("put setting %s: %w", key, err)
		}
		return nil
	}

	if enc == nil {
		return fmt.Errorf("put setting %s: sensitive value requires a settings encryptor", key)
	}
	value, nonce, err := enc.encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, encrypted, nonce) VALUES (?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, encrypted = 1, nonce = excluded.nonce`,
		key, value, nonce)
	if err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}

// IsSensitiveSetting reports whether key is stored encrypted, for callers
// (the HTTP front door) that mask its decrypted value on read.
func IsSensitiveSetting(key string) bool {
	_, ok := sensitiveSettingKeys[key]
	return ok
}

// DeleteSetting removes a setting row if present.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete setting %s: %w", key, err)
	}
	return nil
}

// ListSettings returns every stored key with its decrypted plaintext value,
// for the front door to mask (last 4 characters) before returning them.
// enc may be nil only if no sensitive keys are present.
func (s *Store) ListSettings(ctx context.Context, enc *SettingsEncryptor) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value, encrypted, COALESCE(nonce, '') FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	type raw struct {
		value, nonce string
		encrypted    bool
	}
	var rawRows []struct {
		key string
		raw
	}
	for rows.Next() {
		var key, value, nonce string
		var encrypted int
		if err := rows.Scan(&key, &value, &encrypted, &nonce); err != nil {
			return nil, fmt.Errorf("scan setting row: %w", err)
		}
		rawRows = append(rawRows, struct {
			key string
			raw
		}{key, raw{value, nonce, encrypted != 0}})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(rawRows))
	for _, r := range rawRows {
		if !r.encrypted {
			out[r.key] = r.value
			continue
		}
		if enc == nil {
			return nil, fmt.Errorf("list settings: %s is encrypted but no encryptor was provided", r.key)
		}
		plaintext, err := enc.decrypt(r.value, r.nonce)
		if err != nil {
			return nil, fmt.Errorf("decrypt setting %s: %w", r.key, err)
		}
		out[r.key] = plaintext
	}
	return out, nil
}
