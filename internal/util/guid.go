package util

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// NewGUID returns a random 128-bit id as 32 lowercase hex characters.
func NewGUID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// NormalizeGUID accepts dashed or undashed, any case, optionally quoted.
func NormalizeGUID(raw string) (string, error) {
	s := strings.ToLower(strings.Trim(strings.TrimSpace(raw), `"'`))
	s = strings.ReplaceAll(s, "-", "")
	if len(s) != 32 {
		return "", fmt.Errorf("%w: %q", ErrInvalidGUID, raw)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidGUID, raw)
	}
	return s, nil
}

// GUIDFromFilename returns the guid when the file stem is one, else "".
func GUIDFromFilename(path string) string {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	guid, err := NormalizeGUID(stem)
	if err != nil {
		return ""
	}
	return guid
}
