package instruction

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "trustplane/signer"

// instructionClaims carries a signed instruction inside registered JWT
// claims so the envelope can be handed to an out-of-process executor in a
// standard container format. The inner HMAC envelope stays authoritative;
// the JWT layer adds transport framing under the same key.
type instructionClaims struct {
	jwt.RegisteredClaims
	Instruction   map[string]any `json:"instruction"`
	Signature     string         `json:"signature"`
	SignedAt      string         `json:"signed_at"`
	Nonce         string         `json:"nonce"`
	SchemaVersion string         `json:"schema_version"`
}

// ExportJWT encodes signed as an HS256 JWT under the signer's key. The
// nonce doubles as the JWT ID.
func (s *Signer) ExportJWT(signed *SignedInstruction) (string, error) {
	if signed == nil {
		return "", fmt.Errorf("instruction: nil instruction")
	}
	claims := instructionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:     signed.Nonce,
			Issuer: tokenIssuer,
		},
		Instruction:   signed.Instruction,
		Signature:     signed.Signature,
		SignedAt:      signed.Timestamp,
		Nonce:         signed.Nonce,
		SchemaVersion: signed.Version,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	out, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("instruction: token signing failed: %w", err)
	}
	return out, nil
}

// ParseJWT decodes a token produced by ExportJWT and returns the embedded
// signed instruction. The JWT signature proves transport integrity; callers
// still run Verify for replay and envelope checks.
func (s *Signer) ParseJWT(tokenString string) (*SignedInstruction, error) {
	var claims instructionClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("instruction: token parse failed: %w", err)
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return &SignedInstruction{
		Instruction: claims.Instruction,
		Signature:   claims.Signature,
		Timestamp:   claims.SignedAt,
		Nonce:       claims.Nonce,
		Version:     claims.SchemaVersion,
	}, nil
}
