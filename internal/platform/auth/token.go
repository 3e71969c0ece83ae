package auth

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims is the payload of access and ID tokens minted by this server.
type TokenClaims struct {
	jwt.RegisteredClaims
	Scope     string `json:"scope,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Patient   string `json:"patient,omitempty"`
	FHIRUser  string `json:"fhirUser,omitempty"`
}

// EnhanceTokenResponse copies the patient and fhirUser claims from the access
// token payload to the top level of the token response JSON, the shape SMART
// clients expect. Error responses and anything that fails to decode pass
// through unchanged.
func EnhanceTokenResponse(body []byte) []byte {
	var resp map[string]interface{}
	if err := json.Unmarshal(body, &resp); err != nil {
		return body
	}
	if _, isErr := resp["error"]; isErr {
		return body
	}
	access, ok := resp["access_token"].(string)
	if !ok {
		return body
	}
	claims, err := decodeJWTPayload(access)
	if err != nil {
		return body
	}
	modified := false
	for _, claim := range []string{"patient", "fhirUser"} {
		if _, present := resp[claim]; present {
			continue
		}
		if v, has := claims[claim]; has {
			resp[claim] = v
			modified = true
		}
	}
	if !modified {
		return body
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return body
	}
	return out
}

// decodeJWTPayload decodes the claims segment of a compact JWT without
// verifying the signature. The enhancer runs on tokens this server just
// signed.
func decodeJWTPayload(token string) (map[string]interface{}, error) {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return nil, jwt.ErrTokenMalformed
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, err
	}
	var claims map[string]interface{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, err
	}
	return claims, nil
}
