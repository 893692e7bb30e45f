package token

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	ClaimSubject = "sub"
	ClaimRole    = "role"
	ClaimName    = "name"
	ClaimEmail   = "email"
)

// registered claims are owned by the issuer and never accepted from callers.
var registered = map[string]struct{}{
	"iss": {},
	"aud": {},
	"exp": {},
	"nbf": {},
	"iat": {},
	"jti": {},
}

// Claim is a single name/value fact about a principal.
type Claim struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func NewClaim(typ, value string) Claim {
	return Claim{Type: typ, Value: value}
}

// Principal is the identity recovered from a verified access token.
type Principal struct {
	Claims    []Claim   `json:"claims"`
	ID        string    `json:"jti,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (p *Principal) Subject() string {
	v, _ := p.FindFirst(ClaimSubject)
	return v
}

func (p *Principal) FindFirst(typ string) (string, bool) {
	for _, c := range p.Claims {
		if c.Type == typ {
			return c.Value, true
		}
	}
	return "", false
}

func (p *Principal) FindAll(typ string) []string {
	var out []string
	for _, c := range p.Claims {
		if c.Type == typ {
			out = append(out, c.Value)
		}
	}
	return out
}

func (p *Principal) HasClaim(typ, value string) bool {
	for _, c := range p.Claims {
		if c.Type == typ && c.Value == value {
			return true
		}
	}
	return false
}

// toMapClaims folds the claims into a JWT payload. Repeated types become
// arrays in input order.
func toMapClaims(claims []Claim) (jwt.MapClaims, error) {
	grouped := make(map[string][]string, len(claims))
	order := make([]string, 0, len(claims))
	hasSubject := false
	for _, c := range claims {
		if _, ok := registered[c.Type]; ok {
			return nil, fmt.Errorf("%w: %q", ErrReservedClaim, c.Type)
		}
		if c.Type == "" {
			return nil, fmt.Errorf("%w: empty claim type", ErrInvalidClaim)
		}
		if c.Type == ClaimSubject && c.Value != "" {
			hasSubject = true
		}
		if _, seen := grouped[c.Type]; !seen {
			order = append(order, c.Type)
		}
		grouped[c.Type] = append(grouped[c.Type], c.Value)
	}
	if !hasSubject {
		return nil, ErrMissingSubject
	}
	if len(grouped[ClaimSubject]) > 1 {
		return nil, fmt.Errorf("%w: multiple subjects", ErrMissingSubject)
	}

	out := make(jwt.MapClaims, len(grouped)+len(registered))
	for _, typ := range order {
		values := grouped[typ]
		if len(values) == 1 {
			out[typ] = values[0]
			continue
		}
		out[typ] = values
	}
	return out, nil
}

// fromMapClaims is the inverse of toMapClaims. Types come back sorted so the
// result does not depend on map iteration order.
func fromMapClaims(mc jwt.MapClaims) (*Principal, error) {
	types := make([]string, 0, len(mc))
	for typ := range mc {
		if _, ok := registered[typ]; ok {
			continue
		}
		types = append(types, typ)
	}
	sort.Strings(types)

	p := &Principal{}
	for _, typ := range types {
		switch v := mc[typ].(type) {
		case []any:
			for _, item := range v {
				p.Claims = append(p.Claims, Claim{Type: typ, Value: claimValue(item)})
			}
		default:
			p.Claims = append(p.Claims, Claim{Type: typ, Value: claimValue(v)})
		}
	}

	if jti, ok := mc["jti"].(string); ok {
		p.ID = jti
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		p.IssuedAt = iat.Time
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		p.ExpiresAt = exp.Time
	}
	if p.Subject() == "" {
		return nil, ErrMissingSubject
	}
	return p, nil
}

func claimValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
