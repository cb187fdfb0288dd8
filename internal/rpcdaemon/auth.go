package rpcdaemon

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"meshrund/internal/codeerr"
	"meshrund/internal/xcrypto"
)

// AuthConfig carries the negotiated auth parameters authorize_http_request
// checks requests against (spec.md §4.8).
type AuthConfig struct {
	BindMode       BindMode
	AuthMode       AuthMode
	TrustedProxy   bool
	TrustedProxies map[string]bool
	SharedSecret   string
	Issuer         string
	Audience       string
	ClockSkewMS    int64
	PerIPLimit     int
	PerPrincipalLimit int
}

// Authorizer implements authorize_http_request (spec.md §4.8).
type Authorizer struct {
	cfg AuthConfig

	jtiSeen *lru.Cache[string, time.Time]

	mu         sync.Mutex
	ipLimiters map[string]*rate.Limiter
	principalLimiters map[string]*rate.Limiter

	onRateLimited func(principalOrIP string)
}

// NewAuthorizer builds an authorizer over cfg. jtiCacheSize bounds the
// replay-protection cache.
func NewAuthorizer(cfg AuthConfig, jtiCacheSize int, onRateLimited func(string)) *Authorizer {
	if jtiCacheSize <= 0 {
		jtiCacheSize = 4096
	}
	cache, _ := lru.New[string, time.Time](jtiCacheSize)
	return &Authorizer{
		cfg: cfg, jtiSeen: cache,
		ipLimiters: make(map[string]*rate.Limiter),
		principalLimiters: make(map[string]*rate.Limiter),
		onRateLimited: onRateLimited,
	}
}

// Authorize runs the four-step authorize_http_request algorithm (spec.md
// §4.8).
func (a *Authorizer) Authorize(headers map[string]string, peerIP string, now time.Time) *codeerr.Error {
	sourceIP := a.resolveSourceIP(headers, peerIP)

	if a.cfg.BindMode == BindLocalOnly && !isLoopback(sourceIP) {
		return codeerr.Security(codeerr.SecurityRemoteBindDisallowed, "bind mode local_only rejects non-loopback peers")
	}

	var principal string
	if a.cfg.AuthMode == AuthToken {
		p, cerr := a.verifyToken(headers, now)
		if cerr != nil {
			return cerr
		}
		principal = p
	}

	if cerr := a.rateLimit(sourceIP, principal, now); cerr != nil {
		return cerr
	}

	return nil
}

func (a *Authorizer) resolveSourceIP(headers map[string]string, peerIP string) string {
	if a.cfg.TrustedProxy && a.cfg.TrustedProxies[peerIP] {
		if xff, ok := headers["X-Forwarded-For"]; ok && xff != "" {
			return strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		}
	}
	return peerIP
}

func isLoopback(ip string) bool {
	host := ip
	if h, _, err := net.SplitHostPort(ip); err == nil {
		host = h
	}
	parsed := net.ParseIP(host)
	return parsed != nil && parsed.IsLoopback()
}

// verifyToken parses and validates the bearer token: k=v;…;sig=hex per
// spec.md §4.8.
func (a *Authorizer) verifyToken(headers map[string]string, now time.Time) (string, *codeerr.Error) {
	authz, ok := headers["Authorization"]
	if !ok || !strings.HasPrefix(authz, "Bearer ") {
		return "", codeerr.Security(codeerr.SecurityAuthRequired, "missing bearer token")
	}
	token := strings.TrimPrefix(authz, "Bearer ")

	fields := map[string]string{}
	var sigField string
	for _, part := range strings.Split(token, ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return "", codeerr.Security(codeerr.SecurityTokenInvalid, "malformed token")
		}
		if kv[0] == "sig" {
			sigField = kv[1]
			continue
		}
		fields[kv[0]] = kv[1]
	}
	if sigField == "" {
		return "", codeerr.Security(codeerr.SecurityTokenInvalid, "missing signature")
	}

	signed := buildSignedMessage(fields)
	expected := xcrypto.HMACSHA256Hex([]byte(a.cfg.SharedSecret), signed)
	if !xcrypto.ConstantTimeEqual([]byte(expected), []byte(sigField)) {
		return "", codeerr.Security(codeerr.SecurityTokenInvalid, "signature mismatch")
	}

	if fields["iss"] != a.cfg.Issuer || fields["aud"] != a.cfg.Audience {
		return "", codeerr.Security(codeerr.SecurityTokenInvalid, "issuer/audience mismatch")
	}

	exp, err := strconv.ParseInt(fields["exp"], 10, 64)
	if err != nil {
		return "", codeerr.Security(codeerr.SecurityTokenInvalid, "malformed exp")
	}
	skew := time.Duration(a.cfg.ClockSkewMS) * time.Millisecond
	if now.After(time.Unix(exp, 0).Add(skew)) {
		return "", codeerr.Security(codeerr.SecurityTokenInvalid, "token expired")
	}

	jti := fields["jti"]
	if jti == "" {
		return "", codeerr.Security(codeerr.SecurityTokenInvalid, "missing jti")
	}
	if _, seen := a.jtiSeen.Get(jti); seen {
		return "", codeerr.Security(codeerr.SecurityTokenReplayed, "token jti already used")
	}
	a.jtiSeen.Add(jti, now)

	return fields["sub"], nil
}

func buildSignedMessage(fields map[string]string) string {
	order := []string{"iss", "aud", "jti", "sub", "iat", "exp"}
	var b strings.Builder
	for i, k := range order {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	return b.String()
}

// rateLimit applies per-IP and per-principal token-bucket limits: each key
// gets a burst of its per-minute limit and refills at that many tokens per
// minute. Requests are not counted in fixed 60-s windows (spec.md §4.8).
func (a *Authorizer) rateLimit(ip, principal string, now time.Time) *codeerr.Error {
	if a.cfg.PerIPLimit > 0 {
		if !a.limiterFor(&a.ipLimiters, ip, a.cfg.PerIPLimit).AllowN(now, 1) {
			if a.onRateLimited != nil {
				a.onRateLimited(ip)
			}
			return codeerr.Security(codeerr.SecurityRateLimited, "per-ip rate limit exceeded")
		}
	}
	if principal != "" && a.cfg.PerPrincipalLimit > 0 {
		if !a.limiterFor(&a.principalLimiters, principal, a.cfg.PerPrincipalLimit).AllowN(now, 1) {
			if a.onRateLimited != nil {
				a.onRateLimited(principal)
			}
			return codeerr.Security(codeerr.SecurityRateLimited, "per-principal rate limit exceeded")
		}
	}
	return nil
}

func (a *Authorizer) limiterFor(bucket *map[string]*rate.Limiter, key string, perMinute int) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := (*bucket)[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
		(*bucket)[key] = l
	}
	return l
}
