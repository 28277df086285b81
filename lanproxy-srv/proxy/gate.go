package proxy

import (
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/lanproxy/lanproxy-srv/config"
	"github.com/codefionn/lanproxy/lanproxy-srv/logger"
)

// maxGateFormBytes caps the token form body
const maxGateFormBytes = 64 << 10

// Admission is the recorded gate decision for one client IP
type Admission struct {
	IP         string    `json:"ip"`
	Filtering  bool      `json:"filtering"`
	CustomerID int       `json:"customer_id"`
	Token      string    `json:"-"`
	AdmittedAt time.Time `json:"admitted_at"`
}

// AccessGate admits client IPs that submitted a valid shared token. It is a
// coarse LAN gate: no sessions, no expiry. With no tokens configured every
// IP counts as admitted with filtering on.
type AccessGate struct {
	mu         sync.RWMutex
	tokens     map[string]config.GateToken
	admissions map[string]Admission
}

// NewAccessGate creates a gate for the configured tokens
func NewAccessGate(cfg config.GateConfig) *AccessGate {
	g := &AccessGate{
		tokens:     make(map[string]config.GateToken, len(cfg.Tokens)),
		admissions: make(map[string]Admission),
	}
	for _, token := range cfg.Tokens {
		g.tokens[token.Token] = token
	}
	return g
}

// Enabled reports whether clients must present a token
func (g *AccessGate) Enabled() bool {
	return g != nil && len(g.tokens) > 0
}

// Lookup returns the admission of ip
func (g *AccessGate) Lookup(ip string) (Admission, bool) {
	if !g.Enabled() {
		return Admission{IP: ip, Filtering: true}, true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	admission, ok := g.admissions[ip]
	return admission, ok
}

// Admit records ip as admitted when token is on the allow-list
func (g *AccessGate) Admit(ip, token string) (Admission, bool) {
	entry, ok := g.tokens[token]
	if !ok || token == "" {
		return Admission{}, false
	}

	admission := Admission{
		IP:         ip,
		Filtering:  entry.Filtering,
		CustomerID: entry.CustomerID,
		Token:      token,
		AdmittedAt: time.Now(),
	}

	g.mu.Lock()
	g.admissions[ip] = admission
	g.mu.Unlock()

	logger.Info("Admitted client %s (filtering=%v, customer=%d)", ip, admission.Filtering, admission.CustomerID)
	return admission, true
}

// Admissions returns all admitted clients sorted by IP
func (g *AccessGate) Admissions() []Admission {
	g.mu.RLock()
	out := make([]Admission, 0, len(g.admissions))
	for _, admission := range g.admissions {
		out = append(out, admission)
	}
	g.mu.RUnlock()

	slices.SortFunc(out, func(a, b Admission) int { return strings.Compare(a.IP, b.IP) })
	return out
}

// Revoke forgets the admission of ip and reports whether it existed
func (g *AccessGate) Revoke(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.admissions[ip]
	delete(g.admissions, ip)
	if ok {
		logger.Info("Revoked admission of client %s", ip)
	}
	return ok
}

// tokenForm renders the login page. It posts back to target so the client
// lands on the page it asked for.
func tokenForm(target string, status int, message string) []byte {
	var notice string
	if message != "" {
		notice = fmt.Sprintf("<p style=\"color:#c9302c\">%s</p>\n", html.EscapeString(message))
	}
	body := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Proxy login</title>
</head>
<body>
    <h1>Proxy login</h1>
    %s<form method="POST" action="%s">
        <label for="token">Access token</label>
        <input type="password" id="token" name="token" autofocus>
        <button type="submit">Continue</button>
    </form>
</body>
</html>`, notice, html.EscapeString(target))
	return syntheticResponse(status, "text/html; charset=utf-8", []byte(body))
}

// handleUnadmitted answers a request from an IP the gate has not admitted
func (h *connHandler) handleUnadmitted(req *Request) {
	switch req.Method {
	case http.MethodGet:
		h.write(tokenForm(req.Target, http.StatusOK, ""))

	case http.MethodHead:
		head, _ := splitResponse(tokenForm(req.Target, http.StatusOK, ""))
		h.write(head)

	case http.MethodPost:
		token, err := h.readGateToken(req)
		if err != nil {
			h.log.Debug("Rejected gate form: %v", err)
			if StatusForError(err) == http.StatusRequestEntityTooLarge {
				h.write(errorPage(err))
				return
			}
			h.write(tokenForm(req.Target, http.StatusForbidden, "Invalid token"))
			return
		}
		if _, ok := h.proxy.gate.Admit(h.clientIP, token); !ok {
			h.log.Warn("Invalid gate token from %s", h.clientIP)
			h.write(tokenForm(req.Target, http.StatusForbidden, "Invalid token"))
			return
		}
		h.write(syntheticResponse(http.StatusSeeOther, "", nil, Header{Name: "Location", Value: req.Target}))

	default:
		h.write(errorPage(newError(ErrCodeAuthenticationFailed, nil)))
	}
}

// readGateToken reads the urlencoded token form of req
func (h *connHandler) readGateToken(req *Request) (string, error) {
	mediaType, _, _ := strings.Cut(req.Header("Content-Type"), ";")
	if !strings.EqualFold(strings.TrimSpace(mediaType), "application/x-www-form-urlencoded") {
		return "", fmt.Errorf("unexpected content type %q", req.Header("Content-Type"))
	}

	n, ok, err := req.ContentLength()
	if err != nil || !ok {
		return "", newError(ErrCodeHTTPBodyReadFailed, err)
	}
	if n > maxGateFormBytes {
		return "", newError(ErrCodeBufferOverflow, fmt.Errorf("form body of %d bytes", n))
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(h.br, body); err != nil {
		return "", newError(ErrCodeHTTPBodyReadFailed, err)
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return "", err
	}
	token := values.Get("token")
	if token == "" {
		return "", fmt.Errorf("missing token field")
	}
	return token, nil
}
