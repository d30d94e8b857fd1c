// Package fakeicloud is an in-memory stand-in for the sign-in, setup and
// service hosts, used by tests across packages. It speaks just enough of
// the protocol to drive every authentication path.
package fakeicloud

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

// Fixed account values the server accepts.
const (
	Account       = "jane@example.com"
	Code          = "123456"
	TrustToken    = "trust-token"
	WebAuthCookie = "X-APPLE-WEBAUTH-TOKEN"
	GeneratedHME  = "generated@privaterelay.example.com"
)

// Server records every request. Exported fields configure behavior; change
// them through Set while the server is running.
type Server struct {
	srv *httptest.Server

	RejectPassword    bool
	HSAVersion        int
	ChallengeRequired bool
	Trusted           bool
	// RefuseTrust makes every session trust request fail with 503.
	RefuseTrust bool
	// FailStatus, when set for a path, answers that path with the status
	// once.
	FailStatus map[string]int

	mu         sync.Mutex
	calls      map[string]int
	bodies     map[string][]byte
	headers    map[string]http.Header
	validToken string
	tokenSeq   int
}

// New starts a Server that is closed when t ends.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		Trusted:    true,
		FailStatus: make(map[string]int),
		calls:      make(map[string]int),
		bodies:     make(map[string][]byte),
		headers:    make(map[string]http.Header),
	}

	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)

	return s
}

// URL is the server base URL.
func (s *Server) URL() string { return s.srv.URL }

// AuthURL is the sign-in base URL.
func (s *Server) AuthURL() string { return s.srv.URL + "/auth" }

// SetupURL is the setup base URL.
func (s *Server) SetupURL() string { return s.srv.URL + "/setup" }

// Set mutates configuration under the server lock.
func (s *Server) Set(fn func(s *Server)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(s)
}

// ExpireSession forgets the issued session token, so service calls answer
// 421 until the client signs in again.
func (s *Server) ExpireSession() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.validToken = ""
}

// Count returns how many requests path received.
func (s *Server) Count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls[path]
}

// Total returns how many requests the server received.
func (s *Server) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.calls {
		n += c
	}

	return n
}

// Body returns the last JSON body sent to path.
func (s *Server) Body(path string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out map[string]any
	_ = json.Unmarshal(s.bodies[path], &out)

	return out
}

// Header returns the headers of the last request to path.
func (s *Server) Header(path string) http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.headers[path].Clone()
}

// issueToken hands out a fresh session token and its companion headers.
func (s *Server) issueToken(w http.ResponseWriter) {
	s.tokenSeq++
	s.validToken = "session-token-" + strconv.Itoa(s.tokenSeq)

	http.SetCookie(w, &http.Cookie{Name: WebAuthCookie, Value: s.validToken, Path: "/"})

	w.Header().Set("X-Apple-Session-Token", s.validToken)
	w.Header().Set("X-Apple-ID-Session-Id", "session-id")
	w.Header().Set("scnt", "scnt-value")
	w.Header().Set("X-Apple-ID-Account-Country", "USA")
}

func (s *Server) hasValidCookie(r *http.Request) bool {
	c, err := r.Cookie(WebAuthCookie)
	return err == nil && s.validToken != "" && c.Value == s.validToken
}

func (s *Server) accountData() map[string]any {
	return map[string]any{
		"dsInfo": map[string]any{
			"dsid":       "1234567890",
			"appleId":    Account,
			"fullName":   "Jane Appleseed",
			"hsaVersion": s.HSAVersion,
		},
		"hsaChallengeRequired": s.ChallengeRequired,
		"hsaTrustedBrowser":    s.Trusted,
		"webservices": map[string]any{
			"premiummailsettings": map[string]any{"url": s.srv.URL + "/hme", "status": "active"},
			"account":             map[string]any{"url": s.srv.URL + "/account", "status": "active"},
		},
		"apps": map[string]any{
			"premiummailsettings": map[string]any{"canLaunchWithOneFactor": false},
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[r.URL.Path]++
	s.bodies[r.URL.Path] = body
	s.headers[r.URL.Path] = r.Header.Clone()

	if status, ok := s.FailStatus[r.URL.Path]; ok {
		delete(s.FailStatus, r.URL.Path)
		writeJSON(w, status, map[string]any{"error": http.StatusText(status)})

		return
	}

	var in map[string]any
	_ = json.Unmarshal(body, &in)

	switch r.URL.Path {
	case "/auth/signin/init":
		writeJSON(w, http.StatusOK, map[string]any{
			"iteration": 1000,
			"salt":      base64.StdEncoding.EncodeToString([]byte("fake-salt")),
			"protocol":  "s2k",
			"b":         base64.StdEncoding.EncodeToString([]byte{0x02}),
			"c":         "challenge-c",
		})

	case "/auth/signin/complete":
		if s.RejectPassword {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"serviceErrors": []map[string]string{{"code": "-20101", "message": "Your Apple ID or password was incorrect."}},
			})

			return
		}

		s.issueToken(w)

		if s.HSAVersion >= 1 && (s.ChallengeRequired || !s.Trusted) {
			writeJSON(w, http.StatusConflict, map[string]any{"authType": "hsa2"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"authType": "non-sa"})

	case "/setup/validate":
		if !s.hasValidCookie(r) {
			writeJSON(w, 421, map[string]any{"error": "Missing X-APPLE-WEBAUTH-TOKEN cookie"})
			return
		}

		writeJSON(w, http.StatusOK, s.accountData())

	case "/setup/accountLogin":
		if tok, _ := in["dsWebAuthToken"].(string); tok == "" || tok != s.validToken {
			writeJSON(w, 421, map[string]any{"reason": "invalid token"})
			return
		}

		http.SetCookie(w, &http.Cookie{Name: WebAuthCookie, Value: s.validToken, Path: "/"})
		writeJSON(w, http.StatusOK, s.accountData())

	case "/auth/verify/trusteddevice/securitycode":
		sc, _ := in["securityCode"].(map[string]any)
		if code, _ := sc["code"].(string); code != Code {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"service_errors": []map[string]string{{"code": "-21669", "message": "Incorrect verification code."}},
			})

			return
		}

		s.ChallengeRequired = false
		w.WriteHeader(http.StatusNoContent)

	case "/auth/2sv/trust":
		if s.RefuseTrust {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "Service Unavailable"})
			return
		}

		s.Trusted = true
		s.ChallengeRequired = false
		s.issueToken(w)
		w.Header().Set("X-Apple-TwoSV-Trust-Token", TrustToken)
		w.WriteHeader(http.StatusNoContent)

	case "/setup/listDevices":
		writeJSON(w, http.StatusOK, map[string]any{
			"devices": []map[string]any{
				{"deviceType": "SMS", "phoneNumber": "********12", "deviceId": "1"},
				{"deviceType": "IPHONE", "deviceName": "Jane's iPhone", "deviceId": "2"},
			},
		})

	case "/setup/sendVerificationCode":
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case "/setup/validateVerificationCode":
		if code, _ := in["verificationCode"].(string); code != Code {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "errorCode": -21669})
			return
		}

		s.ChallengeRequired = false
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case "/setup/logout":
		s.validToken = ""
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case "/hme/v2/hme/list", "/hme/v1/hme/generate", "/hme/v1/hme/reserve",
		"/account/setup/web/device/getDevices", "/setup/storageUsageInfo":
		s.serveService(w, r, in)

	default:
		http.NotFound(w, r)
	}
}

// serveService answers the service routes, which require a valid session.
func (s *Server) serveService(w http.ResponseWriter, r *http.Request, in map[string]any) {
	if !s.hasValidCookie(r) {
		writeJSON(w, 421, map[string]any{"error": "Missing X-APPLE-WEBAUTH-TOKEN cookie"})
		return
	}

	switch r.URL.Path {
	case "/hme/v2/hme/list":
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"result": map[string]any{
				"hmeEmails": []map[string]any{{"hme": "existing@privaterelay.example.com", "label": "shop"}},
			},
		})

	case "/hme/v1/hme/generate":
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": map[string]any{"hme": GeneratedHME}})

	case "/hme/v1/hme/reserve":
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"result": map[string]any{
				"hme": map[string]any{"hme": in["hme"], "label": in["label"], "isActive": true},
			},
		})

	case "/account/setup/web/device/getDevices":
		writeJSON(w, http.StatusOK, map[string]any{
			"devices": []map[string]any{{"name": "Jane's MacBook", "modelDisplayName": "MacBook Pro"}},
		})

	case "/setup/storageUsageInfo":
		writeJSON(w, http.StatusOK, map[string]any{
			"storageUsageInfo": map[string]any{"totalStorageInBytes": 5368709120, "usedStorageInBytes": 1073741824},
		})
	}
}
