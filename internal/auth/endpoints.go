package auth

import (
	"net/http"
	"net/url"
	"strings"
)

// widgetKey identifies the web client to the sign-in service.
const widgetKey = "d39ba9916b7251055b22c7f910e2ea796ee65e98b2ddecea8f5dde8d9d1a815d"

// Build identifiers the setup service expects on every call.
const (
	clientBuildNumber     = "2534Project66"
	clientMasteringNumber = "2534B22"
)

// Endpoints are the base URLs of the sign-in, setup and web front-end hosts.
type Endpoints struct {
	Auth  string
	Setup string
	Home  string
}

// DefaultEndpoints returns the production hosts. chinaMainland selects the
// .com.cn set used by accounts registered in mainland China.
func DefaultEndpoints(chinaMainland bool) Endpoints {
	if chinaMainland {
		return Endpoints{
			Auth:  "https://idmsa.apple.com.cn/appleauth/auth",
			Setup: "https://setup.icloud.com.cn/setup/ws/1",
			Home:  "https://www.icloud.com.cn",
		}
	}

	return Endpoints{
		Auth:  "https://idmsa.apple.com/appleauth/auth",
		Setup: "https://setup.icloud.com/setup/ws/1",
		Home:  "https://www.icloud.com",
	}
}

func (e Endpoints) authURL(path string) string {
	return strings.TrimRight(e.Auth, "/") + path
}

func (e Endpoints) setupURL(path string) string {
	return strings.TrimRight(e.Setup, "/") + path
}

// baseHeaders are sent on every request.
func (e Endpoints) baseHeaders() http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	h.Set("Content-Type", "application/json")
	h.Set("Origin", e.Home)
	h.Set("Referer", e.Home+"/")

	return h
}

// authHeaders adds the OAuth widget headers and the session continuation
// headers the sign-in host requires.
func (e Endpoints) authHeaders(clientID string, rec SessionRecord) http.Header {
	h := e.baseHeaders()
	h.Set("X-Apple-OAuth-Client-Id", widgetKey)
	h.Set("X-Apple-OAuth-Client-Type", "firstPartyAuth")
	h.Set("X-Apple-OAuth-Redirect-URI", e.Home)
	h.Set("X-Apple-OAuth-Require-Grant-Code", "true")
	h.Set("X-Apple-OAuth-Response-Mode", "web_message")
	h.Set("X-Apple-OAuth-Response-Type", "code")
	h.Set("X-Apple-OAuth-State", clientID)
	h.Set("X-Apple-Widget-Key", widgetKey)

	if rec.SessionID != "" {
		h.Set(headerSessionID, rec.SessionID)
	}

	if rec.SequenceToken != "" {
		h.Set(headerSequenceToken, rec.SequenceToken)
	}

	return h
}

// withClientParams appends the client identification query parameters.
func withClientParams(rawURL, clientID, dsid string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	q := u.Query()
	q.Set("clientBuildNumber", clientBuildNumber)
	q.Set("clientMasteringNumber", clientMasteringNumber)
	q.Set("clientId", clientID)

	if dsid != "" {
		q.Set("dsid", dsid)
	}

	u.RawQuery = q.Encode()

	return u.String()
}
