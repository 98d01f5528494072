// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// blockedNetworks はConduitエンドポイントとして許可しないネットワーク範囲。
// safeurlは接続時にDNS解決後のIPアドレスも検証する。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// EndpointGuard はAPIトークンの送信先となるPhabricatorのURLを検証する。
// トークンはクエリパラメータで送られるため、送信先は起動時に一度だけ検証し、
// 以後の接続もsafeurlのDialer検証を通す。
// allowPrivateが有効な場合（社内ホストのPhabricator）はこれらの制限を外す。
type EndpointGuard struct {
	allowPrivate bool
}

// NewEndpointGuard はEndpointGuardの新しいインスタンスを生成する。
func NewEndpointGuard(allowPrivate bool) *EndpointGuard {
	return &EndpointGuard{allowPrivate: allowPrivate}
}

// Validate はエンドポイントURLを静的に検証し、パース結果を返す。
// httpsのみ許可し（allowPrivate時はhttpも可）、資格情報・クエリ・フラグメントを含むURLは拒否する。
func (g *EndpointGuard) Validate(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch {
	case scheme == "https":
	case scheme == "http" && g.allowPrivate:
	default:
		return nil, fmt.Errorf("disallowed scheme: %q", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return nil, fmt.Errorf("empty host in URL: %s", rawURL)
	}
	if parsed.User != nil {
		return nil, fmt.Errorf("URL must not contain credentials")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return nil, fmt.Errorf("URL must not contain query or fragment")
	}

	if g.allowPrivate {
		return parsed, nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return nil, fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return parsed, nil
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return nil, fmt.Errorf("blocked host: %s", host)
	}
	return parsed, nil
}

// HTTPClient はendpoint向けのHTTPクライアントを生成する。
// 通常はsafeurlでプライベートアドレスへの接続をブロックし、
// 接続先ポートもendpointのポートのみに限定する。
func (g *EndpointGuard) HTTPClient(endpoint *url.URL, timeout time.Duration) *http.Client {
	if g.allowPrivate {
		return &http.Client{Timeout: timeout}
	}

	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(endpointPort(endpoint)).
		Build()

	return safeurl.Client(config).Client
}

func endpointPort(u *url.URL) int {
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if strings.EqualFold(u.Scheme, "http") {
		return 80
	}
	return 443
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
