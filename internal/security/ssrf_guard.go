// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// DefaultOutboundTimeout はIdPへの外部リクエストのタイムアウト既定値。
const DefaultOutboundTimeout = 10 * time.Second

// NewOutboundClient はIdPのトークン・ユーザー情報エンドポイント呼び出し用のHTTPクライアントを生成する。
// safeurlによりhttps/443以外の宛先と、プライベート・ループバック・リンクローカル・
// メタデータIPへの接続はDNS解決後に拒否される。
func NewOutboundClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultOutboundTimeout
	}

	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()

	return safeurl.Client(config).Client
}
