// Package model はドメインモデルを定義する。
package model

import "time"

// Identity は外部IdPから取得したユーザー情報を表す。
// ログインのたびにIdP側の最新値（メール、表示名）で更新される。
type Identity struct {
	ID             int64
	Provider       string
	ProviderUserID string
	Email          string
	Name           string
	IsSuperuser    bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Account はIdentityと1:1で対応するサービス内アカウントを表す。
// Identityの初回ログイン時に作成され、削除されることはない。
type Account struct {
	ID         int64
	IdentityID int64
	IsAdmin    bool
	Email      string
	Nickname   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Session はログインセッションを表す。
type Session struct {
	ID         string
	IdentityID int64
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Principal は認証済みリクエストの主体。
// Identityのスーパーユーザー権限はキューの閲覧可否判定にのみ使う。
type Principal struct {
	Identity *Identity
	Account  *Account
}

// IsSiteAdmin はサイト管理操作を許可するかを返す。
func (p *Principal) IsSiteAdmin() bool {
	if p == nil || p.Account == nil {
		return false
	}
	return p.Account.IsAdmin || (p.Identity != nil && p.Identity.IsSuperuser)
}
