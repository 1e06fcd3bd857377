package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/ohq/internal/security"
)

const (
	defaultGoogleAuthURL     = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL    = "https://oauth2.googleapis.com/token"
	defaultGoogleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

	// Googleの応答はどれも数KB。エラー本文をログに載せる長さもこれで抑える。
	maxGoogleResponseBytes = 64 << 10
)

// GoogleOAuthConfig はGoogleログインの設定。
// URL系は空なら本番のエンドポイントを使う。
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	AuthURL     string
	TokenURL    string
	UserInfoURL string

	// nilの場合はSSRF対策済みのクライアント
	HTTPClient *http.Client
}

// GoogleOAuthProvider はGoogleアカウントでのログインを扱うOAuthProvider。
// 必要なのはログイン時の本人確認だけなので、アクセストークンは保存しない。
type GoogleOAuthProvider struct {
	config GoogleOAuthConfig
}

func NewGoogleOAuthProvider(config GoogleOAuthConfig) *GoogleOAuthProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.UserInfoURL == "" {
		config.UserInfoURL = defaultGoogleUserInfoURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = security.NewOutboundClient(security.DefaultOutboundTimeout)
	}
	return &GoogleOAuthProvider{config: config}
}

// GetLoginURL は同意画面へのURLを返す。
// 共用端末で別の学生のアカウントが使われないよう、毎回アカウント選択を出す。
func (p *GoogleOAuthProvider) GetLoginURL(state string) string {
	params := url.Values{
		"client_id":     {p.config.ClientID},
		"redirect_uri":  {p.config.RedirectURL},
		"response_type": {"code"},
		"scope":         {"openid email profile"},
		"state":         {state},
		"prompt":        {"select_account"},
	}
	return p.config.AuthURL + "?" + params.Encode()
}

type googleToken struct {
	AccessToken string `json:"access_token"`
}

// googleProfile はuserinfoエンドポイントの応答のうちIdentityに写す項目。
type googleProfile struct {
	Sub        string `json:"sub"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
}

// displayName はnameが無いプロフィールでは姓名を連結する。
func (g *googleProfile) displayName() string {
	if g.Name != "" {
		return g.Name
	}
	return strings.TrimSpace(g.GivenName + " " + g.FamilyName)
}

// ExchangeCode はコールバックで受け取った認可コードからログインした本人を特定する。
func (p *GoogleOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	accessToken, err := p.redeem(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}
	profile, err := p.profile(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	return &OAuthUserInfo{
		Provider:       "google",
		ProviderUserID: profile.Sub,
		Email:          profile.Email,
		Name:           profile.displayName(),
	}, nil
}

func (p *GoogleOAuthProvider) redeem(ctx context.Context, code string) (string, error) {
	form := url.Values{
		"code":          {code},
		"client_id":     {p.config.ClientID},
		"client_secret": {p.config.ClientSecret},
		"redirect_uri":  {p.config.RedirectURL},
		"grant_type":    {"authorization_code"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tok googleToken
	if err := p.doJSON(req, &tok); err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty access token in response")
	}
	return tok.AccessToken, nil
}

func (p *GoogleOAuthProvider) profile(ctx context.Context, accessToken string) (*googleProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create user info request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var profile googleProfile
	if err := p.doJSON(req, &profile); err != nil {
		return nil, err
	}
	if profile.Sub == "" {
		return nil, errors.New("empty sub in user info response")
	}
	return &profile, nil
}

// doJSON はreqを送り、200の応答本文をvへデコードする。
func (p *GoogleOAuthProvider) doJSON(req *http.Request, v any) error {
	resp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGoogleResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", req.URL.Host, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d: %s", req.URL.Host, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to parse response from %s: %w", req.URL.Host, err)
	}
	return nil
}

var _ OAuthProvider = (*GoogleOAuthProvider)(nil)
