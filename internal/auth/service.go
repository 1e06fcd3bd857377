// Package auth はOAuth認証フロー、Identityとアカウントの同期、セッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/hitoshi/ohq/internal/event"
	"github.com/hitoshi/ohq/internal/model"
	"github.com/hitoshi/ohq/internal/repository"
)

// SessionCookieName はセッションIDを保持するCookie名。
const SessionCookieName = "session_id"

// maxNicknameRunes はニックネームの最大文字数。
const maxNicknameRunes = 50

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	Provider       string // "google" 等
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth       OAuthProvider
	identRepo   repository.IdentityRepository
	accountRepo repository.AccountRepository
	sessionRepo repository.SessionRepository
	notifier    event.Notifier
	config      ServiceConfig
}

// NewService はServiceを生成する。
func NewService(
	oauth OAuthProvider,
	identRepo repository.IdentityRepository,
	accountRepo repository.AccountRepository,
	sessionRepo repository.SessionRepository,
	notifier event.Notifier,
	config ServiceConfig,
) *Service {
	return &Service{
		oauth:       oauth,
		identRepo:   identRepo,
		accountRepo: accountRepo,
		sessionRepo: sessionRepo,
		notifier:    notifier,
		config:      config,
	}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// HandleCallback はOAuthコールバックを処理し、セッションを発行する。
// Identityは初回ログインで作成し、以降はIdP側のメールアドレスと表示名で更新する。
// 続けてアカウントを作成または同期する。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	// 1. 認可コードをトークンに交換し、ユーザー情報を取得
	userInfo, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	// 2. Identityを作成または更新
	identity, err := s.upsertIdentity(ctx, userInfo)
	if err != nil {
		return nil, err
	}

	// 3. アカウントを同期
	if _, err := s.SyncAccount(ctx, identity); err != nil {
		return nil, err
	}

	// 4. セッションを発行
	session, err := s.createSession(ctx, identity.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

func (s *Service) upsertIdentity(ctx context.Context, info *OAuthUserInfo) (*model.Identity, error) {
	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, info.Provider, info.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	if identity == nil {
		identity = &model.Identity{
			Provider:       info.Provider,
			ProviderUserID: info.ProviderUserID,
			Email:          info.Email,
			Name:           info.Name,
		}
		if err := s.identRepo.Create(ctx, identity); err != nil {
			return nil, fmt.Errorf("failed to create identity: %w", err)
		}
		slog.Info("new identity created",
			slog.Int64("identity_id", identity.ID),
			slog.String("email", info.Email),
			slog.String("provider", info.Provider),
		)
		return identity, nil
	}

	if identity.Email != info.Email || identity.Name != info.Name {
		if err := s.identRepo.UpdateProfile(ctx, identity.ID, info.Email, info.Name); err != nil {
			return nil, fmt.Errorf("failed to update identity: %w", err)
		}
		identity.Email = info.Email
		identity.Name = info.Name
	}
	slog.Info("existing identity logged in",
		slog.Int64("identity_id", identity.ID),
		slog.String("provider", info.Provider),
	)
	return identity, nil
}

// Nickname はIdentityの表示名からニックネームを決める。
// 表示名を単語ごとに先頭大文字にし、空ならメールアドレスのローカル部を使う。
func Nickname(name, email string) string {
	nickname := cases.Title(language.Und).String(strings.Join(strings.Fields(name), " "))
	if nickname == "" {
		nickname, _, _ = strings.Cut(email, "@")
	}
	if utf8.RuneCountInString(nickname) > maxNicknameRunes {
		nickname = string([]rune(nickname)[:maxNicknameRunes])
	}
	return nickname
}

// SyncAccount はIdentityに対応するアカウントを作成し、既存ならメールアドレスとニックネームを同期する。
// 変更があった場合はAccountChangedを通知する。
func (s *Service) SyncAccount(ctx context.Context, identity *model.Identity) (*model.Account, error) {
	nickname := Nickname(identity.Name, identity.Email)

	account, err := s.accountRepo.FindByIdentityID(ctx, identity.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}

	if account == nil {
		account = &model.Account{
			IdentityID: identity.ID,
			Email:      identity.Email,
			Nickname:   nickname,
		}
		if err := s.accountRepo.Create(ctx, account); err != nil {
			if !errors.Is(err, repository.ErrDuplicate) {
				return nil, fmt.Errorf("failed to create account: %w", err)
			}
			// 同時ログインで先に作成された
			account, err = s.accountRepo.FindByIdentityID(ctx, identity.ID)
			if err != nil || account == nil {
				return nil, fmt.Errorf("failed to reload account: %w", err)
			}
			return account, nil
		}
		slog.Info("account created",
			slog.Int64("account_id", account.ID),
			slog.Int64("identity_id", identity.ID),
		)
		s.notify(ctx, account.ID)
		return account, nil
	}

	if account.Email == identity.Email && account.Nickname == nickname {
		return account, nil
	}
	if err := s.accountRepo.UpdateProfile(ctx, account.ID, identity.Email, nickname); err != nil {
		return nil, fmt.Errorf("failed to update account: %w", err)
	}
	account.Email = identity.Email
	account.Nickname = nickname
	s.notify(ctx, account.ID)
	return account, nil
}

func (s *Service) notify(ctx context.Context, accountID int64) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, event.Event{Kind: event.KindAccountChanged, AccountID: accountID})
	}
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// PrincipalForSession はセッションIDから接続者を解決する。
// セッションが無効ならAuthRequired、アカウントが未作成ならAccountMissingを返す。
func (s *Service) PrincipalForSession(ctx context.Context, sessionID string) (*model.Principal, error) {
	if sessionID == "" {
		return nil, model.NewAuthRequiredError()
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, model.NewAuthRequiredError()
	}

	return s.PrincipalForIdentity(ctx, session.IdentityID)
}

// PrincipalForIdentity はIdentity IDから接続者を解決する。
func (s *Service) PrincipalForIdentity(ctx context.Context, identityID int64) (*model.Principal, error) {
	identity, err := s.identRepo.FindByID(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if identity == nil {
		return nil, model.NewAuthRequiredError()
	}

	account, err := s.accountRepo.FindByIdentityID(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, model.NewAccountMissingError()
	}

	return &model.Principal{Identity: identity, Account: account}, nil
}

// Authenticate はWebSocketのハンドシェイク要求のCookieから接続者を解決する。
func (s *Service) Authenticate(r *http.Request) (*model.Principal, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, model.NewAuthRequiredError()
	}
	return s.PrincipalForSession(r.Context(), cookie.Value)
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, identityID int64) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := time.Now()
	session := &model.Session{
		ID:         sessionID,
		IdentityID: identityID,
		ExpiresAt:  now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt:  now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
