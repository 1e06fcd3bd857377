// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/ohq/internal/auth"
	"github.com/hitoshi/ohq/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	identityIDContextKey  = contextKey("identity_id")
	principalContextKey   = contextKey("principal")
	requestInfoContextKey = contextKey("request_info")
)

// SessionFinder はセッションの検索に必要なインターフェース。
// repository.SessionRepositoryの部分集合として定義する。
type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// PrincipalResolver はIdentity IDから接続者を解決する。auth.Serviceが実装する。
type PrincipalResolver interface {
	PrincipalForIdentity(ctx context.Context, identityID int64) (*model.Principal, error)
}

// NewSessionMiddleware はHTTP Only Cookieからセッションを読み取り、
// 有効なセッションのIdentity IDをリクエストコンテキストに注入する。
// 未認証リクエストには401を返す。
func NewSessionMiddleware(sessionFinder SessionFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(auth.SessionCookieName)
			if err != nil || cookie.Value == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthRequiredError())
				return
			}

			session, err := sessionFinder.FindByID(r.Context(), cookie.Value)
			if err != nil {
				slog.Error("failed to find session",
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthRequiredError())
				return
			}
			if session == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthRequiredError())
				return
			}

			ctx := ContextWithIdentityID(r.Context(), session.IdentityID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewPrincipalMiddleware はセッションミドルウェアの後段で接続者（Identityとアカウント）を解決し、
// コンテキストに注入する。アカウント未作成の場合は403を返す。
func NewPrincipalMiddleware(resolver PrincipalResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identityID, err := IdentityIDFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthRequiredError())
				return
			}

			p, err := resolver.PrincipalForIdentity(r.Context(), identityID)
			if err != nil {
				var apiErr *model.APIError
				if errors.As(err, &apiErr) {
					status := http.StatusUnauthorized
					if apiErr.Code == model.ErrCodeAccountMissing {
						status = http.StatusForbidden
					}
					WriteErrorResponse(w, status, apiErr)
					return
				}
				slog.Error("failed to resolve principal",
					slog.Int64("identity_id", identityID),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
		})
	}
}

// IdentityIDFromContext はリクエストコンテキストからIdentity IDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func IdentityIDFromContext(ctx context.Context) (int64, error) {
	id, ok := ctx.Value(identityIDContextKey).(int64)
	if !ok || id == 0 {
		return 0, fmt.Errorf("identity ID not found in context")
	}
	return id, nil
}

// ContextWithIdentityID はコンテキストにIdentity IDを注入する。
// ロギングミドルウェアの内側であれば、アクセスログにも記録される。
func ContextWithIdentityID(ctx context.Context, identityID int64) context.Context {
	if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok {
		info.identityID = identityID
	}
	return context.WithValue(ctx, identityIDContextKey, identityID)
}

// PrincipalFromContext はPrincipalミドルウェアが注入した接続者を返す。
func PrincipalFromContext(ctx context.Context) (*model.Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*model.Principal)
	return p, ok && p != nil
}

// ContextWithPrincipal はコンテキストに接続者を注入する。テストでも使用する。
func ContextWithPrincipal(ctx context.Context, p *model.Principal) context.Context {
	if p != nil && p.Identity != nil {
		ctx = ContextWithIdentityID(ctx, p.Identity.ID)
	}
	return context.WithValue(ctx, principalContextKey, p)
}
