// Package auth 为 HTTP API 提供基于静态 Bearer Token 的访问控制。
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var (
	// ErrMissingToken 表示请求未携带 Authorization 头。
	ErrMissingToken = errors.New("缺少访问令牌")
	// ErrInvalidToken 表示令牌格式错误或未登记。
	ErrInvalidToken = errors.New("访问令牌无效")
)

// Subject 是通过认证的调用方。
type Subject struct {
	Name string
}

type credential struct {
	name   string
	digest [sha256.Size]byte
}

// Authenticator 校验 Bearer Token。未登记任何令牌时处于关闭状态，所有请求直接放行。
type Authenticator struct {
	credentials []credential
	audit       *slog.Logger
}

// Option 定义可选配置。
type Option func(*Authenticator)

// WithAuditLogger 指定审计日志输出，默认使用 logger.Audit()。
func WithAuditLogger(l *slog.Logger) Option {
	return func(a *Authenticator) {
		a.audit = l
	}
}

// NewAuthenticator 解析 "name=token" 或裸 token 形式的令牌列表。
// 裸 token 使用 client-N 作为调用方名称。
func NewAuthenticator(entries []string, opts ...Option) (*Authenticator, error) {
	a := &Authenticator{}
	seen := make(map[string]struct{}, len(entries))
	for i, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, token, ok := strings.Cut(entry, "=")
		if !ok {
			name, token = fmt.Sprintf("client-%d", i+1), entry
		}
		name, token = strings.TrimSpace(name), strings.TrimSpace(token)
		if name == "" || token == "" {
			return nil, fmt.Errorf("第 %d 个访问令牌格式错误", i+1)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("访问令牌名称重复: %s", name)
		}
		seen[name] = struct{}{}
		a.credentials = append(a.credentials, credential{name: name, digest: sha256.Sum256([]byte(token))})
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Enabled 报告是否登记了至少一个令牌。
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.credentials) > 0
}

// Authenticate 解析 Authorization 头并返回对应的调用方。
func (a *Authenticator) Authenticate(header string) (*Subject, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))
	var matched *Subject
	for _, cred := range a.credentials {
		if subtle.ConstantTimeCompare(digest[:], cred.digest[:]) == 1 && matched == nil {
			matched = &Subject{Name: cred.name}
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	return matched, nil
}
