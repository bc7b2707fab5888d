// Package security реализует шлюз безопасности: допуск участников,
// ограничение частоты, чёрный список, шифрование и контроль целостности.
package security

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/ticketdesk/internal/apperr"
	"github.com/mmeshcher/ticketdesk/internal/model"
)

// NewAccountAge — возраст аккаунта, младше которого взаимодействие помечается в журнале.
const NewAccountAge = 7 * 24 * time.Hour

// Auditor принимает события безопасности. Ошибки доставки не возвращаются вызывающему.
type Auditor interface {
	Record(ctx context.Context, eventType model.EventType, userID string, data map[string]any)
}

// BlacklistStore хранит флаг блокировки пользователя.
type BlacklistStore interface {
	SetUserBlacklisted(ctx context.Context, userID string, blacklisted bool) error
	ListBlacklistedUserIDs(ctx context.Context) ([]string, error)
}

// Options задаёт параметры шлюза.
type Options struct {
	AdminIDs       []string
	EncryptionKey  string
	SigningKey     string
	Limits         map[string]Limit
	IntegrityPaths []string
	Now            func() time.Time
}

// Gate — единый объект шлюза безопасности, создаваемый при старте процесса
// и передаваемый по ссылке всем компонентам.
type Gate struct {
	admins map[string]struct{}

	mu        sync.RWMutex
	blacklist map[string]struct{}

	limiter *RateLimiter
	cipher  *Cipher
	signer  *Signer

	integrityPaths []string
	baselineDigest string

	store BlacklistStore
	audit Auditor
	log   *zap.Logger
	now   func() time.Time
}

// NewGate создаёт шлюз безопасности. При отсутствии ключей генерируются
// случайные, о чём пишется предупреждение: зашифрованные ими данные
// не переживут перезапуск.
func NewGate(opts Options, store BlacklistStore, auditor Auditor, log *zap.Logger) (*Gate, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if auditor == nil {
		auditor = nopAuditor{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	encKey, err := keyOrRandom(opts.EncryptionKey, "ENCRYPTION_KEY", log)
	if err != nil {
		return nil, err
	}
	signKey, err := keyOrRandom(opts.SigningKey, "BOT_SECRET_KEY", log)
	if err != nil {
		return nil, err
	}

	cipher, err := NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	admins := make(map[string]struct{}, len(opts.AdminIDs))
	for _, id := range opts.AdminIDs {
		if id != "" {
			admins[id] = struct{}{}
		}
	}

	g := &Gate{
		admins:    admins,
		blacklist: make(map[string]struct{}),
		limiter:   NewRateLimiter(opts.Limits),
		cipher:    cipher,
		signer:    NewSigner(signKey, now),
		store:     store,
		audit:     auditor,
		log:       log,
		now:       now,
	}

	g.integrityPaths = opts.IntegrityPaths
	if g.integrityPaths == nil {
		g.integrityPaths = defaultIntegrityPaths()
	}
	if len(g.integrityPaths) > 0 {
		snapshot, err := readSnapshot(g.integrityPaths)
		if err != nil {
			return nil, fmt.Errorf("compute integrity baseline: %w", err)
		}
		g.baselineDigest = ComputeDigest(snapshot)
	}

	return g, nil
}

func keyOrRandom(key, name string, log *zap.Logger) ([]byte, error) {
	if key != "" {
		return []byte(key), nil
	}

	random := make([]byte, 32)
	if _, err := rand.Read(random); err != nil {
		return nil, fmt.Errorf("generate %s: %w", name, err)
	}
	log.Warn("key not configured, generated a random one", zap.String("key", name))
	return []byte(hex.EncodeToString(random)), nil
}

// LoadBlacklist заполняет чёрный список из хранилища.
func (g *Gate) LoadBlacklist(ctx context.Context) error {
	if g.store == nil {
		return nil
	}

	ids, err := g.store.ListBlacklistedUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("load blacklist: %w", err)
	}

	g.mu.Lock()
	for _, id := range ids {
		g.blacklist[id] = struct{}{}
	}
	g.mu.Unlock()

	g.log.Info("blacklist loaded", zap.Int("users", len(ids)))
	return nil
}

// IsAdmin проверяет принадлежность пользователя к администраторам.
func (g *Gate) IsAdmin(userID string) bool {
	_, ok := g.admins[userID]
	return ok
}

// IsStaff сообщает, обладает ли участник расширенными правами.
func (g *Gate) IsStaff(actor model.Actor) bool {
	return actor.Staff || g.IsAdmin(actor.ID)
}

// IsBlacklisted проверяет наличие пользователя в чёрном списке.
func (g *Gate) IsBlacklisted(userID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.blacklist[userID]
	return ok
}

// ValidateActor допускает или отклоняет участника: чёрный список, затем
// автоматические аккаунты, затем ограничитель interactions. Эвристики
// нового аккаунта и аватара по умолчанию только пишутся в журнал.
func (g *Gate) ValidateActor(ctx context.Context, actor model.Actor) error {
	if g.IsBlacklisted(actor.ID) {
		g.audit.Record(ctx, model.EventBlacklistedAttempt, actor.ID, map[string]any{"username": actor.Username})
		return apperr.New(apperr.KindBlacklisted, actor.ID, "you are blacklisted from using this service")
	}

	if actor.Bot {
		g.audit.Record(ctx, model.EventBotInteraction, actor.ID, map[string]any{"username": actor.Username})
		return apperr.New(apperr.KindNonHuman, actor.ID, "automated accounts are not allowed")
	}

	d := g.limiter.Consume(LimiterInteractions, actor.ID, g.now())
	if !d.Allowed {
		g.audit.Record(ctx, model.EventRateLimitExceeded, actor.ID, map[string]any{
			"limiter":       LimiterInteractions,
			"reset_seconds": d.ResetSeconds(),
		})
		return &apperr.Error{
			Kind:       apperr.KindRateLimited,
			Subject:    actor.ID,
			Message:    fmt.Sprintf("too many interactions, try again in %d seconds", d.ResetSeconds()),
			RetryAfter: d.ResetAfter,
		}
	}

	if !actor.AccountCreatedAt.IsZero() {
		if age := g.now().Sub(actor.AccountCreatedAt); age < NewAccountAge {
			g.audit.Record(ctx, model.EventNewAccount, actor.ID, map[string]any{
				"account_age_days": int(age.Hours() / 24),
			})
		}
	}

	if actor.Avatar == "" {
		g.audit.Record(ctx, model.EventDefaultAvatar, actor.ID, map[string]any{"username": actor.Username})
	}

	return nil
}

// CheckRateLimit тратит очко ограничителя limiter для субъекта. Никогда не
// завершается ошибкой; отказ пишется в журнал безопасности.
func (g *Gate) CheckRateLimit(ctx context.Context, subjectID, limiter string) Decision {
	d := g.limiter.Consume(limiter, subjectID, g.now())
	if !d.Allowed {
		g.audit.Record(ctx, model.EventRateLimitHit, subjectID, map[string]any{
			"limiter":       limiter,
			"reset_seconds": d.ResetSeconds(),
		})
	}
	return d
}

// PruneLimiters освобождает полностью восстановившиеся счётчики.
func (g *Gate) PruneLimiters() int {
	return g.limiter.Prune(g.now())
}

// StartLimiterPrune периодически чистит счётчики до отмены контекста.
func (g *Gate) StartLimiterPrune(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := g.PruneLimiters(); n > 0 {
				g.log.Debug("rate limiter buckets pruned", zap.Int("count", n))
			}
		}
	}
}

// Blacklist добавляет пользователя в чёрный список. Повторный вызов безопасен.
func (g *Gate) Blacklist(ctx context.Context, userID, reason string) error {
	if g.store != nil {
		if err := g.store.SetUserBlacklisted(ctx, userID, true); err != nil {
			return fmt.Errorf("persist blacklist: %w", err)
		}
	}

	g.mu.Lock()
	g.blacklist[userID] = struct{}{}
	g.mu.Unlock()

	g.audit.Record(ctx, model.EventUserBlacklisted, userID, map[string]any{"reason": reason})
	return nil
}

// Unblacklist убирает пользователя из чёрного списка. Повторный вызов безопасен.
func (g *Gate) Unblacklist(ctx context.Context, userID string) error {
	if g.store != nil {
		if err := g.store.SetUserBlacklisted(ctx, userID, false); err != nil {
			return fmt.Errorf("persist blacklist: %w", err)
		}
	}

	g.mu.Lock()
	delete(g.blacklist, userID)
	g.mu.Unlock()

	g.audit.Record(ctx, model.EventUserUnblacklisted, userID, nil)
	return nil
}

// Encrypt шифрует строку ключом процесса.
func (g *Gate) Encrypt(plaintext string) (string, error) {
	return g.cipher.Encrypt(plaintext)
}

// Decrypt расшифровывает конверт, созданный Encrypt.
func (g *Gate) Decrypt(envelope string) (string, error) {
	return g.cipher.Decrypt(envelope)
}

// IssueToken выпускает подписанный токен с полезной нагрузкой.
func (g *Gate) IssueToken(payload any, ttl time.Duration) (string, error) {
	return g.signer.Issue(payload, ttl)
}

// VerifyToken проверяет токен и раскладывает полезную нагрузку в out.
func (g *Gate) VerifyToken(token string, out any) error {
	return g.signer.Verify(token, out)
}

// Close сбрасывает состояние ограничителей при остановке процесса.
func (g *Gate) Close() {
	g.limiter.Reset()
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, model.EventType, string, map[string]any) {}
