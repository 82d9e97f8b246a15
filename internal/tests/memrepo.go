package tests

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lumeopage/server/internal/model"
	"github.com/lumeopage/server/internal/repo"
)

// In-memory repository implementations backing the behavioral tests. They
// honor the same contracts as the Postgres versions, including the
// compare-and-set semantics of Consume and Rotate, so the suite runs
// without a database.

type memUserRepo struct {
	mu    sync.Mutex
	users map[uuid.UUID]model.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: make(map[uuid.UUID]model.User)}
}

func (r *memUserRepo) GetByID(_ context.Context, id uuid.UUID) (model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return model.User{}, repo.ErrNotFound
	}
	return u, nil
}

func (r *memUserRepo) GetByEmail(_ context.Context, email string) (model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == email {
			return u, nil
		}
	}
	return model.User{}, repo.ErrNotFound
}

func (r *memUserRepo) GetOrCreateByEmail(ctx context.Context, email string) (model.User, error) {
	r.mu.Lock()
	for _, u := range r.users {
		if u.Email == email {
			r.mu.Unlock()
			return u, nil
		}
	}
	u := model.User{
		ID:            uuid.New(),
		Email:         email,
		Role:          "user",
		EmailVerified: true,
		CreatedAt:     time.Now(),
	}
	r.users[u.ID] = u
	r.mu.Unlock()
	return u, nil
}

func (r *memUserRepo) add(u model.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u
}

type memMagicLinkRepo struct {
	mu     sync.Mutex
	tokens map[uuid.UUID]*model.MagicLinkToken
}

func newMemMagicLinkRepo() *memMagicLinkRepo {
	return &memMagicLinkRepo{tokens: make(map[uuid.UUID]*model.MagicLinkToken)}
}

func (r *memMagicLinkRepo) CreateAndInvalidate(_ context.Context, t model.MagicLinkToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, old := range r.tokens {
		if old.Email == t.Email && old.Purpose == t.Purpose && old.UsedAt == nil {
			at := t.IssuedAt
			old.UsedAt = &at
		}
	}
	cp := t
	r.tokens[t.ID] = &cp
	return nil
}

func (r *memMagicLinkRepo) GetByHash(_ context.Context, tokenHash string) (model.MagicLinkToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.TokenHash == tokenHash {
			return *t, nil
		}
	}
	return model.MagicLinkToken{}, repo.ErrNotFound
}

func (r *memMagicLinkRepo) Consume(_ context.Context, tokenHash string, now time.Time) (model.MagicLinkToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.TokenHash == tokenHash && t.UsedAt == nil && t.ExpiresAt.After(now) {
			at := now
			t.UsedAt = &at
			return *t, nil
		}
	}
	return model.MagicLinkToken{}, repo.ErrNotFound
}

func (r *memMagicLinkRepo) CountIssuedSince(_ context.Context, email string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, t := range r.tokens {
		if t.Email == email && t.UsedAt == nil && !t.IssuedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (r *memMagicLinkRepo) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, t := range r.tokens {
		if t.ExpiresAt.Before(cutoff) {
			delete(r.tokens, id)
			n++
		}
	}
	return n, nil
}

type memExchangeCodeRepo struct {
	mu    sync.Mutex
	codes map[uuid.UUID]*model.ExchangeCode
}

func newMemExchangeCodeRepo() *memExchangeCodeRepo {
	return &memExchangeCodeRepo{codes: make(map[uuid.UUID]*model.ExchangeCode)}
}

func (r *memExchangeCodeRepo) Create(_ context.Context, c model.ExchangeCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := c
	r.codes[c.ID] = &cp
	return nil
}

func (r *memExchangeCodeRepo) Consume(_ context.Context, codeHash string, now time.Time) (model.ExchangeCode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.codes {
		if c.CodeHash == codeHash && c.UsedAt == nil && c.ExpiresAt.After(now) {
			at := now
			c.UsedAt = &at
			return *c, nil
		}
	}
	return model.ExchangeCode{}, repo.ErrNotFound
}

func (r *memExchangeCodeRepo) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, c := range r.codes {
		if c.ExpiresAt.Before(cutoff) {
			delete(r.codes, id)
			n++
		}
	}
	return n, nil
}

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.Session
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[uuid.UUID]*model.Session)}
}

func (r *memSessionRepo) Create(_ context.Context, s model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *memSessionRepo) GetByID(_ context.Context, id uuid.UUID) (model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return model.Session{}, repo.ErrNotFound
	}
	return *s, nil
}

func (r *memSessionRepo) GetByTokenHash(_ context.Context, tokenHash string) (model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.RefreshTokenHash == tokenHash {
			return *s, nil
		}
	}
	return model.Session{}, repo.ErrNotFound
}

func (r *memSessionRepo) GetByPrevTokenHash(_ context.Context, tokenHash string) (model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.PrevTokenHash != nil && *s.PrevTokenHash == tokenHash {
			return *s, nil
		}
	}
	return model.Session{}, repo.ErrNotFound
}

func (r *memSessionRepo) Rotate(_ context.Context, currentHash, newHash, newCSRFHash string, newExpiry, now time.Time) (model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.RefreshTokenHash == currentHash && !s.IsRevoked && s.RefreshExpiresAt.After(now) {
			prev := s.RefreshTokenHash
			s.PrevTokenHash = &prev
			s.RefreshTokenHash = newHash
			s.CSRFTokenHash = newCSRFHash
			s.RefreshExpiresAt = newExpiry
			s.RotationCount++
			s.LastActivity = now
			return *s, nil
		}
	}
	return model.Session{}, repo.ErrNotFound
}

func (r *memSessionRepo) Revoke(_ context.Context, id uuid.UUID, reason string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.IsRevoked {
		return nil
	}
	s.IsRevoked = true
	s.RevokedReason = &reason
	at := now
	s.RevokedAt = &at
	return nil
}

func (r *memSessionRepo) RevokeAllForUser(_ context.Context, userID uuid.UUID, reason string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.UserID == userID && !s.IsRevoked {
			s.IsRevoked = true
			rsn := reason
			s.RevokedReason = &rsn
			at := now
			s.RevokedAt = &at
		}
	}
	return nil
}

func (r *memSessionRepo) ListActive(_ context.Context, userID uuid.UUID, now time.Time) ([]model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Session
	for _, s := range r.sessions {
		if s.UserID == userID && !s.IsRevoked && s.RefreshExpiresAt.After(now) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

func (r *memSessionRepo) HasSessionForDevice(_ context.Context, userID uuid.UUID, browser, os string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.UserID == userID && s.Browser == browser && s.OS == os {
			return true, nil
		}
	}
	return false, nil
}

func (r *memSessionRepo) RevokeExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.sessions {
		if !s.IsRevoked && !s.RefreshExpiresAt.After(now) {
			s.IsRevoked = true
			reason := model.RevokedExpired
			s.RevokedReason = &reason
			at := now
			s.RevokedAt = &at
			n++
		}
	}
	return n, nil
}

func (r *memSessionRepo) DeleteExpiredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.sessions {
		if s.RefreshExpiresAt.Before(cutoff) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

type memSecurityLogRepo struct {
	mu      sync.Mutex
	entries []model.SecurityLogEntry
	failing bool
}

func newMemSecurityLogRepo() *memSecurityLogRepo {
	return &memSecurityLogRepo{}
}

func (r *memSecurityLogRepo) Insert(_ context.Context, e model.SecurityLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing {
		return errDown
	}
	r.entries = append(r.entries, e)
	return nil
}

func (r *memSecurityLogRepo) CountByActionSince(_ context.Context, subject string, action model.SecurityAction, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, e := range r.entries {
		if e.Subject == subject && e.Action == action && !e.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (r *memSecurityLogRepo) Filter(_ context.Context, f repo.SecurityLogFilter) ([]model.SecurityLogEntry, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []model.SecurityLogEntry
	for _, e := range r.entries {
		if f.UserID != nil && (e.UserID == nil || *e.UserID != *f.UserID) {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		// Exact match, like the SQL equality the Postgres store uses.
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.StartDate != nil && e.CreatedAt.Before(*f.StartDate) {
			continue
		}
		if f.EndDate != nil && e.CreatedAt.After(*f.EndDate) {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := len(matched)
	page, limit := f.Page, f.Limit
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (r *memSecurityLogRepo) countByAction(action model.SecurityAction) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, e := range r.entries {
		if e.Action == action {
			count++
		}
	}
	return count
}

func (r *memSecurityLogRepo) setFailing(failing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing = failing
}

type memPreferencesRepo struct {
	mu    sync.Mutex
	prefs map[uuid.UUID]model.SecurityPreferences
}

func newMemPreferencesRepo() *memPreferencesRepo {
	return &memPreferencesRepo{prefs: make(map[uuid.UUID]model.SecurityPreferences)}
}

func (r *memPreferencesRepo) Get(_ context.Context, userID uuid.UUID) (model.SecurityPreferences, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prefs[userID]
	if !ok {
		return model.SecurityPreferences{}, repo.ErrNotFound
	}
	return p, nil
}

func (r *memPreferencesRepo) Upsert(_ context.Context, p model.SecurityPreferences) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefs[p.UserID] = p
	return nil
}

// memBlocklist is an enforcing security.BlockStore, unlike the degrade-open
// default the suite normally runs with.
type memBlocklist struct {
	mu   sync.Mutex
	keys map[string]time.Time
}

func newMemBlocklist() *memBlocklist {
	return &memBlocklist{keys: make(map[string]time.Time)}
}

func (b *memBlocklist) block(key string, ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys[key] = time.Now().Add(ttl)
}

func (b *memBlocklist) blocked(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.keys[key]
	return ok && time.Now().Before(until)
}

func (b *memBlocklist) BlockIP(_ context.Context, ip string, ttl time.Duration) error {
	b.block("ip:"+ip, ttl)
	return nil
}

func (b *memBlocklist) BlockUser(_ context.Context, userID string, ttl time.Duration) error {
	b.block("user:"+userID, ttl)
	return nil
}

func (b *memBlocklist) IsIPBlocked(_ context.Context, ip string) bool {
	return b.blocked("ip:" + ip)
}

func (b *memBlocklist) IsUserBlocked(_ context.Context, userID string) bool {
	return b.blocked("user:" + userID)
}
