package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/TanDenggg/antigravity-proxy/internal/auth/token"
	"github.com/TanDenggg/antigravity-proxy/internal/db/models"
	"github.com/TanDenggg/antigravity-proxy/internal/upstream"
	"gorm.io/gorm"
)

// Selection failure modes.
var (
	ErrNoAccounts = errors.New("no accounts in pool")
	ErrAllBusy    = errors.New("all accounts busy")
	ErrAllLimited = errors.New("all accounts capacity-limited for this model")

	// ErrTokenUnavailable wraps a transient token failure during selection;
	// the caller may retry, spending one attempt of its budget.
	ErrTokenUnavailable = errors.New("token temporarily unavailable")
)

const (
	defaultCooldown = time.Minute
	maxCooldown     = 30 * time.Minute
)

// TokenSource is the slice of the token manager the pool needs.
type TokenSource interface {
	EnsureValidToken(ctx context.Context, accountID uint) (token.Credentials, error)
}

// Config carries the pool's tunables.
type Config struct {
	PreferredTiers map[string][]string
	MaxWait        time.Duration
	ErrorThreshold int
}

// Lease is a locked account plus a fresh credentials snapshot. The holder
// must call UnlockAccount exactly once when done.
type Lease struct {
	Account     models.Account
	Credentials token.Credentials
}

type cooldownKey struct {
	accountID uint
	model     string
}

type cooldownEntry struct {
	until     time.Time
	nextDelay time.Duration // next tiered default if no hint arrives
}

type waiter struct {
	model string
	ch    chan struct{}
}

// Pool owns account selection, per-account locks, and per-(account, model)
// capacity cooldowns. All mutations go through one pool-wide critical
// section; selection is O(n) over accounts, which is fine at pool sizes of
// tens to low hundreds.
type Pool struct {
	db     *gorm.DB
	tokens TokenSource
	cfg    Config

	mu        sync.Mutex
	locked    map[uint]bool
	cooldowns map[cooldownKey]*cooldownEntry
	waiters   []*waiter
}

// timeNow is overridable in tests.
var timeNow = time.Now

// New creates an account pool.
func New(db *gorm.DB, tokens TokenSource, cfg Config) *Pool {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 30 * time.Second
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 3
	}
	return &Pool{
		db:        db,
		tokens:    tokens,
		cfg:       cfg,
		locked:    make(map[uint]bool),
		cooldowns: make(map[cooldownKey]*cooldownEntry),
	}
}

type selectionState int

const (
	statePicked selectionState = iota
	stateEmpty
	stateAllBusy
	stateAllLimited
)

// GetBestAccount selects, locks, and returns an account eligible for model,
// with a token guaranteed fresh. Suspends until an account frees up, the
// wait budget elapses, or ctx is cancelled.
func (p *Pool) GetBestAccount(ctx context.Context, model string) (*Lease, error) {
	deadline := timeNow().Add(p.cfg.MaxWait)
	failed := map[uint]bool{}

	for {
		account, state, w, wakeAt := p.selectOrEnqueue(model, failed, deadline)
		if state == statePicked {
			creds, err := p.tokens.EnsureValidToken(ctx, account.ID)
			if err != nil {
				p.UnlockAccount(account.ID)
				if errors.Is(err, token.ErrInvalidGrant) {
					// The token manager already flipped the row to error;
					// reselect among the remaining accounts. The local set
					// guards against reselecting a row whose status write
					// has not landed yet.
					failed[account.ID] = true
					continue
				}
				return nil, fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
			}
			return &Lease{Account: *account, Credentials: creds}, nil
		}

		if state == stateEmpty {
			return nil, ErrNoAccounts
		}

		if !timeNow().Before(deadline) {
			p.removeWaiter(w)
			if state == stateAllLimited {
				return nil, ErrAllLimited
			}
			return nil, ErrAllBusy
		}

		timer := time.NewTimer(time.Until(wakeAt))
		select {
		case <-ctx.Done():
			p.removeWaiter(w)
			timer.Stop()
			return nil, ctx.Err()
		case <-w.ch:
			timer.Stop()
		case <-timer.C:
			p.removeWaiter(w)
		}
	}
}

// selectOrEnqueue tries to pick and lock the best eligible account. When
// none is available it registers a FIFO waiter in the same critical section,
// so a release landing between the failed selection and the block cannot be
// missed. It returns the waiter and the instant the caller should re-check
// on its own (deadline, or an earlier cooldown expiry for this model).
func (p *Pool) selectOrEnqueue(model string, excluded map[uint]bool, deadline time.Time) (*models.Account, selectionState, *waiter, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	account, state := p.selectLocked(model, excluded)
	if state == statePicked || state == stateEmpty {
		return account, state, nil, time.Time{}
	}

	w := &waiter{model: model, ch: make(chan struct{}, 1)}
	p.waiters = append(p.waiters, w)

	wakeAt := deadline
	now := timeNow()
	for key, entry := range p.cooldowns {
		if key.model == model && entry.until.After(now) && entry.until.Before(wakeAt) {
			wakeAt = entry.until
		}
	}
	return nil, state, w, wakeAt
}

// selectLocked picks and locks the best eligible account, or explains why
// none was available. Caller must hold p.mu.
func (p *Pool) selectLocked(model string, excluded map[uint]bool) (*models.Account, selectionState) {
	var accounts []models.Account
	p.db.Where("status = ?", models.AccountStatusActive).Find(&accounts)

	now := timeNow()
	var candidates []models.Account
	sawSelectable := false
	sawLocked := false
	for _, acc := range accounts {
		if !acc.Selectable() || excluded[acc.ID] {
			continue
		}
		sawSelectable = true
		if p.locked[acc.ID] {
			sawLocked = true
			continue
		}
		if entry, ok := p.cooldowns[cooldownKey{acc.ID, model}]; ok && now.Before(entry.until) {
			continue
		}
		candidates = append(candidates, acc)
	}

	if len(candidates) == 0 {
		switch {
		case !sawSelectable:
			return nil, stateEmpty
		case sawLocked:
			return nil, stateAllBusy
		default:
			return nil, stateAllLimited
		}
	}

	preferred := p.cfg.PreferredTiers[model]
	tierRank := func(tier string) int {
		for i, t := range preferred {
			if t == tier {
				return i
			}
		}
		return len(preferred)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := tierRank(candidates[i].Tier), tierRank(candidates[j].Tier)
		if ri != rj {
			return ri < rj
		}
		if candidates[i].LastUsedAt != candidates[j].LastUsedAt {
			return candidates[i].LastUsedAt < candidates[j].LastUsedAt
		}
		return candidates[i].ID < candidates[j].ID
	})

	best := candidates[0]
	p.locked[best.ID] = true
	best.LastUsedAt = now.UnixMilli()
	p.db.Model(&models.Account{}).Where("id = ?", best.ID).Update("last_used_at", best.LastUsedAt)
	return &best, statePicked
}

// removeWaiter withdraws an abandoned waiter. If a waker dequeued it in the
// same instant, its pending signal is relayed to the next waiter so a
// release is never swallowed.
func (p *Pool) removeWaiter(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, candidate := range p.waiters {
		if candidate == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}

	select {
	case <-w.ch:
		if len(p.waiters) > 0 {
			next := p.waiters[0]
			p.waiters = p.waiters[1:]
			next.ch <- struct{}{}
		}
	default:
	}
}

// wakeOldestLocked signals the oldest waiter the freed account could serve.
// Caller must hold p.mu.
func (p *Pool) wakeOldestLocked(accountID uint) {
	now := timeNow()
	for i, w := range p.waiters {
		if entry, ok := p.cooldowns[cooldownKey{accountID, w.model}]; ok && now.Before(entry.until) {
			continue
		}
		p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
		w.ch <- struct{}{}
		return
	}
}

// UnlockAccount releases the exclusive per-account lock. Idempotent.
func (p *Pool) UnlockAccount(accountID uint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.locked[accountID] {
		return
	}
	delete(p.locked, accountID)
	p.wakeOldestLocked(accountID)
}

// Locked reports whether the account currently holds its in-flight lock.
func (p *Pool) Locked(accountID uint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locked[accountID]
}

// MarkCapacityLimited puts (account, model) into cooldown. The duration
// comes from the upstream's reset hint (+1s cushion) when one was parsed —
// the structured resetHint wins over a "reset after Ns" phrase in the
// message — otherwise from a per-pair tiered default that doubles on every
// hit.
func (p *Pool) MarkCapacityLimited(accountID uint, model, message string, resetHint time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := cooldownKey{accountID, model}
	entry := p.cooldowns[key]
	if entry == nil {
		entry = &cooldownEntry{nextDelay: defaultCooldown}
		p.cooldowns[key] = entry
	}

	delay := resetHint
	if delay <= 0 {
		delay = upstream.ParseResetHint(message)
	}
	if delay > 0 {
		delay += time.Second
	} else {
		delay = entry.nextDelay
		entry.nextDelay *= 2
		if entry.nextDelay > maxCooldown {
			entry.nextDelay = maxCooldown
		}
	}

	entry.until = timeNow().Add(delay)
	log.Printf("⏳ Account %d capacity-limited on %s for %s", accountID, model, delay)
}

// MarkCapacityRecovered clears the cooldown for (account, model) and resets
// the account's consecutive error count: a successful call proves the pair
// healthy again.
func (p *Pool) MarkCapacityRecovered(accountID uint, model string) {
	p.mu.Lock()
	delete(p.cooldowns, cooldownKey{accountID, model})
	if !p.locked[accountID] {
		p.wakeOldestLocked(accountID)
	}
	p.mu.Unlock()

	p.db.Model(&models.Account{}).
		Where("id = ? AND error_count > 0", accountID).
		Update("error_count", 0)
}

// CooldownUntil returns the cooldown expiry for (account, model), zero when
// the pair is not cooling down.
func (p *Pool) CooldownUntil(accountID uint, model string) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.cooldowns[cooldownKey{accountID, model}]; ok {
		return entry.until
	}
	return time.Time{}
}

// MarkAccountError increments the account's consecutive error count and
// flips the account to error status once the threshold is exceeded.
func (p *Pool) MarkAccountError(accountID uint, cause error) {
	var account models.Account
	if err := p.db.First(&account, "id = ?", accountID).Error; err != nil {
		return
	}

	account.ErrorCount++
	account.LastErrorAt = timeNow().UnixMilli()
	account.LastErrorMessage = cause.Error()
	if account.ErrorCount > p.cfg.ErrorThreshold {
		account.Status = models.AccountStatusError
		log.Printf("🔒 Account %s exceeded error threshold, marked error", account.Email)
	}
	if err := p.db.Save(&account).Error; err != nil {
		log.Printf("⚠️ Failed to persist account error state: %v", err)
	}
}
