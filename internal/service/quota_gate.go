package service

import (
	"context"
	"errors"
	"sync"

	"genrelay/internal/ledger"
	"genrelay/internal/model"

	"golang.org/x/sync/semaphore"
)

var (
	ErrQuotaExhausted = ledger.ErrQuotaExhausted
	ErrAlreadyRunning = errors.New("该用户已有生成任务在进行")
	ErrServerBusy     = errors.New("并发生成数已达上限")
)

// Admission 生成任务的准入控制：每个用户同时最多一个任务，全局任务数不超过上限
type Admission struct {
	mu     sync.Mutex
	active map[int64]struct{}
	sem    *semaphore.Weighted
	max    int
}

func NewAdmission(max int) *Admission {
	return &Admission{
		active: make(map[int64]struct{}),
		sem:    semaphore.NewWeighted(int64(max)),
		max:    max,
	}
}

// TryAdmit 不阻塞；成功后必须调用 Release
func (a *Admission) TryAdmit(userID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.active[userID]; ok {
		return ErrAlreadyRunning
	}
	if !a.sem.TryAcquire(1) {
		return ErrServerBusy
	}
	a.active[userID] = struct{}{}
	return nil
}

func (a *Admission) Release(userID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.active[userID]; !ok {
		return
	}
	delete(a.active, userID)
	a.sem.Release(1)
}

func (a *Admission) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

func (a *Admission) Max() int {
	return a.max
}

// Balance 用户额度概览
type Balance struct {
	QuotaEnabled   bool  `json:"quota_enabled"`
	Credits        int64 `json:"credits"`
	FreeUsed       int   `json:"free_used"`
	FreeRemaining  int   `json:"free_remaining"`
	DailyAllowance int   `json:"daily_allowance"`
	TotalGenerated int64 `json:"total_generated"`
}

// QuotaGate 生成前的额度检查与扣减
type QuotaGate struct {
	store     *ledger.Store
	enabled   bool
	allowance int
}

func NewQuotaGate(store *ledger.Store, enabled bool, allowance int) *QuotaGate {
	return &QuotaGate{
		store:     store,
		enabled:   enabled,
		allowance: allowance,
	}
}

func (g *QuotaGate) Enabled() bool {
	return g.enabled
}

// Consume 扣减一次额度；关闭额度系统时不扣减，直接放行
func (g *QuotaGate) Consume(ctx context.Context, userID int64, refNo string) (*ledger.QuotaResult, error) {
	if !g.enabled {
		return &ledger.QuotaResult{Source: ledger.SourceUnlimited}, nil
	}
	return g.store.ConsumeQuota(ctx, userID, g.allowance, refNo)
}

// ConsumeForGeneration 扣减额度并新建生成记录，两者同时成功或同时失败
func (g *QuotaGate) ConsumeForGeneration(ctx context.Context, userID int64, prompt string) (*ledger.QuotaResult, *model.Generation, error) {
	if !g.enabled {
		gen, err := g.store.RecordGeneration(ctx, userID, prompt)
		if err != nil {
			return nil, nil, err
		}
		return &ledger.QuotaResult{Source: ledger.SourceUnlimited}, gen, nil
	}
	return g.store.ConsumeForGeneration(ctx, userID, g.allowance, prompt)
}

func (g *QuotaGate) Balance(ctx context.Context, userID int64) (*Balance, error) {
	user, err := g.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	remaining := g.allowance - user.FreeUsed
	if remaining < 0 {
		remaining = 0
	}
	return &Balance{
		QuotaEnabled:   g.enabled,
		Credits:        user.Credits,
		FreeUsed:       user.FreeUsed,
		FreeRemaining:  remaining,
		DailyAllowance: g.allowance,
		TotalGenerated: user.TotalGenerated,
	}, nil
}
