package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"genrelay/internal/model"
	"genrelay/internal/repository"
	"genrelay/pkg/idgen"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInsufficientCredits = repository.ErrCreditsNotEnough
	ErrTransactionNotFound = repository.ErrTransactionNotFound
	ErrQuotaExhausted      = errors.New("额度已用完")
	ErrNotClaimed          = errors.New("交易未处于 processing 状态")
	ErrInvalidAmount       = errors.New("积分变动不能为 0")
)

// 额度来源
const (
	SourceFree      = "free"
	SourceCredit    = "credit"
	SourceUnlimited = "unlimited"
)

// QuotaResult 一次生成额度扣减的结果
type QuotaResult struct {
	Source        string `json:"source"`
	FreeRemaining int    `json:"free_remaining"`
	Credits       int64  `json:"credits"`
}

// Stats 运营统计
type Stats struct {
	TotalUsers  int64            `json:"total_users"`
	Generations map[string]int64 `json:"generations"`
}

// Store 账本存储，用户额度、支付交易、生成记录的唯一数据来源
//
// 所有写操作先取 WriteLock，涉及多行时在同一个数据库事务内完成；读操作不加锁、不缓存。
type Store struct {
	db          *gorm.DB
	lock        WriteLock
	users       *repository.UserRepository
	payments    *repository.PaymentRepository
	generations *repository.GenerationRepository
	creditLogs  *repository.CreditLogRepository
	log         *zap.Logger
	now         func() time.Time
}

func NewStore(db *gorm.DB, lock WriteLock, log *zap.Logger) *Store {
	return &Store{
		db:          db,
		lock:        lock,
		users:       repository.NewUserRepository(db),
		payments:    repository.NewPaymentRepository(db),
		generations: repository.NewGenerationRepository(db),
		creditLogs:  repository.NewCreditLogRepository(db),
		log:         log.Named("LedgerStore"),
		now:         time.Now,
	}
}

func (s *Store) today() string {
	return s.now().Format(model.LastResetLayout)
}

// write 在写锁内执行一个数据库事务
func (s *Store) write(ctx context.Context, fn func(tx *gorm.DB) error) error {
	release, err := s.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return s.db.WithContext(ctx).Transaction(fn)
}

// loadUser 建档并做每日重置，必须在事务内调用
func (s *Store) loadUser(ctx context.Context, tx *gorm.DB, userID int64) (*model.User, error) {
	today := s.today()
	user, err := s.users.GetOrCreate(ctx, tx, userID, today)
	if err != nil {
		return nil, fmt.Errorf("加载用户失败: %w", err)
	}
	if user.LastReset == today {
		return user, nil
	}

	if _, err := s.users.ResetDaily(ctx, tx, userID, today); err != nil {
		return nil, fmt.Errorf("重置每日免费额度失败: %w", err)
	}
	user.FreeUsed = 0
	user.LastReset = today
	return user, nil
}

// GetUser 读取用户，首次访问时建档，跨日首次访问时清零 free_used
func (s *Store) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	var user *model.User
	err := s.write(ctx, func(tx *gorm.DB) error {
		var err error
		user, err = s.loadUser(ctx, tx, userID)
		return err
	})
	return user, err
}

// AdjustCredits 调整积分并记流水，返回调整后的余额；结果为负时返回 ErrInsufficientCredits
func (s *Store) AdjustCredits(ctx context.Context, userID, delta int64, kind, refNo, remark string) (int64, error) {
	if delta == 0 {
		return 0, ErrInvalidAmount
	}

	var balance int64
	err := s.write(ctx, func(tx *gorm.DB) error {
		user, err := s.loadUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		balance, err = s.applyCredits(ctx, tx, user, delta, idgen.GenerateLogNo(), kind, refNo, remark)
		return err
	})
	return balance, err
}

func (s *Store) applyCredits(ctx context.Context, tx *gorm.DB, user *model.User, delta int64, logNo, kind, refNo, remark string) (int64, error) {
	if err := s.users.AddCredits(ctx, tx, user.UserID, delta); err != nil {
		return 0, err
	}

	entry := &model.CreditLog{
		LogNo:         logNo,
		UserID:        user.UserID,
		RefNo:         refNo,
		Amount:        delta,
		Type:          kind,
		BalanceBefore: user.Credits,
		BalanceAfter:  user.Credits + delta,
		Remark:        remark,
	}
	if err := s.creditLogs.Create(ctx, tx, entry); err != nil {
		return 0, fmt.Errorf("记录积分流水失败: %w", err)
	}
	user.Credits += delta
	return user.Credits, nil
}

// ConsumeQuota 扣减一次生成额度：先用当日免费次数，再扣 1 积分
func (s *Store) ConsumeQuota(ctx context.Context, userID int64, allowance int, refNo string) (*QuotaResult, error) {
	var result *QuotaResult
	err := s.write(ctx, func(tx *gorm.DB) error {
		user, err := s.loadUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		result, err = s.consume(ctx, tx, user, allowance, func() (string, error) { return refNo, nil })
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ConsumeForGeneration 在同一个事务内新建 queued 生成记录并扣减额度，
// 积分扣减流水的 ref_no 为该生成记录；额度不足时不留下生成记录
func (s *Store) ConsumeForGeneration(ctx context.Context, userID int64, allowance int, prompt string) (*QuotaResult, *model.Generation, error) {
	var (
		result *QuotaResult
		gen    *model.Generation
	)
	err := s.write(ctx, func(tx *gorm.DB) error {
		user, err := s.loadUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		result, err = s.consume(ctx, tx, user, allowance, func() (string, error) {
			gen, err = s.createGeneration(ctx, tx, userID, prompt)
			if err != nil {
				return "", err
			}
			return model.GenerationRefNo(gen.ID), nil
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return result, gen, nil
}

// consume 额度判断与扣减，admit 在确认有额度后、扣减前调用并返回流水关联单号
func (s *Store) consume(ctx context.Context, tx *gorm.DB, user *model.User, allowance int, admit func() (string, error)) (*QuotaResult, error) {
	if user.FreeUsed < allowance {
		if _, err := admit(); err != nil {
			return nil, err
		}
		if err := s.users.UseFree(ctx, tx, user.UserID, allowance); err != nil {
			return nil, err
		}
		return &QuotaResult{
			Source:        SourceFree,
			FreeRemaining: allowance - user.FreeUsed - 1,
			Credits:       user.Credits,
		}, nil
	}

	if user.Credits < 1 {
		return nil, ErrQuotaExhausted
	}
	refNo, err := admit()
	if err != nil {
		return nil, err
	}
	balance, err := s.applyCredits(ctx, tx, user, -1, idgen.GenerateLogNo(), model.CreditLogTypeGeneration, refNo, "生成扣减")
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			return nil, ErrQuotaExhausted
		}
		return nil, err
	}
	return &QuotaResult{Source: SourceCredit, Credits: balance}, nil
}

// CreateTransaction 写入一条新的支付交易
func (s *Store) CreateTransaction(ctx context.Context, trans *model.PaymentTransaction) error {
	return s.write(ctx, func(tx *gorm.DB) error {
		return s.payments.Create(ctx, tx, trans)
	})
}

func (s *Store) GetTransaction(ctx context.Context, orderID string) (*model.PaymentTransaction, error) {
	return s.payments.GetByOrderID(ctx, nil, orderID)
}

func (s *Store) ListTransactions(ctx context.Context, userID int64, page, pageSize int) ([]*model.PaymentTransaction, int64, error) {
	return s.payments.ListByUserID(ctx, userID, page, pageSize)
}

func (s *Store) ListCreditLogs(ctx context.Context, userID int64, page, pageSize int) ([]*model.CreditLog, int64, error) {
	return s.creditLogs.ListByUserID(ctx, userID, page, pageSize)
}

// CompletePurchase 给已抢占（processing）的交易入账
//
// 【关键点】入账、写流水、processing -> completed 在同一个事务内，任何一步失败整体回滚，
// 交易仍停留在 processing，由调用方释放回 pending。
func (s *Store) CompletePurchase(ctx context.Context, orderID string, paidAmountUSD *float64) (*model.PaymentTransaction, int64, error) {
	var (
		trans   *model.PaymentTransaction
		balance int64
	)
	err := s.write(ctx, func(tx *gorm.DB) error {
		var err error
		trans, err = s.payments.GetByOrderID(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if trans.Status != model.PaymentStatusProcessing {
			return ErrNotClaimed
		}

		user, err := s.loadUser(ctx, tx, trans.UserID)
		if err != nil {
			return err
		}
		balance, err = s.applyCredits(ctx, tx, user, trans.Credits, model.PurchaseLogNo(orderID),
			model.CreditLogTypePurchase, orderID, fmt.Sprintf("购买套餐 %s", trans.PackageID))
		if err != nil {
			return fmt.Errorf("入账失败: %w", err)
		}

		now := s.now()
		ok, err := s.payments.CompareAndSetStatus(ctx, tx, orderID,
			[]string{model.PaymentStatusProcessing}, model.PaymentStatusCompleted,
			&repository.TransactionPatch{PaidAmountUSD: paidAmountUSD, CompletedAt: &now})
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotClaimed
		}

		trans.Status = model.PaymentStatusCompleted
		trans.PaidAmountUSD = paidAmountUSD
		trans.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return trans, balance, nil
}

// HasPurchaseCredit 该订单是否已有购买入账流水
func (s *Store) HasPurchaseCredit(ctx context.Context, orderID string) (bool, error) {
	entry, err := s.creditLogs.GetByLogNo(ctx, model.PurchaseLogNo(orderID))
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

// ListStale 指定状态下超过 age 未更新的交易
func (s *Store) ListStale(ctx context.Context, status string, age time.Duration, limit int) ([]*model.PaymentTransaction, error) {
	return s.payments.ListByStatusBefore(ctx, status, s.now().Add(-age), limit)
}

// RecordGeneration 新建一条 queued 状态的生成记录
func (s *Store) RecordGeneration(ctx context.Context, userID int64, prompt string) (*model.Generation, error) {
	var gen *model.Generation
	err := s.write(ctx, func(tx *gorm.DB) error {
		var err error
		gen, err = s.createGeneration(ctx, tx, userID, prompt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return gen, nil
}

func (s *Store) createGeneration(ctx context.Context, tx *gorm.DB, userID int64, prompt string) (*model.Generation, error) {
	gen := &model.Generation{
		UserID: userID,
		Prompt: prompt,
		Status: model.GenerationStatusQueued,
	}
	if err := s.generations.Create(ctx, tx, gen); err != nil {
		return nil, err
	}
	return gen, nil
}

func (s *Store) UpdateGeneration(ctx context.Context, id int64, patch repository.GenerationPatch) error {
	return s.write(ctx, func(tx *gorm.DB) error {
		return s.generations.Update(ctx, tx, id, patch)
	})
}

// FinishGeneration 标记生成成功并累加用户的生成次数
func (s *Store) FinishGeneration(ctx context.Context, id, userID int64) error {
	status := model.GenerationStatusCompleted
	now := s.now()
	return s.write(ctx, func(tx *gorm.DB) error {
		if err := s.generations.Update(ctx, tx, id, repository.GenerationPatch{Status: &status, CompletedAt: &now}); err != nil {
			return err
		}
		return s.users.IncrementGenerated(ctx, tx, userID)
	})
}

// FailGeneration 记录生成失败原因，不退还额度
func (s *Store) FailGeneration(ctx context.Context, id int64, reason string) error {
	status := model.GenerationStatusFailed
	now := s.now()
	return s.UpdateGeneration(ctx, id, repository.GenerationPatch{Status: &status, ErrorMessage: &reason, CompletedAt: &now})
}

func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	users, err := s.users.Count(ctx)
	if err != nil {
		return nil, err
	}
	gens, err := s.generations.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{TotalUsers: users, Generations: gens}, nil
}
