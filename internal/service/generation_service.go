package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"genrelay/internal/chat"
	"genrelay/internal/infrastructure/runpod"
	"genrelay/internal/ledger"
	"genrelay/internal/metrics"
	"genrelay/internal/model"
	"genrelay/internal/repository"

	"go.uber.org/zap"
)

var ErrPollTimeout = errors.New("等待生成结果超时")

// JobBackend 生成任务后端
type JobBackend interface {
	Submit(ctx context.Context, wf runpod.Workflow) (string, error)
	Status(ctx context.Context, jobID string) (*runpod.JobStatus, error)
}

// GenerationService 在后台执行生成任务：提交、轮询、回传图片、记账
//
// 额度在入队前已扣减，任务失败不退还。
type GenerationService struct {
	store     *ledger.Store
	admission *Admission
	backend   JobBackend
	workflow  runpod.Workflow
	messenger chat.Messenger
	metrics   *metrics.Metrics
	interval  time.Duration
	timeout   time.Duration
	log       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewGenerationService(store *ledger.Store, admission *Admission, backend JobBackend, workflow runpod.Workflow,
	messenger chat.Messenger, m *metrics.Metrics, interval, timeout time.Duration, log *zap.Logger) *GenerationService {
	ctx, cancel := context.WithCancel(context.Background())
	return &GenerationService{
		store:     store,
		admission: admission,
		backend:   backend,
		workflow:  workflow,
		messenger: messenger,
		metrics:   m,
		interval:  interval,
		timeout:   timeout,
		log:       log.Named("GenerationService"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start 后台执行生成；调用方必须已通过 Admission.TryAdmit，任务结束时由本服务释放
func (s *GenerationService) Start(chatID int64, gen *model.Generation) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run(s.ctx, chatID, gen)
	}()
}

// Close 等待进行中的任务完成；ctx 到期后取消剩余轮询，再等待其退出
func (s *GenerationService) Close(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("等待生成任务超时，取消剩余任务", zap.Error(ctx.Err()))
		s.cancel()
		<-done
	}
	s.cancel()
}

// Run 同步执行一次生成
func (s *GenerationService) Run(ctx context.Context, chatID int64, gen *model.Generation) {
	s.metrics.ActiveGenerations.Inc()
	defer func() {
		s.metrics.ActiveGenerations.Dec()
		s.admission.Release(gen.UserID)
	}()

	fields := []zap.Field{zap.Int64("user_id", gen.UserID), zap.Int64("generation_id", gen.ID)}
	s.log.Info("开始生成", fields...)

	if err := s.generate(ctx, chatID, gen); err != nil {
		s.log.Error("生成失败", append(fields, zap.Error(err))...)
		s.metrics.Generations.WithLabelValues(model.GenerationStatusFailed).Inc()

		bg := context.WithoutCancel(ctx)
		if ferr := s.store.FailGeneration(bg, gen.ID, err.Error()); ferr != nil {
			s.log.Error("记录生成失败状态失败", append(fields, zap.Error(ferr))...)
		}
		s.send(bg, chat.Message{
			ChatID: chatID,
			Text:   fmt.Sprintf("❌ Generation failed: %s\n\nPlease try again or contact support.", truncate(err.Error(), 300)),
		})
		return
	}

	s.metrics.Generations.WithLabelValues(model.GenerationStatusCompleted).Inc()
	s.log.Info("生成完成", fields...)
}

func (s *GenerationService) generate(ctx context.Context, chatID int64, gen *model.Generation) error {
	s.send(ctx, chat.Message{ChatID: chatID, Text: "🎨 Generating your image...\n⏱️ This takes ~30-60 seconds"})

	wf, err := s.workflow.Prepare(gen.Prompt)
	if err != nil {
		return err
	}
	jobID, err := s.backend.Submit(ctx, wf)
	if err != nil {
		return fmt.Errorf("提交任务失败: %w", err)
	}

	status := model.GenerationStatusProcessing
	if err := s.store.UpdateGeneration(ctx, gen.ID, repository.GenerationPatch{Status: &status, JobID: &jobID}); err != nil {
		s.log.Warn("更新生成记录失败", zap.Int64("generation_id", gen.ID), zap.Error(err))
	}
	s.send(ctx, chat.Message{
		ChatID:   chatID,
		Text:     fmt.Sprintf("⏳ Job ID: `%s`\nPolling for completion...", jobID),
		Markdown: true,
	})

	result, err := s.poll(ctx, jobID)
	if err != nil {
		return err
	}
	img, err := result.Image()
	if err != nil {
		return err
	}

	if err := s.messenger.SendPhoto(ctx, chatID, img, "✅ Complete!\n\n"+truncate(gen.Prompt, 100)); err != nil {
		return fmt.Errorf("发送图片失败: %w", err)
	}
	if err := s.store.FinishGeneration(context.WithoutCancel(ctx), gen.ID, gen.UserID); err != nil {
		// 图片已送达，只记日志
		s.log.Error("记录生成完成失败", zap.Int64("generation_id", gen.ID), zap.Error(err))
	}
	return nil
}

// poll 固定间隔轮询直到终态或超时，查询本身出错时按同样间隔重试
func (s *GenerationService) poll(ctx context.Context, jobID string) (*runpod.JobStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: job %s", ErrPollTimeout, jobID)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}

		st, err := s.backend.Status(ctx, jobID)
		if err != nil {
			s.log.Warn("查询任务状态失败", zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		switch {
		case st.Done():
			return st, nil
		case st.Failed():
			reason := st.Error
			if reason == "" {
				reason = st.Status
			}
			return nil, fmt.Errorf("%w: %s", runpod.ErrJobFailed, reason)
		}
	}
}

func (s *GenerationService) send(ctx context.Context, msg chat.Message) {
	if err := s.messenger.SendMessage(ctx, msg); err != nil {
		s.log.Warn("发送消息失败", zap.Int64("chat_id", msg.ChatID), zap.Error(err))
	}
}

// truncate 按字符截断
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
