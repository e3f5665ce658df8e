package workflow

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"Idolly-Chain/internal/catalog"
	"Idolly-Chain/internal/content"
	xerrors "Idolly-Chain/internal/errors"
	"Idolly-Chain/internal/idempotency"
	"Idolly-Chain/internal/ledger"
	"Idolly-Chain/internal/observability/alerting"
	"Idolly-Chain/internal/observability/metrics"
	"Idolly-Chain/internal/registry"
	"Idolly-Chain/pkg/logger"
)

// 默认的步骤重试策略。
const (
	defaultMaxAttempts = 5
	defaultBaseBackoff = time.Second
	defaultMaxBackoff  = 60 * time.Second
	defaultStepTimeout = 30 * time.Second
	defaultLockTTL     = 10 * time.Minute
	defaultTokenGrace  = 24 * time.Hour
)

// Engine 是编排核心：消费触发，按工作流类型把多步外部调用串成一个
// 原子外观的工作流，持久化进度并上报终局结果。
type Engine struct {
	registry *registry.Registry
	store    Store
	idem     idempotency.Store
	catalog  catalog.Store
	ledger   ledger.Gateway
	content  content.Gateway
	limiter  *Limiter
	hub      *Hub
	consumer Consumer
	alerter  alerting.Dispatcher

	workerCount int
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	stepTimeout time.Duration
	lockTTL     time.Duration
	tokenGrace  time.Duration
}

// EngineOption 定义可选配置。
type EngineOption func(*Engine)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) EngineOption {
	return func(e *Engine) {
		if workers > 0 {
			e.workerCount = workers
		}
	}
}

// WithRetryPolicy 设置步骤重试策略。
func WithRetryPolicy(maxAttempts int, base, cap time.Duration) EngineOption {
	return func(e *Engine) {
		if maxAttempts > 0 {
			e.maxAttempts = maxAttempts
		}
		if base > 0 {
			e.baseBackoff = base
		}
		if cap > 0 {
			e.maxBackoff = cap
		}
	}
}

// WithStepTimeout 设置单步外部调用的超时时间。
func WithStepTimeout(timeout time.Duration) EngineOption {
	return func(e *Engine) {
		if timeout > 0 {
			e.stepTimeout = timeout
		}
	}
}

// WithCatalog 配置资产目录，用于记录注册产物与对账。
func WithCatalog(store catalog.Store) EngineOption {
	return func(e *Engine) {
		e.catalog = store
	}
}

// WithHub 配置状态订阅分发器。
func WithHub(hub *Hub) EngineOption {
	return func(e *Engine) {
		e.hub = hub
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) EngineOption {
	return func(e *Engine) {
		e.alerter = dispatcher
	}
}

// WithTokenGrace 设置未消费令牌进入对账的宽限期。
func WithTokenGrace(grace time.Duration) EngineOption {
	return func(e *Engine) {
		if grace > 0 {
			e.tokenGrace = grace
		}
	}
}

// NewEngine 构造 Engine。
func NewEngine(
	reg *registry.Registry,
	store Store,
	idem idempotency.Store,
	ledgerGW ledger.Gateway,
	contentGW content.Gateway,
	limiter *Limiter,
	consumer Consumer,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		registry:    reg,
		store:       store,
		idem:        idem,
		ledger:      ledgerGW,
		content:     contentGW,
		limiter:     limiter,
		consumer:    consumer,
		workerCount: 4,
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		maxBackoff:  defaultMaxBackoff,
		stepTimeout: defaultStepTimeout,
		lockTTL:     defaultLockTTL,
		tokenGrace:  defaultTokenGrace,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.limiter == nil {
		e.limiter = NewLimiter(0)
	}
	return e
}

// Start 启动触发消费循环，阻塞直到 ctx 取消。
func (e *Engine) Start(ctx context.Context) error {
	if e.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置触发消费者")
	}
	return e.consumer.Consume(ctx, e.workerCount, e.Handle)
}

// Handle 处理一次触发。准入、领取、逐步执行、落终态，
// 任何终态都会释放准入额度并通知订阅方。
func (e *Engine) Handle(ctx context.Context, trigger Trigger) error {
	if e.store == nil || e.registry == nil || e.idem == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "引擎未初始化")
	}

	workflowID := trigger.Fingerprint()
	record, err := e.store.Get(ctx, workflowID)
	if err != nil {
		if !stdErrors.Is(err, ErrWorkflowNotFound) {
			return err
		}
		record = recordFromTrigger(trigger, e.maxAttempts)
		if createErr := e.store.Create(ctx, record); createErr != nil {
			if !stdErrors.Is(createErr, ErrWorkflowConflict) {
				return createErr
			}
			record, err = e.store.Get(ctx, workflowID)
			if err != nil {
				return err
			}
		}
	}
	if record.Terminal() {
		return nil
	}

	// 准入控制：全局上限加每智能体串行化。被拒绝的触发落盘为 aborted，
	// 周期触发由下一个调度桶自然重试。
	permit, admitted := e.limiter.TryAdmit(trigger.AgentID)
	if !admitted {
		e.markAborted(ctx, record, xerrors.CodeAdmissionRejected, "并发额度不足，触发被丢弃")
		return nil
	}
	metrics.SetWorkflowsInFlight(int64(e.limiter.InFlight()))
	defer func() {
		permit.Release()
		metrics.SetWorkflowsInFlight(int64(e.limiter.InFlight()))
	}()

	// 工作流指纹上的 CAS 门闩：同一指纹绝不允许两份在途执行。
	acquired, err := e.idem.Acquire(ctx, workflowID, e.lockTTL)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取工作流门闩失败")
	}
	if !acquired {
		logger.L().Debug("工作流门闩被占用，跳过", slog.String("workflow_id", workflowID))
		return nil
	}
	defer func() {
		if releaseErr := e.idem.Release(context.WithoutCancel(ctx), workflowID); releaseErr != nil {
			logger.L().Error("释放工作流门闩失败", slog.Any("error", releaseErr), slog.String("workflow_id", workflowID))
		}
	}()

	record, err = e.store.Claim(ctx, workflowID)
	if err != nil {
		if stdErrors.Is(err, ErrWorkflowCompleted) {
			return nil
		}
		return err
	}
	e.notify(record)

	agent, err := e.registry.Get(ctx, trigger.AgentID)
	if err != nil {
		e.markFailed(ctx, record, xerrors.CodeOf(err), err.Error())
		return nil
	}

	// 注册触发被接纳后立即进入 Registering。
	if trigger.Type == TypeRegistration && agent.State == registry.StateCreated {
		agent, err = e.registry.Transition(ctx, agent.ID, registry.EventBeginRegistration)
		if err != nil {
			e.markFailed(ctx, record, xerrors.CodeOf(err), err.Error())
			return nil
		}
	}

	ex := &execution{record: record, agent: agent, trigger: trigger}
	steps, err := e.stepsFor(ex)
	if err != nil {
		e.markAborted(ctx, record, xerrors.CodeOf(err), err.Error())
		return nil
	}

	e.run(ctx, ex, steps)
	return nil
}

// run 从持久化的断点开始逐步执行，在步骤边界检查取消与停止信号。
func (e *Engine) run(ctx context.Context, ex *execution, steps []step) {
	record := ex.record
	stop := e.registry.StopSignal(ex.agent.ID)

	// 已完成的步骤从幂等存储重放，重建跨步骤状态，绝不重新发起外部调用。
	for idx := 0; idx < record.StepIndex && idx < len(steps); idx++ {
		fingerprint, err := idempotency.StepFingerprint(record.ID, idx, steps[idx].name)
		if err != nil {
			e.markFailed(ctx, record, xerrors.CodeStorageFailure, err.Error())
			return
		}
		raw, hit, err := e.idem.GetStep(ctx, fingerprint)
		if err != nil {
			e.markFailed(ctx, record, xerrors.CodeStorageFailure, err.Error())
			return
		}
		if !hit {
			// 断点领先于缓存说明保留窗口已过，保守地从该步重新执行。
			record.StepIndex = idx
			break
		}
		if err := steps[idx].apply(ex, raw); err != nil {
			e.markFailed(ctx, record, xerrors.CodeOf(err), err.Error())
			return
		}
	}

	for idx := record.StepIndex; idx < len(steps); idx++ {
		// 协作式取消：只在步骤边界中止，绝不打断进行中的步骤。
		select {
		case <-ctx.Done():
			e.markRetryingQuiet(ctx, record, xerrors.CodeTimeout, "进程退出，等待恢复")
			return
		case <-stop:
			e.markAborted(ctx, record, xerrors.CodeAgentStopped, "智能体已停止")
			return
		default:
		}

		raw, err := e.executeStep(ctx, ex, idx, steps[idx])
		if err != nil {
			e.finishFailure(ctx, ex, steps[idx].name, err)
			return
		}
		if err := steps[idx].apply(ex, raw); err != nil {
			e.markFailed(ctx, record, xerrors.CodeOf(err), err.Error())
			return
		}
		if err := e.store.AdvanceStep(ctx, record.ID, idx+1); err != nil {
			e.markFailed(ctx, record, xerrors.CodeStorageFailure, err.Error())
			return
		}
		record.StepIndex = idx + 1
	}

	if err := e.store.MarkSucceeded(ctx, record.ID, ex.outcome); err != nil {
		logger.L().Error("标记工作流成功状态失败", slog.Any("error", err), slog.String("workflow_id", record.ID))
		return
	}
	record.Status = StatusSucceeded
	e.notify(record)
	metrics.ObserveWorkflowTerminal(string(record.Type), string(StatusSucceeded))
	logger.Audit().Info("工作流执行成功",
		slog.String("workflow_id", record.ID),
		slog.String("agent_id", record.AgentID),
		slog.String("type", string(record.Type)),
		slog.String("asset_id", ex.outcome.AssetID),
	)
}

// executeStep 在幂等契约下执行单个步骤：命中缓存直接复用，
// 否则带超时调用外部协作方，可重试失败按指数退避重试。
func (e *Engine) executeStep(ctx context.Context, ex *execution, idx int, st step) (json.RawMessage, error) {
	record := ex.record
	fingerprint, err := idempotency.StepFingerprint(record.ID, idx, st.name)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "计算步骤指纹失败")
	}
	if raw, hit, err := e.idem.GetStep(ctx, fingerprint); err == nil && hit {
		return raw, nil
	}

	stop := e.registry.StopSignal(ex.agent.ID)
	var lastErr error
	conflictRetried := false
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
		outcome, err := st.invoke(stepCtx, ex)
		cancel()
		if err == nil {
			raw, marshalErr := json.Marshal(outcome)
			if marshalErr != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, marshalErr, "编码步骤结果失败")
			}
			// 结果先落幂等存储再推进断点，重放才是安全的空操作。
			if putErr := e.idem.PutStep(ctx, fingerprint, raw); putErr != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, putErr, "持久化步骤结果失败")
			}
			return raw, nil
		}

		classified := xerrors.Classify(err, fmt.Sprintf("步骤 %s 失败", st.name))
		lastErr = classified
		if !classified.Retryable() {
			// 冲突允许重读最新状态再试一次，仍冲突则按终态处理。
			if classified.Code() != xerrors.CodeConflict || conflictRetried {
				return nil, classified
			}
			conflictRetried = true
		}
		if attempt == e.maxAttempts {
			break
		}

		if markErr := e.store.MarkRetrying(ctx, record.ID, classified.Code(), classified.Error()); markErr != nil {
			return nil, markErr
		}
		record.Status = StatusRetrying
		e.notify(record)
		metrics.ObserveStepRetry(string(record.Type))
		logger.L().Warn("步骤失败，退避后重试",
			slog.String("workflow_id", record.ID),
			slog.String("step", st.name),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", e.maxAttempts),
			slog.Any("error", classified),
		)

		backoff := e.backoffFor(attempt)
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "退避等待被取消")
		case <-stop:
			return nil, xerrors.New(xerrors.CodeAgentStopped, "智能体已停止")
		case <-time.After(backoff):
		}

		if reclaimed, claimErr := e.store.Claim(ctx, record.ID); claimErr == nil {
			record.Attempts = reclaimed.Attempts
			record.Status = StatusRunning
			e.notify(record)
		}
	}
	return nil, xerrors.Wrap(xerrors.CodeRetriesExhausted, lastErr,
		fmt.Sprintf("步骤 %s 重试 %d 次后仍失败", st.name, e.maxAttempts))
}

// backoffFor 返回第 attempt 次失败后的退避时长：基准延迟逐次翻倍并封顶。
func (e *Engine) backoffFor(attempt int) time.Duration {
	backoff := e.baseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= e.maxBackoff {
			return e.maxBackoff
		}
	}
	if backoff > e.maxBackoff {
		return e.maxBackoff
	}
	return backoff
}

// finishFailure 按错误分类落终态：盈利性/策略类与智能体停止中止，
// 资金类失败并暂停智能体，其余（含账本状态非法）失败。已提交的前序步骤不回滚。
func (e *Engine) finishFailure(ctx context.Context, ex *execution, stepName string, err error) {
	record := ex.record
	code := xerrors.CodeOf(err)

	switch code {
	case xerrors.CodeNotProfitable, xerrors.CodePolicyRejected:
		e.markAborted(ctx, record, code, err.Error())
	case xerrors.CodeInsufficientResource:
		e.markFailed(ctx, record, code, err.Error())
		if _, trErr := e.registry.Transition(ctx, ex.agent.ID, registry.EventSuspend); trErr != nil {
			logger.L().Error("暂停智能体失败", slog.Any("error", trErr), slog.String("agent_id", ex.agent.ID))
		}
	case xerrors.CodeAgentStopped:
		e.markAborted(ctx, record, code, err.Error())
	default:
		if record.Type == TypeRegistration {
			e.failRegistration(ctx, ex, code, err)
			return
		}
		e.markFailed(ctx, record, code, err.Error())
	}

	logger.Audit().Warn("工作流执行失败",
		slog.String("workflow_id", record.ID),
		slog.String("agent_id", record.AgentID),
		slog.String("type", string(record.Type)),
		slog.String("step", stepName),
		slog.String("error_code", string(code)),
		slog.String("error", err.Error()),
	)
}

// failRegistration 处理注册工作流的失败收尾：重试耗尽的智能体进入 Stopped。
func (e *Engine) failRegistration(ctx context.Context, ex *execution, code xerrors.Code, err error) {
	e.markFailed(ctx, ex.record, code, err.Error())
	if _, trErr := e.registry.Transition(ctx, ex.agent.ID, registry.EventStop); trErr != nil {
		logger.L().Error("终止注册失败的智能体出错", slog.Any("error", trErr), slog.String("agent_id", ex.agent.ID))
	}
}

func (e *Engine) markFailed(ctx context.Context, record *Record, code xerrors.Code, message string) {
	if err := e.store.MarkFailed(ctx, record.ID, code, message); err != nil {
		logger.L().Error("标记工作流失败状态出错", slog.Any("error", err), slog.String("workflow_id", record.ID))
		return
	}
	record.Status = StatusFailed
	record.ErrorCode = string(code)
	e.notify(record)
	metrics.ObserveWorkflowTerminal(string(record.Type), string(StatusFailed))
	e.emitAlert(ctx, record, code, message)
}

func (e *Engine) markAborted(ctx context.Context, record *Record, code xerrors.Code, message string) {
	if err := e.store.MarkAborted(ctx, record.ID, code, message); err != nil {
		logger.L().Error("标记工作流中止状态出错", slog.Any("error", err), slog.String("workflow_id", record.ID))
		return
	}
	record.Status = StatusAborted
	record.ErrorCode = string(code)
	e.notify(record)
	metrics.ObserveWorkflowTerminal(string(record.Type), string(StatusAborted))
}

func (e *Engine) markRetryingQuiet(ctx context.Context, record *Record, code xerrors.Code, message string) {
	if err := e.store.MarkRetrying(context.WithoutCancel(ctx), record.ID, code, message); err != nil {
		logger.L().Error("回写重试状态出错", slog.Any("error", err), slog.String("workflow_id", record.ID))
		return
	}
	record.Status = StatusRetrying
	e.notify(record)
}

func (e *Engine) notify(record *Record) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(Update{
		WorkflowID: record.ID,
		AgentID:    record.AgentID,
		Type:       record.Type,
		Status:     record.Status,
		StepIndex:  record.StepIndex,
		ErrorCode:  record.ErrorCode,
		UpdatedAt:  time.Now().Unix(),
	})
}

func (e *Engine) emitAlert(ctx context.Context, record *Record, code xerrors.Code, message string) {
	if e.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	if !attrs.Alert {
		return
	}
	event := alerting.Event{
		Code:        code,
		Message:     message,
		Severity:    attrs.Severity,
		AgentID:     record.AgentID,
		WorkflowID:  record.ID,
		Workflow:    string(record.Type),
		Attempts:    record.Attempts,
		MaxAttempts: record.MaxAttempts,
		OccurredAt:  time.Now(),
	}
	if err := e.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("workflow_id", record.ID),
		)
	}
}

// 目录写入是尽力而为的镜像：账本操作已经提交，本地记录失败只记日志，
// 冲突说明是重放。
func (e *Engine) recordAsset(ctx context.Context, record *catalog.AssetRecord) {
	if e.catalog == nil {
		return
	}
	if err := e.catalog.RecordAsset(ctx, record); err != nil && !stdErrors.Is(err, catalog.ErrAssetConflict) {
		logger.L().Error("记录资产失败", slog.Any("error", err), slog.String("asset_id", record.AssetID))
	}
}

func (e *Engine) recordToken(ctx context.Context, token *catalog.LicenseToken) {
	if e.catalog == nil {
		return
	}
	if err := e.catalog.RecordToken(ctx, token); err != nil && xerrors.CodeOf(err) != xerrors.CodeConflict {
		logger.L().Error("记录许可令牌失败", slog.Any("error", err), slog.String("token_id", token.TokenID))
	}
}

func (e *Engine) recordClaim(ctx context.Context, claim *catalog.RoyaltyClaim) {
	if e.catalog == nil {
		return
	}
	if err := e.catalog.RecordClaim(ctx, claim); err != nil {
		logger.L().Error("记录收益失败", slog.Any("error", err), slog.String("claim_id", claim.ID))
	}
}

func (e *Engine) consumeToken(ctx context.Context, tokenID string) {
	if e.catalog == nil || tokenID == "" {
		return
	}
	if err := e.catalog.ConsumeToken(ctx, tokenID); err != nil && !stdErrors.Is(err, catalog.ErrTokenConsumed) {
		logger.L().Error("消费许可令牌失败", slog.Any("error", err), slog.String("token_id", tokenID))
	}
}

func recordFromTrigger(trigger Trigger, maxAttempts int) *Record {
	return &Record{
		ID:          trigger.Fingerprint(),
		AgentID:     trigger.AgentID,
		Type:        trigger.Type,
		BusinessKey: trigger.BusinessKey,
		Trigger:     trigger,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
	}
}
