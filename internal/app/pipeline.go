package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"filler/internal/config"
	"filler/internal/dispatch"
	"filler/internal/feed"
	"filler/internal/identity"
	"filler/internal/ledger"
	"filler/internal/market"
	"filler/internal/monitor"
	"filler/internal/orderbook"
	"filler/internal/price"
	"filler/internal/queue"
	"filler/internal/store"
	"filler/internal/strategy"
)

// dependencies 为可替换的外部协作方，为空时按配置创建。
type dependencies struct {
	ledger  ledger.Client
	source  price.Source
	deriver identity.Deriver
}

type pipeline struct {
	market     market.MarketConfig
	book       *orderbook.Book
	queue      *queue.Queue
	pool       *identity.Pool
	oracle     *price.Oracle
	feed       *feed.Subscriber
	engine     *strategy.Engine
	dispatcher *dispatch.Dispatcher
	monitor    *monitor.Service
	pending    *store.PendingRepository
	logger     *zap.Logger
}

func newPipeline(ctx context.Context, cfg *config.Config, deps dependencies, st *store.Store, logger *zap.Logger) (*pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	marketID := cfg.PrimaryMarket()
	if len(cfg.Markets) > 1 {
		logger.Warn("仅使用第一个市场", zap.String("market", marketID), zap.Strings("ignored", cfg.Markets[1:]))
	}

	client := deps.ledger
	if client == nil {
		client = newLedgerClient(cfg, marketID, logger)
	}

	marketCfg, err := client.MarketConfig(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("查询市场配置失败: %w", err)
	}

	baseMeta, err := resolveAsset(cfg, &marketCfg.Base, logger)
	if err != nil {
		return nil, err
	}
	quoteMeta, err := resolveAsset(cfg, &marketCfg.Quote, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("市场配置已加载",
		zap.String("market", marketID),
		zap.String("base", marketCfg.Base.Symbol),
		zap.Uint8("base_decimals", marketCfg.Base.Decimals),
		zap.String("quote", marketCfg.Quote.Symbol),
		zap.Uint8("quote_decimals", marketCfg.Quote.Decimals),
	)

	source := deps.source
	if source == nil {
		if source, err = newPriceSource(cfg, logger); err != nil {
			return nil, err
		}
	}

	deriver := deps.deriver
	if deriver == nil {
		hd, err := identity.NewHDDeriver(cfg.Secrets.Mnemonic, cfg.Identity.DerivationPath)
		if err != nil {
			return nil, err
		}
		deriver = hd
	}
	pool, err := identity.NewPool(deriver, cfg.Identity.PoolSize, cfg.Identity.PartitionOffset)
	if err != nil {
		return nil, err
	}
	for _, id := range pool.Identities() {
		logger.Info("交易身份", zap.Int("index", id.Index), zap.Int("derivation", id.DerivationIndex), zap.String("address", id.Address.Hex()))
	}

	monitorSvc, err := monitor.NewService(st, logger)
	if err != nil {
		return nil, err
	}
	pending, err := store.NewPendingRepository(st)
	if err != nil {
		return nil, err
	}

	q := queue.New(cfg.Dispatch.BatchSize)
	restored, err := pending.Load(ctx)
	if err != nil {
		return nil, err
	}
	if len(restored) > 0 {
		q.PushBack(restored...)
		if err := pending.Clear(ctx); err != nil {
			return nil, err
		}
		logger.Info("已恢复上次停机时的待提交操作", zap.Int("count", len(restored)))
		monitorSvc.RecordPending(ctx, "restored", len(restored))
	}

	policy, err := strategy.NewPolicy(cfg.Strategy.Policy, cfg.Strategy.MinAmount, cfg.Strategy.MaxAmount, marketCfg.Base.Decimals)
	if err != nil {
		return nil, err
	}

	book := orderbook.New()
	oracle := price.NewOracle(source, price.Pair{
		BaseID:   baseMeta.PriceID,
		QuoteID:  quoteMeta.PriceID,
		Decimals: marketCfg.Quote.Decimals,
	}, cfg.Price.PollInterval, logger)
	oracle.SetErrorRecorder(monitorSvc)

	subscriber := feed.NewSubscriber(cfg.Feed, book, logger)
	subscriber.SetErrorRecorder(monitorSvc)

	return &pipeline{
		market: marketCfg,
		book:   book,
		queue:  q,
		pool:   pool,
		oracle: oracle,
		feed:   subscriber,
		engine: strategy.NewEngine(book, oracle, policy, q, cfg.Strategy.Interval, logger),
		dispatcher: dispatch.New(q, pool, client, monitorSvc, dispatch.Options{
			BatchSize:          cfg.Dispatch.BatchSize,
			FlushCheckInterval: cfg.Dispatch.FlushCheckInterval,
			MaxInFlight:        cfg.Dispatch.MaxInFlight,
			SubmitTimeout:      cfg.Dispatch.SubmitTimeout,
		}, logger),
		monitor: monitorSvc,
		pending: pending,
		logger:  logger,
	}, nil
}

// resolveAsset 以账本返回的精度为准补全资产符号，返回配置中的元数据。
func resolveAsset(cfg *config.Config, asset *market.Asset, logger *zap.Logger) (config.AssetConfig, error) {
	meta, ok := cfg.Asset(asset.ID)
	if !ok {
		return config.AssetConfig{}, fmt.Errorf("assets 中缺少资产 %s", asset.ID)
	}
	if meta.Decimals != 0 && meta.Decimals != asset.Decimals {
		logger.Warn("资产精度与账本不一致，以账本为准",
			zap.String("asset", asset.ID),
			zap.Uint8("configured", meta.Decimals),
			zap.Uint8("ledger", asset.Decimals),
		)
	}
	asset.Symbol = meta.Symbol
	return meta, nil
}

func newLedgerClient(cfg *config.Config, marketID string, logger *zap.Logger) ledger.Client {
	if strings.EqualFold(cfg.Ledger.Mode, "rpc") {
		return ledger.NewHTTPClient(cfg.Ledger, cfg.Dispatch, marketID, logger)
	}
	logger.Warn("账本处于模拟模式，不会产生真实交易")
	return ledger.NewSimulatedClient(marketID, cfg.Ledger.Simulate, logger)
}

func newPriceSource(cfg *config.Config, logger *zap.Logger) (price.Source, error) {
	switch strings.ToLower(cfg.Price.Source) {
	case "exchange":
		src, err := price.NewExchangeSource(cfg.Price.Exchange, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化交易所价格源失败: %w", err)
		}
		return src, nil
	default:
		return price.NewCoinGeckoSource(cfg.Price, cfg.Secrets.PriceAPIKey, logger), nil
	}
}

// Status 为运行状态快照。
type Status struct {
	Market         string  `json:"market"`
	QueueLen       int     `json:"queue_len"`
	BestBid        *uint64 `json:"best_bid"`
	BestAsk        *uint64 `json:"best_ask"`
	ExternalPrice  *uint64 `json:"external_price"`
	PriceUpdatedAt string  `json:"price_updated_at,omitempty"`
	Cursor         int     `json:"cursor"`
	Identities     int     `json:"identities"`
	InFlight       int     `json:"in_flight"`
}

func (p *pipeline) status() Status {
	view := p.book.Snapshot()
	s := Status{
		Market:     p.market.MarketID,
		QueueLen:   p.queue.Len(),
		Cursor:     p.pool.Cursor(),
		Identities: p.pool.Size(),
		InFlight:   p.dispatcher.InFlight(),
	}
	if view.BestBid != nil {
		bid := view.BestBid.Price
		s.BestBid = &bid
	}
	if view.BestAsk != nil {
		ask := view.BestAsk.Price
		s.BestAsk = &ask
	}
	if px, ok := p.oracle.Price(); ok {
		s.ExternalPrice = &px
		s.PriceUpdatedAt = p.oracle.UpdatedAt().Format(time.RFC3339Nano)
	}
	return s
}

// persistPending 关闭队列并保存剩余操作。
func (p *pipeline) persistPending(ctx context.Context) error {
	p.queue.Close()
	remaining := p.queue.Drain(p.queue.Len())
	if len(remaining) == 0 {
		return nil
	}
	if err := p.pending.Save(ctx, remaining); err != nil {
		p.queue.PushBack(remaining...)
		return err
	}
	p.logger.Info("已保存待提交操作", zap.Int("count", len(remaining)))
	p.monitor.RecordPending(ctx, "saved", len(remaining))
	return nil
}
