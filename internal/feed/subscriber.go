package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"filler/internal/config"
	"filler/internal/market"
)

// BookWriter 为订阅器对订单簿的唯一写入能力。
type BookWriter interface {
	Replace(side market.Side, orders []market.Order)
}

// ErrorRecorder 将会话异常写入事件日志。
type ErrorRecorder interface {
	RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{})
}

// Subscriber 维护订单簿推送连接，断线后按固定间隔无限重连。
type Subscriber struct {
	cfg      config.FeedConfig
	book     BookWriter
	dialer   *websocket.Dialer
	recorder ErrorRecorder
	logger   *zap.Logger
}

// NewSubscriber 创建订阅器。
func NewSubscriber(cfg config.FeedConfig, book BookWriter, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	return &Subscriber{
		cfg:  cfg,
		book: book,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Subprotocols:     []string{"graphql-ws"},
		},
		recorder: nopRecorder{},
		logger:   logger.Named("feed"),
	}
}

// SetErrorRecorder 设置会话异常的记录方。
func (s *Subscriber) SetErrorRecorder(r ErrorRecorder) {
	if r == nil {
		r = nopRecorder{}
	}
	s.recorder = r
}

// Run 循环建立会话直到 ctx 结束。
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		if err := s.session(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("订单簿推送会话中断", zap.Error(err))
			s.recorder.RecordError(ctx, "订单簿推送会话中断", err, map[string]interface{}{"url": s.cfg.WSURL})
		}
		if ctx.Err() != nil {
			s.logger.Info("订单簿订阅退出")
			return nil
		}

		s.logger.Info("等待重连", zap.Duration("delay", s.cfg.ReconnectDelay))
		timer := time.NewTimer(s.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("订单簿订阅退出")
			return nil
		case <-timer.C:
		}
	}
}

func (s *Subscriber) session(ctx context.Context) (err error) {
	s.logger.Info("连接订单簿推送", zap.String("url", s.cfg.WSURL))
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("连接推送服务失败: %w", err)
	}

	// ctx 结束时让阻塞中的读取立即返回，写入仍可用于发送退订帧。
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	subscribed := false
	defer func() {
		close(done)
		err = multierr.Append(err, s.teardown(conn, subscribed))
	}()

	if err := s.write(conn, clientMessage{Type: msgConnectionInit}); err != nil {
		return fmt.Errorf("发送握手失败: %w", err)
	}

	for {
		// 超过读超时未收到任何帧（含心跳）视为连接失效。
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return fmt.Errorf("设置读超时失败: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("读取推送失败: %w", err)
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("忽略无法解析的推送", zap.Error(err))
			continue
		}

		switch msg.Type {
		case msgKeepAlive:
			s.logger.Debug("收到心跳")
		case msgConnectionAck:
			if subscribed {
				continue
			}
			for _, side := range []market.Side{market.SideBuy, market.SideSell} {
				if err := s.subscribe(conn, side); err != nil {
					return err
				}
			}
			subscribed = true
		case msgData:
			s.apply(msg)
		case msgError:
			s.logger.Warn("推送服务返回错误", zap.String("id", msg.ID), zap.ByteString("payload", msg.Payload))
		case msgComplete:
			s.logger.Info("订阅已被服务端结束", zap.String("id", msg.ID))
		default:
			s.logger.Debug("忽略未知推送类型", zap.String("type", msg.Type))
		}
	}
}

func (s *Subscriber) subscribe(conn *websocket.Conn, side market.Side) error {
	msg := clientMessage{
		ID:      side.Tag(),
		Type:    msgStart,
		Payload: &startPayload{Query: subscriptionQuery(side, s.cfg.ResultLimit)},
	}
	if err := s.write(conn, msg); err != nil {
		return fmt.Errorf("订阅 %s 失败: %w", side, err)
	}
	s.logger.Info("已订阅", zap.Stringer("side", side), zap.Int("limit", s.cfg.ResultLimit))
	return nil
}

// apply 将快照整体替换到订单簿；任一订单非法时整条消息丢弃。
func (s *Subscriber) apply(msg serverMessage) {
	if len(msg.Payload) == 0 {
		return
	}
	var payload dataPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		s.logger.Warn("忽略无法解析的快照", zap.String("id", msg.ID), zap.Error(err))
		return
	}

	var buy, sell []market.Order
	var err error
	if payload.Data.Buy != nil {
		if buy, err = parseOrders(market.SideBuy, *payload.Data.Buy); err != nil {
			s.logger.Warn("忽略含非法订单的快照", zap.String("id", msg.ID), zap.Error(err))
			return
		}
	}
	if payload.Data.Sell != nil {
		if sell, err = parseOrders(market.SideSell, *payload.Data.Sell); err != nil {
			s.logger.Warn("忽略含非法订单的快照", zap.String("id", msg.ID), zap.Error(err))
			return
		}
	}

	if payload.Data.Buy != nil {
		s.book.Replace(market.SideBuy, buy)
	}
	if payload.Data.Sell != nil {
		s.book.Replace(market.SideSell, sell)
	}
	s.logger.Info("订单簿快照已更新",
		zap.Bool("buy", payload.Data.Buy != nil),
		zap.Int("buy_orders", len(buy)),
		zap.Bool("sell", payload.Data.Sell != nil),
		zap.Int("sell_orders", len(sell)),
	)
}

// teardown 退订两侧并关闭连接。
func (s *Subscriber) teardown(conn *websocket.Conn, subscribed bool) error {
	var err error
	if subscribed {
		for _, side := range []market.Side{market.SideBuy, market.SideSell} {
			if werr := s.write(conn, clientMessage{ID: side.Tag(), Type: msgStop}); werr != nil {
				err = multierr.Append(err, fmt.Errorf("退订 %s 失败: %w", side, werr))
				break
			}
			s.logger.Info("已退订", zap.Stringer("side", side))
		}
	}

	deadline := time.Now().Add(s.cfg.WriteTimeout)
	closeFrame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if werr := conn.WriteControl(websocket.CloseMessage, closeFrame, deadline); werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		s.logger.Debug("发送关闭帧失败", zap.Error(werr))
	}

	s.logger.Info("关闭推送连接")
	return multierr.Append(err, conn.Close())
}

func (s *Subscriber) write(conn *websocket.Conn, msg clientMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

type nopRecorder struct{}

func (nopRecorder) RecordError(context.Context, string, error, map[string]interface{}) {}
