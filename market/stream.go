package market

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"valuescan/pkg/logger"
)

const (
	mainnetStreamURL = "wss://fstream.binance.com/ws"
	testnetStreamURL = "wss://stream.binancefuture.com/ws"

	reconnectDelay = 5 * time.Second
	readTimeout    = 90 * time.Second // 币安每 3 分钟 ping 一次，超时即视为断线
)

// markPriceEvent 合约 markPrice 推送
type markPriceEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
	EventTime int64  `json:"E"`
}

type pricePoint struct {
	price     float64
	updatedAt time.Time
}

// Stream 币安合约标记价格 WebSocket 流。
// 按需订阅标的，断线自动重连并恢复全部订阅。
// 读端通过 Get 拿缓存价，永不阻塞在网络上。
type Stream struct {
	url string

	mu      sync.RWMutex
	prices  map[string]pricePoint
	watched map[string]int // 标的 -> 引用计数，多仓共用同一订阅

	connMu sync.Mutex
	conn   *websocket.Conn

	reqID  int64
	stopCh chan struct{}
	wg     sync.WaitGroup
	log    *zap.SugaredLogger
}

// NewStream 创建价格流
func NewStream(testnet bool) *Stream {
	url := mainnetStreamURL
	if testnet {
		url = testnetStreamURL
	}
	return &Stream{
		url:     url,
		prices:  make(map[string]pricePoint),
		watched: make(map[string]int),
		stopCh:  make(chan struct{}),
		log:     logger.Sugar("market"),
	}
}

// Start 启动后台连接循环
func (s *Stream) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop 关闭连接并停止重连
func (s *Stream) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
}

// Watch 订阅一个标的的标记价格推送
func (s *Stream) Watch(symbol string) {
	symbol = strings.ToUpper(symbol)

	s.mu.Lock()
	s.watched[symbol]++
	first := s.watched[symbol] == 1
	s.mu.Unlock()

	if first {
		s.sendSubscribe("SUBSCRIBE", symbol)
		s.log.Infof("📡 已订阅 %s 标记价格流", symbol)
	}
}

// Unwatch 取消订阅，引用计数归零时真正退订
func (s *Stream) Unwatch(symbol string) {
	symbol = strings.ToUpper(symbol)

	s.mu.Lock()
	if s.watched[symbol] > 0 {
		s.watched[symbol]--
	}
	last := s.watched[symbol] == 0
	if last {
		delete(s.watched, symbol)
		delete(s.prices, symbol)
	}
	s.mu.Unlock()

	if last {
		s.sendSubscribe("UNSUBSCRIBE", symbol)
		s.log.Infof("📡 已退订 %s 标记价格流", symbol)
	}
}

// Get 读取缓存价格，返回价格、更新时间与是否命中。
// 新鲜度判断由调用方负责。
func (s *Stream) Get(symbol string) (float64, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[strings.ToUpper(symbol)]
	return p.price, p.updatedAt, ok
}

// run 连接循环：断线后固定间隔重连，重连成功后恢复全部订阅
func (s *Stream) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := s.connectAndRead(); err != nil {
			s.log.Warnf("⚠️  价格流断开: %v，%v 后重连", err, reconnectDelay)
		}

		select {
		case <-s.stopCh:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *Stream) connectAndRead() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		conn.Close()
	}()

	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	s.log.Infof("✅ 价格流已连接: %s", s.url)
	s.resubscribeAll()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(msg)
	}
}

func (s *Stream) handleMessage(msg []byte) {
	var ev markPriceEvent
	if err := json.Unmarshal(msg, &ev); err != nil || ev.EventType != "markPriceUpdate" {
		return
	}

	price, err := strconv.ParseFloat(ev.MarkPrice, 64)
	if err != nil || price <= 0 {
		return
	}

	s.mu.Lock()
	s.prices[ev.Symbol] = pricePoint{price: price, updatedAt: time.Now()}
	s.mu.Unlock()
}

// resubscribeAll 重连后恢复全部已登记的订阅
func (s *Stream) resubscribeAll() {
	s.mu.RLock()
	symbols := make([]string, 0, len(s.watched))
	for sym := range s.watched {
		symbols = append(symbols, sym)
	}
	s.mu.RUnlock()

	for _, sym := range symbols {
		s.sendSubscribe("SUBSCRIBE", sym)
	}
}

// sendSubscribe 发送订阅/退订帧，未连接时静默跳过（重连时会统一恢复）
func (s *Stream) sendSubscribe(method, symbol string) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return
	}

	s.reqID++
	frame := map[string]interface{}{
		"method": method,
		"params": []string{strings.ToLower(symbol) + "@markPrice@1s"},
		"id":     s.reqID,
	}
	if err := s.conn.WriteJSON(frame); err != nil {
		s.log.Warnf("⚠️  发送 %s 帧失败: %v", method, err)
	}
}
