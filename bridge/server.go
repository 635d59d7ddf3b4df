package bridge

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"valuescan/pkg/logger"
	"valuescan/signal"
)

// 单条告警行上限 1MB，防御异常客户端
const maxLineBytes = 1 << 20

// Handler 处理一条解析成功的信号
type Handler func(*signal.Signal)

// Server 告警接入桥：TCP 监听，每连接一个 goroutine，
// 按行读取 JSON 告警，解析归一化后交给 Handler。
// 解析失败只记日志丢弃，绝不断开整个连接。
type Server struct {
	addr    string
	skew    time.Duration
	handler Handler

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool

	wg  sync.WaitGroup
	log *zap.SugaredLogger
}

// NewServer 创建接入桥
func NewServer(addr string, skewTolerance time.Duration, handler Handler) *Server {
	return &Server{
		addr:    addr,
		skew:    skewTolerance,
		handler: handler,
		conns:   make(map[net.Conn]struct{}),
		log:     logger.Sugar("bridge"),
	}
}

// Start 开始监听并在后台接受连接
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Infof("📡 告警接入桥监听中: %s", s.addr)

	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

// Addr 实际监听地址（端口 0 时由系统分配）
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop 关闭监听与全部活跃连接
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warnf("⚠️  接受连接失败: %v", err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	s.log.Infof("🔗 客户端已连接: %s", remote)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		sig, err := signal.ParseAlert(line, time.Now(), s.skew)
		if err != nil {
			if errors.Is(err, signal.ErrUntrackedType) {
				s.log.Debugf("忽略未跟踪类型的告警: %s", truncate(line, 200))
			} else {
				s.log.Warnf("⚠️  丢弃非法告警 (%v): %s", err, truncate(line, 200))
			}
			continue
		}

		s.handler(sig)
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Warnf("⚠️  连接 %s 读取中断: %v", remote, err)
	}
	s.log.Infof("🔌 客户端已断开: %s", remote)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
