package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/y001j/logwatch/internal/model"
	"github.com/y001j/logwatch/internal/northbound"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// Config WebSocket推送配置
type Config struct {
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// Sink 把告警事件实时推送给已连接的WebSocket客户端。
// 客户端可用 ?severity=high 只接收不低于该级别的事件。
type Sink struct {
	*northbound.BaseSink
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn        *websocket.Conn
	send        chan []byte
	minSeverity model.Severity
	once        sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// New 创建WebSocket推送连接器
func New(cfg Config) *Sink {
	s := &Sink{
		BaseSink: northbound.NewBaseSink("websocket", "websocket"),
		clients:  make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	origins := cfg.AllowOrigins
	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		// 未指定允许的源时允许所有源
		if len(origins) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		for _, allowed := range origins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		return false
	}
	return s
}

// ServeHTTP 升级连接并注册客户端
func (s *Sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	minSeverity := model.Severity(r.URL.Query().Get("severity"))
	if minSeverity != "" && !minSeverity.Valid() {
		http.Error(w, "无效的告警级别", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.HandleError(err, "WebSocket升级")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer), minSeverity: minSeverity}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	total := len(s.clients)
	s.mu.Unlock()

	log.Info().
		Str("remote", conn.RemoteAddr().String()).
		Int("total", total).
		Msg("WebSocket客户端连接")

	go s.writePump(c)
	go s.readPump(c)
}

// Clients 当前连接数
func (s *Sink) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// readPump 读取客户端消息（仅用于保持连接活跃和检测断开）
func (s *Sink) readPump(c *client) {
	defer s.remove(c)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.HandleError(err, "WebSocket读取")
			}
			return
		}
	}
}

func (s *Sink) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.remove(c)
				return
			}
		}
	}
}

func (s *Sink) remove(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	total := len(s.clients)
	s.mu.Unlock()

	if ok {
		c.close()
		log.Debug().Str("remote", c.conn.RemoteAddr().String()).Int("total", total).Msg("WebSocket客户端注销")
	}
}

// Publish 广播事件。发送缓冲已满的客户端会被断开。
func (s *Sink) Publish(_ context.Context, ev northbound.Event) error {
	return s.Track(ev, func() error {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("序列化事件失败: %w", err)
		}

		var slow []*client
		s.mu.Lock()
		for c := range s.clients {
			if !wants(c.minSeverity, ev) {
				continue
			}
			select {
			case c.send <- data:
			default:
				slow = append(slow, c)
			}
		}
		s.mu.Unlock()

		for _, c := range slow {
			log.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("WebSocket客户端过慢，断开连接")
			s.remove(c)
		}
		return nil
	})
}

func wants(floor model.Severity, ev northbound.Event) bool {
	if floor == "" || ev.Alert == nil {
		return true
	}
	return severityRank(ev.Alert.Severity) >= severityRank(floor)
}

func severityRank(s model.Severity) int {
	switch s {
	case model.SeverityLow:
		return 1
	case model.SeverityMedium:
		return 2
	case model.SeverityHigh:
		return 3
	case model.SeverityCritical:
		return 4
	}
	return 0
}

// Close 断开所有客户端
func (s *Sink) Close() error {
	s.mu.Lock()
	s.closed = true
	clients := s.clients
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	for c := range clients {
		c.close()
	}
	return nil
}
