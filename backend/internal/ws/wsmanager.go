package ws

import (
	"log"
	"net/http"
	"strings"
	"time"

	"draftServer/backend/internal/auth"
	"draftServer/backend/internal/collab"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// 本地开发环境的来源
var defaultOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

type Options struct {
	SendQueue       int
	StrikeLimit     int
	SubmitWait      time.Duration
	OpTimeout       time.Duration
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	MaxMessageBytes int64
	// "*" 表示不校验 Origin
	AllowedOrigins []string
}

func (o Options) withDefaults() Options {
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
	if o.StrikeLimit <= 0 {
		o.StrikeLimit = 5
	}
	if o.SubmitWait <= 0 {
		o.SubmitWait = 200 * time.Millisecond
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 15 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = defaultOrigins
	}
	return o
}

type Manager struct {
	hub      *Hub
	registry *collab.Registry
	verifier auth.Verifier
	sem      *collab.SemaphoreControl
	opt      Options
	upgrader websocket.Upgrader
	now      func() time.Time
}

func NewManager(h *Hub, reg *collab.Registry, v auth.Verifier, sem *collab.SemaphoreControl, opt Options) *Manager {
	opt = opt.withDefaults()
	return &Manager{
		hub:      h,
		registry: reg,
		verifier: v,
		sem:      sem,
		opt:      opt,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin(opt.AllowedOrigins)},
		now:      time.Now,
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
			return true
		}
		for _, p := range allowed {
			if p == "*" || strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}
}

// WebSocketConnect 需要挂在 auth.Middleware 之后，身份从 gin.Context 里取
func (m *Manager) WebSocketConnect(c *gin.Context) {
	id, ok := auth.IdentityFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": collab.CodeUnauthenticated, "message": "identity missing"})
		return
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	wsConn := newConn(conn, m, ulid.Make().String(), id)
	m.hub.Register(wsConn)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.enqueue(WelcomeMessage{
		Type:      MsgWelcome,
		SessionID: wsConn.sessionID,
		UserID:    id.UserID,
		Username:  id.Username,
		Role:      id.Role,
	}, false)

	// 最后再进入读循环（阻塞至连接关闭），等写循环把剩余消息和 close 帧发完
	wsConn.readLoop(c.Request.Context())
	<-wsConn.done
}
