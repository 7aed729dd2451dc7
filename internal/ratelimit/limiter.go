// Package ratelimit はクライアントIPごとのリクエスト数制限を提供します。
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Rule は window あたり Requests 回までを許可する制限です。
type Rule struct {
	Requests int
	Window   time.Duration
	Message  string
}

// 全体とジョブ投入の標準ルール（開発用は緩め）
var (
	GeneralDebug   = Rule{Requests: 1000, Window: 15 * time.Minute, Message: "Too many requests from this IP, please try again later."}
	GeneralRelease = Rule{Requests: 100, Window: 15 * time.Minute, Message: "Too many requests from this IP, please try again later."}
	SubmitDebug    = Rule{Requests: 50, Window: time.Minute, Message: "Too many job submissions, please slow down."}
	SubmitRelease  = Rule{Requests: 5, Window: time.Minute, Message: "Too many job submissions, please slow down."}
)

type clientState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter は IP ごとのトークンバケットを保持します。
// 一定時間使われていないバケットは次回以降の呼び出し時に破棄します。
type Limiter struct {
	rule    Rule
	limit   rate.Limit
	idleTTL time.Duration
	now     func() time.Time

	lock      sync.Mutex
	clients   map[string]*clientState
	lastSweep time.Time
}

// New は Limiter を作成します。
func New(rule Rule) *Limiter {
	if rule.Requests <= 0 {
		rule.Requests = 1
	}
	if rule.Window <= 0 {
		rule.Window = time.Minute
	}
	return &Limiter{
		rule:    rule,
		limit:   rate.Every(rule.Window / time.Duration(rule.Requests)),
		idleTTL: rule.Window,
		now:     time.Now,
		clients: make(map[string]*clientState),
	}
}

// Allow は key のリクエストを1件消費します。拒否した場合は再試行までの待ち時間を返します。
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.lock.Lock()
	defer l.lock.Unlock()

	now := l.now()
	l.sweepLocked(now)

	state, ok := l.clients[key]
	if !ok {
		state = &clientState{limiter: rate.NewLimiter(l.limit, l.rule.Requests)}
		l.clients[key] = state
	}
	state.lastSeen = now

	reservation := state.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, l.rule.Window
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Clients は現在保持しているバケット数です。
func (l *Limiter) Clients() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.clients)
}

func (l *Limiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.idleTTL {
		return
	}
	l.lastSweep = now
	for key, state := range l.clients {
		if now.Sub(state.lastSeen) > l.idleTTL {
			delete(l.clients, key)
		}
	}
}

// Middleware は制限を超えたリクエストを 429 で拒否するミドルウェアを返します。
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, retryAfter := l.Allow(c.ClientIP())
		if ok {
			c.Next()
			return
		}
		// Retry-After は秒数で返す
		seconds := int64(math.Ceil(retryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		c.Header("Retry-After", strconv.FormatInt(seconds, 10))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"code":    "RATE_LIMITED",
			"message": l.rule.Message,
		})
	}
}
