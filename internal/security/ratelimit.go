package security

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Имена ограничителей, используемых ядром.
const (
	LimiterCommands     = "commands"
	LimiterTickets      = "tickets"
	LimiterInteractions = "interactions"
)

// Limit задаёт бюджет ограничителя: Points действий за окно Window.
type Limit struct {
	Points int
	Window time.Duration
}

// Decision описывает результат попытки потратить очко ограничителя.
type Decision struct {
	Allowed    bool
	ResetAfter time.Duration
	Remaining  int
}

// ResetSeconds возвращает время до следующей попытки, округлённое вверх до секунд.
func (d Decision) ResetSeconds() int {
	return int(math.Ceil(d.ResetAfter.Seconds()))
}

type bucketKey struct {
	name    string
	subject string
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter хранит независимые счётчики для каждой пары (ограничитель, субъект).
// Расход одного ограничителя никогда не влияет на другой.
type RateLimiter struct {
	mu      sync.Mutex
	limits  map[string]Limit
	buckets map[bucketKey]*bucket
}

// NewRateLimiter создаёт набор именованных ограничителей.
func NewRateLimiter(limits map[string]Limit) *RateLimiter {
	copied := make(map[string]Limit, len(limits))
	for name, l := range limits {
		if l.Points <= 0 || l.Window <= 0 {
			continue
		}
		copied[name] = l
	}
	return &RateLimiter{
		limits:  copied,
		buckets: make(map[bucketKey]*bucket),
	}
}

// DefaultLimits возвращает ограничители по умолчанию.
func DefaultLimits(commandPoints int, commandWindow time.Duration) map[string]Limit {
	return map[string]Limit{
		LimiterCommands:     {Points: commandPoints, Window: commandWindow},
		LimiterTickets:      {Points: 1, Window: 5 * time.Minute},
		LimiterInteractions: {Points: 10, Window: time.Minute},
	}
}

// Consume тратит одно очко ограничителя name для субъекта subject на момент now.
// Неизвестный ограничитель всегда пропускает.
func (r *RateLimiter) Consume(name, subject string, now time.Time) Decision {
	lim, ok := r.bucketFor(name, subject, now)
	if !ok {
		return Decision{Allowed: true, Remaining: -1}
	}

	reservation := lim.ReserveN(now, 1)
	if !reservation.OK() {
		return Decision{Allowed: false, ResetAfter: r.limits[name].Window}
	}

	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return Decision{Allowed: false, ResetAfter: delay, Remaining: 0}
	}

	remaining := int(math.Floor(lim.TokensAt(now)))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Remaining: remaining}
}

func (r *RateLimiter) bucketFor(name, subject string, now time.Time) (*rate.Limiter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limits[name]
	if !ok {
		return nil, false
	}

	key := bucketKey{name: name, subject: subject}
	b, ok := r.buckets[key]
	if !ok {
		every := l.Window / time.Duration(l.Points)
		b = &bucket{limiter: rate.NewLimiter(rate.Every(every), l.Points)}
		r.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter, true
}

// Prune удаляет счётчики, не использовавшиеся дольше своего окна: к этому
// моменту они полностью восстановлены и эквивалентны новым.
func (r *RateLimiter) Prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, b := range r.buckets {
		if now.Sub(b.lastSeen) > r.limits[key.name].Window {
			delete(r.buckets, key)
			removed++
		}
	}
	return removed
}

// Reset удаляет все счётчики.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	r.buckets = make(map[bucketKey]*bucket)
	r.mu.Unlock()
}
