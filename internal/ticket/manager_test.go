package ticket

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/ticketdesk/internal/apperr"
	"github.com/mmeshcher/ticketdesk/internal/chat"
	"github.com/mmeshcher/ticketdesk/internal/model"
	"github.com/mmeshcher/ticketdesk/internal/repository"
	"github.com/mmeshcher/ticketdesk/internal/security"
)

const testCategory = "cat-1"

type staffSet map[string]bool

func (s staffSet) IsStaff(actor model.Actor) bool {
	return actor.Staff || s[actor.ID]
}

type eventLog struct {
	mu     sync.Mutex
	events []model.EventType
}

func (e *eventLog) Record(_ context.Context, eventType model.EventType, _ string, _ map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, eventType)
}

func (e *eventLog) count(eventType model.EventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev == eventType {
			n++
		}
	}
	return n
}

// countingProvider считает все вызовы DeleteChannel, включая повторные.
type countingProvider struct {
	*chat.Memory

	mu      sync.Mutex
	deletes map[string]int
}

func (p *countingProvider) DeleteChannel(ctx context.Context, channelID string) error {
	p.mu.Lock()
	p.deletes[channelID]++
	p.mu.Unlock()
	return p.Memory.DeleteChannel(ctx, channelID)
}

func (p *countingProvider) deleteCalls(channelID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deletes[channelID]
}

type fixture struct {
	mgr    *Manager
	repo   *repository.MemoryRepository
	chat   *countingProvider
	events *eventLog
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	mem, err := chat.NewMemory("bot", testCategory)
	require.NoError(t, err)

	if opts.CategoryID == "" {
		opts.CategoryID = testCategory
	}
	if opts.SystemID == "" {
		opts.SystemID = "bot"
	}

	f := &fixture{
		repo:   repository.NewMemoryRepository(),
		chat:   &countingProvider{Memory: mem, deletes: make(map[string]int)},
		events: &eventLog{},
	}
	f.mgr = NewManager(opts, f.repo, f.chat, staffSet{"mod": true}, f.events, nil)
	t.Cleanup(f.mgr.Shutdown)
	return f
}

func actor(id string) model.Actor {
	return model.Actor{ID: id, Username: id}
}

func TestCreateTicket(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	tk, err := f.mgr.Create(ctx, actor("alice"), nil)
	require.NoError(t, err)
	assert.True(t, tk.IsOpen())
	assert.Equal(t, "alice", tk.UserID)

	spec, ok := f.chat.Channel(tk.ChannelID)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(spec.Name, "ticket-alice-"), spec.Name)
	assert.Equal(t, testCategory, spec.ParentID)
	assert.Equal(t, []chat.Overwrite{
		{SubjectID: chat.EveryoneSubject, Allow: false},
		{SubjectID: "alice", Allow: true},
		{SubjectID: "bot", Allow: true},
	}, spec.Overwrites)

	msgs, err := f.chat.FetchMessages(ctx, tk.ChannelID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Ticket opened", msgs[0].EmbedTitle)

	u, err := f.repo.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, u.TotalTickets)

	assert.Equal(t, 1, f.events.count(model.EventSessionCreated))
	assert.Equal(t, 0, f.mgr.owners.size())
}

func TestCreateReturnsExistingTicket(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first, err := f.mgr.Create(ctx, actor("alice"), nil)
	require.NoError(t, err)

	second, err := f.mgr.Create(ctx, actor("alice"), nil)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindAlreadyHasSession))
	require.NotNil(t, second)
	assert.Equal(t, first.ChannelID, second.ChannelID)
	assert.Equal(t, 1, f.chat.ChannelCount())
}

func TestCreateConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	const n = 16
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.mgr.Create(ctx, actor("alice"), nil)
		}(i)
	}
	wg.Wait()

	success := 0
	for _, err := range errs {
		if err == nil {
			success++
			continue
		}
		assert.True(t, apperr.IsKind(err, apperr.KindAlreadyHasSession), err.Error())
	}
	assert.Equal(t, 1, success)
	assert.Equal(t, 1, f.chat.ChannelCount())
}

func TestCreateCategoryNotConfigured(t *testing.T) {
	f := newFixture(t, Options{CategoryID: "missing"})

	_, err := f.mgr.Create(context.Background(), actor("alice"), nil)
	assert.True(t, apperr.IsKind(err, apperr.KindCategoryNotConfigured))

	f.mgr.Reconfigure("", 0, true)
	_, err = f.mgr.Create(context.Background(), actor("alice"), nil)
	assert.True(t, apperr.IsKind(err, apperr.KindCategoryNotConfigured))
	assert.Equal(t, 0, f.chat.ChannelCount())
}

// quotaLimiter пропускает left попыток и считает все обращения.
type quotaLimiter struct {
	mu    sync.Mutex
	left  int
	calls int
}

func (q *quotaLimiter) Check(_ context.Context, subjectID, limiter string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if limiter != security.LimiterTickets || q.left == 0 {
		return apperr.New(apperr.KindRateLimited, subjectID, "rate limit exceeded")
	}
	q.left--
	return nil
}

func TestCreateChargesTicketLimiter(t *testing.T) {
	limiter := &quotaLimiter{left: 1}
	f := newFixture(t, Options{Limiter: limiter})
	ctx := context.Background()

	tk, err := f.mgr.Create(ctx, actor("alice"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, limiter.calls)

	_, err = f.mgr.Create(ctx, actor("alice"), nil)
	assert.True(t, apperr.IsKind(err, apperr.KindAlreadyHasSession))
	assert.Equal(t, 1, limiter.calls, "conflict does not spend the budget")

	_, err = f.mgr.Close(ctx, tk.ChannelID, actor("alice"), "")
	require.NoError(t, err)

	_, err = f.mgr.Create(ctx, actor("alice"), nil)
	assert.True(t, apperr.IsKind(err, apperr.KindRateLimited))
	assert.Equal(t, 1, f.chat.ChannelCount(), "limited attempt provisions nothing")
}

func TestCreateRejectsUnknownProduct(t *testing.T) {
	limiter := &quotaLimiter{left: 1}
	f := newFixture(t, Options{Limiter: limiter})
	ctx := context.Background()

	missing := int64(999)
	_, err := f.mgr.Create(ctx, actor("alice"), &missing)
	assert.True(t, apperr.IsKind(err, apperr.KindItemNotFound))
	assert.Equal(t, 0, f.chat.ChannelCount())
	assert.Equal(t, 0, limiter.calls)

	p, err := f.repo.CreateProduct(ctx, model.Product{Name: "Key", IsActive: true, StockQuantity: model.UnlimitedStock})
	require.NoError(t, err)
	tk, err := f.mgr.Create(ctx, actor("alice"), &p.ID)
	require.NoError(t, err)
	require.NotNil(t, tk.ProductID)
	assert.Equal(t, p.ID, *tk.ProductID)
}

func TestDiscardRemovesTicketAndChannel(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	tk, err := f.mgr.Create(ctx, actor("alice"), nil)
	require.NoError(t, err)

	require.NoError(t, f.mgr.Discard(ctx, tk))
	assert.Equal(t, 0, f.chat.ChannelCount())
	assert.Equal(t, 1, f.chat.deleteCalls(tk.ChannelID))

	open, err := f.mgr.OpenTicket(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, open)
	_, err = f.repo.GetTicketByChannel(ctx, tk.ChannelID)
	assert.ErrorIs(t, err, repository.ErrTicketNotFound)
}

func TestAutoCloseDisabled(t *testing.T) {
	f := newFixture(t, Options{IdleTimeout: 10 * time.Millisecond, KeepInactive: true})
	ctx := context.Background()

	tk, err := f.mgr.Create(ctx, actor("alice"), nil)
	require.NoError(t, err)

	assert.Never(t, func() bool {
		got, err := f.repo.GetTicketByChannel(ctx, tk.ChannelID)
		return err == nil && !got.IsOpen()
	}, 100*time.Millisecond, 10*time.Millisecond)

	n, err := f.mgr.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAutoCloseSwitchedOffDisarmsPendingTimers(t *testing.T) {
	f := newFixture(t, Options{IdleTimeout: 30 * time.Millisecond, IdleCloseGrace: time.Millisecond})
	ctx := context.Background()

	tk, err := f.mgr.Create(ctx, actor("alice"), nil)
	require.NoError(t, err)
	f.mgr.Reconfigure(testCategory, 0, false)

	assert.Never(t, func() bool {
		got, err := f.repo.GetTicketByChannel(ctx, tk.ChannelID)
		return err == nil && !got.IsOpen()
	}, 150*time.Millisecond, 10*time.Millisecond)
}

func TestCreateRollsBackWhenWelcomeFails(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.chat.SendErr = errors.New("gateway down")

	_, err := f.mgr.Create(ctx, actor("alice"), nil)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindResource))
	assert.Equal(t, 0, f.chat.ChannelCount())

	open, err := f.mgr.OpenTicket(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestCloseByOwner(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, Options{TranscriptDir: dir, CloseGrace: time.Hour})
	ctx := context.Background()

	tk, err := f.mgr.Create(ctx, actor("alice"), nil)
	require.NoError(t, err)
	require.NoError(t, f.chat.Post(tk.ChannelID, model.Message{Timestamp: time.Now(), Author: "alice", Content: "hello"}))
	require.NoError(t, f.chat.Post(tk.ChannelID, model.Message{Timestamp: time.Now(), Author: "alice", Attachments: []string{"log.txt"}}))

	tr, err := f.mgr.Close(ctx, tk.ChannelID, actor("alice"), "")
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, 3, tr.MessageCount)
	assert.Contains(t, tr.Text, "alice: hello")
	assert.Contains(t, tr.Text, "    Attachment: log.txt")

	got, err := f.repo.GetTicketByChannel(ctx, tk.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, model.TicketStatusClosed, got.Status)
	assert.Equal(t, ReasonDefault, *got.CloseReason)
	assert.Equal(t, "alice", *got.ClosedBy)

	files, err := filepath.Glob(filepath.Join(dir, "transcript-*.txt"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	body, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, tr.Text, string(body))

	// Канал удаляется только после паузы; Shutdown выполняет удаление сразу.
	_, exists := f.chat.Channel(tk.ChannelID)
	assert.True(t, exists)
	f.mgr.Shutdown()
	assert.Equal(t, 1, f.chat.deleteCalls(tk.ChannelID))
	assert.Equal(t, 1, f.events.count(model.EventSessionClosed))
}

func TestClosePermissions(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	tk, err := f.mgr.Create(ctx, actor("alice"), nil)
	require.NoError(t, err)

	_, err = f.mgr.Close(ctx, tk.ChannelID, actor("mallory"), "")
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))

	_, err = f.mgr.Close(ctx, "no-such-channel", actor("alice"), "")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	tr, err := f.mgr.Close(ctx, tk.ChannelID, actor("mod"), "resolved")
	require.NoError(t, err)
	assert.NotNil(t, tr)

	tr, err = f.mgr.Close(ctx, tk.ChannelID, actor("alice"), "again")
	require.NoError(t, err, "closing a closed ticket is a no-op")
	assert.Nil(t, tr)

	got, err := f.repo.GetTicketByChannel(ctx, tk.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, "resolved", *got.CloseReason)
}

func TestCloseFailsWhenTranscriptUnavailable(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	tk, err := f.mgr.Create(ctx, actor("alice"), nil)
	require.NoError(t, err)

	f.chat.FetchErr = errors.New("timeout")
	_, err = f.mgr.Close(ctx, tk.ChannelID, actor("alice"), "")
	assert.True(t, apperr.IsKind(err, apperr.KindResource))

	got, err := f.repo.GetTicketByChannel(ctx, tk.ChannelID)
	require.NoError(t, err)
	assert.True(t, got.IsOpen())
}

func TestIdleTimeoutClosesTicket(t *testing.T) {
	f := newFixture(t, Options{IdleTimeout: 20 * time.Millisecond, IdleCloseGrace: 10 * time.Millisecond})
	ctx := context.Background()

	tk, err := f.mgr.Create(ctx, actor("alice"), nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return f.chat.deleteCalls(tk.ChannelID) == 1
	}, 2*time.Second, 5*time.Millisecond)

	got, err := f.repo.GetTicketByChannel(ctx, tk.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, model.TicketStatusClosed, got.Status)
	assert.Equal(t, ReasonIdle, *got.CloseReason)
	assert.Equal(t, "bot", *got.ClosedBy)
}

func TestIdleTimeoutRacesExplicitClose(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, Options{
			IdleTimeout:    time.Millisecond,
			CloseGrace:     time.Hour,
			IdleCloseGrace: time.Hour,
		})
		ctx := context.Background()

		tk, err := f.mgr.Create(ctx, actor("alice"), nil)
		require.NoError(t, err)

		_, err = f.mgr.Close(ctx, tk.ChannelID, actor("alice"), "done")
		require.NoError(t, err)

		f.mgr.Shutdown()

		got, err := f.repo.GetTicketByChannel(ctx, tk.ChannelID)
		require.NoError(t, err)
		assert.Equal(t, model.TicketStatusClosed, got.Status)
		assert.Contains(t, []string{"done", ReasonIdle}, *got.CloseReason)
		assert.Equal(t, 1, f.events.count(model.EventSessionClosed))
		assert.Equal(t, 1, f.chat.deleteCalls(tk.ChannelID))
	}
}

func TestReconcileOrphans(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	orphan, err := f.mgr.Create(ctx, actor("alice"), nil)
	require.NoError(t, err)
	live, err := f.mgr.Create(ctx, actor("bob"), nil)
	require.NoError(t, err)

	f.chat.Forget(orphan.ChannelID)

	f.chat.LookupErr = errors.New("gateway down")
	n, err := f.mgr.ReconcileOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.chat.LookupErr = nil
	n, err = f.mgr.ReconcileOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.repo.GetTicketByChannel(ctx, orphan.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, ReasonChannelMissing, *got.CloseReason)
	assert.Equal(t, 0, f.chat.deleteCalls(orphan.ChannelID))

	got, err = f.repo.GetTicketByChannel(ctx, live.ChannelID)
	require.NoError(t, err)
	assert.True(t, got.IsOpen())

	n, err = f.mgr.ReconcileOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRestoreRearmsTimers(t *testing.T) {
	ctx := context.Background()
	later := time.Now().Add(25 * time.Hour)
	f := newFixture(t, Options{
		IdleTimeout:    24 * time.Hour,
		IdleCloseGrace: time.Millisecond,
		Now:            func() time.Time { return later },
	})

	channelID, err := f.chat.CreateChannel(ctx, chat.ChannelSpec{Name: "ticket-old", ParentID: testCategory})
	require.NoError(t, err)
	_, err = f.repo.CreateTicket(ctx, channelID, "alice", nil)
	require.NoError(t, err)

	n, err := f.mgr.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Eventually(t, func() bool {
		got, err := f.repo.GetTicketByChannel(ctx, channelID)
		return err == nil && !got.IsOpen()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClaim(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	tk, err := f.mgr.Create(ctx, actor("alice"), nil)
	require.NoError(t, err)

	err = f.mgr.Claim(ctx, tk.ChannelID, actor("alice"))
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))

	require.NoError(t, f.mgr.Claim(ctx, tk.ChannelID, actor("mod")))
	assert.Equal(t, 1, f.events.count(model.EventSessionClaimed))

	got, err := f.repo.GetTicketByChannel(ctx, tk.ChannelID)
	require.NoError(t, err)
	assert.True(t, got.IsOpen())

	_, err = f.mgr.Close(ctx, tk.ChannelID, actor("alice"), "")
	require.NoError(t, err)
	err = f.mgr.Claim(ctx, tk.ChannelID, actor("mod"))
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestTranscriptOnDemand(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	tk, err := f.mgr.Create(ctx, actor("alice"), nil)
	require.NoError(t, err)

	_, err = f.mgr.Transcript(ctx, tk.ChannelID, actor("mallory"))
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))

	tr, err := f.mgr.Transcript(ctx, tk.ChannelID, actor("mod"))
	require.NoError(t, err)
	assert.Equal(t, 1, tr.MessageCount)
	assert.Equal(t, 1, f.events.count(model.EventTranscriptGenerated))
}

func TestHistoryAndStats(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tk, err := f.mgr.Create(ctx, actor("alice"), nil)
		require.NoError(t, err)
		_, err = f.mgr.Close(ctx, tk.ChannelID, actor("alice"), "")
		require.NoError(t, err)
	}
	_, err := f.mgr.Create(ctx, actor("alice"), nil)
	require.NoError(t, err)

	history, err := f.mgr.History(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, history, 4)

	st, err := f.mgr.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.TicketStats{Total: 4, Open: 1, Closed: 3}, st)
}

func TestRenderTranscript(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := renderTranscript("c1", []model.Message{
		{Timestamp: at, Author: "alice", Content: "hi"},
		{Timestamp: at.Add(time.Minute), Author: "bot", EmbedTitle: "Ticket opened"},
	}, at)

	assert.Equal(t, 2, tr.MessageCount)
	lines := strings.Split(tr.Text, "\n")
	assert.Equal(t, "TICKET TRANSCRIPT", lines[0])
	assert.Equal(t, "Channel: c1", lines[1])
	assert.Equal(t, "Date: 2024-03-01 12:00:00", lines[2])
	assert.Equal(t, "Messages: 2", lines[3])
	assert.Contains(t, tr.Text, "[2024-03-01 12:00:00] alice: hi\n")
	assert.Contains(t, tr.Text, "[2024-03-01 12:01:00] bot: [Embed/Attachment]\n    Embed: Ticket opened\n")
}

func TestChannelName(t *testing.T) {
	at := time.UnixMilli(1700000123456)
	assert.Equal(t, "ticket-aliceb-123456", channelName("Alice.B", at))
	assert.Equal(t, "ticket--123456", channelName("Ωμέγα", at))
}
