package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"queue_notifier/internal/channel"
	"queue_notifier/internal/domain"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeRegistry struct {
	accounts   []domain.Account
	clearedFor []string
	claims     []int64
	stealClaim map[int64]bool
	findErr    error
	onClaim    func()
}

func (f *fakeRegistry) ClearStaleNotifiedFlags(_ context.Context, pattern string) (int64, error) {
	f.clearedFor = append(f.clearedFor, pattern)
	var cleared int64
	for i := range f.accounts {
		if f.accounts[i].IsActive && f.accounts[i].Notified && !f.accounts[i].MatchesPattern(pattern) {
			f.accounts[i].Notified = false
			cleared++
		}
	}
	return cleared, nil
}

func (f *fakeRegistry) FindEligibleForPattern(_ context.Context, pattern string, cutoff time.Time) ([]domain.Account, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	var out []domain.Account
	for _, account := range f.accounts {
		if account.IsActive && account.MatchesPattern(pattern) && eligible(account, cutoff) {
			out = append(out, account)
		}
	}
	return out, nil
}

func (f *fakeRegistry) MarkNotifiedIfEligible(_ context.Context, accountID int64, at, cutoff time.Time) (bool, error) {
	if f.stealClaim[accountID] {
		return false, nil
	}
	for i := range f.accounts {
		if f.accounts[i].AccountID != accountID {
			continue
		}
		if !f.accounts[i].IsActive || !eligible(f.accounts[i], cutoff) {
			return false, nil
		}
		stamp := at
		f.accounts[i].Notified = true
		f.accounts[i].LastNotifiedAt = &stamp
		f.claims = append(f.claims, accountID)
		if f.onClaim != nil {
			f.onClaim()
		}
		return true, nil
	}
	return false, nil
}

func (f *fakeRegistry) get(id int64) domain.Account {
	for _, account := range f.accounts {
		if account.AccountID == id {
			return account
		}
	}
	return domain.Account{}
}

func eligible(account domain.Account, cutoff time.Time) bool {
	return account.LastNotifiedAt == nil || !account.LastNotifiedAt.After(cutoff)
}

type fakeSnapshots struct {
	appended []domain.Snapshot
	err      error
}

func (f *fakeSnapshots) Append(_ context.Context, pattern, rawContent string, at time.Time) (domain.Snapshot, error) {
	if f.err != nil {
		return domain.Snapshot{}, f.err
	}
	snap := domain.Snapshot{ID: "snap", CurrentUserPattern: pattern, RawContent: rawContent, CapturedAt: at}
	f.appended = append(f.appended, snap)
	return snap, nil
}

type fakeLogs struct {
	entries []domain.NotificationLog
	err     error
}

func (f *fakeLogs) Append(ctx context.Context, entry domain.NotificationLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

type fakeChannel struct {
	name      string
	dedup     bool
	needs     func(domain.Account) bool
	err       error
	delivered []channel.Delivery
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Accepts(account domain.Account) (bool, string) {
	if f.needs != nil && !f.needs(account) {
		return false, "not configured"
	}
	return true, ""
}

func (f *fakeChannel) DedupKey(account domain.Account) string {
	if !f.dedup {
		return ""
	}
	return strings.ToLower(account.Email)
}

func (f *fakeChannel) Notify(ctx context.Context, delivery channel.Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.delivered = append(f.delivered, delivery)
	return f.err
}

type fakeRecorder struct {
	results  []string
	matched  map[int]int
	outcomes map[string]int
}

func (f *fakeRecorder) ObserveDispatch(result string, _ time.Duration) {
	f.results = append(f.results, result)
}

func (f *fakeRecorder) AccountsMatched(position, count int) {
	if f.matched == nil {
		f.matched = make(map[int]int)
	}
	f.matched[position] += count
}

func (f *fakeRecorder) NotificationOutcome(channel, outcome string) {
	if f.outcomes == nil {
		f.outcomes = make(map[string]int)
	}
	f.outcomes[channel+"/"+outcome]++
}

type fixture struct {
	registry  *fakeRegistry
	snapshots *fakeSnapshots
	logs      *fakeLogs
	email     *fakeChannel
	telegram  *fakeChannel
	recorder  *fakeRecorder
	hook      *logtest.Hook
	d         *Dispatcher
}

func newFixture(t *testing.T, accounts ...domain.Account) *fixture {
	t.Helper()

	hookLogger, hook := logtest.NewNullLogger()
	f := &fixture{
		registry:  &fakeRegistry{accounts: accounts},
		snapshots: &fakeSnapshots{},
		logs:      &fakeLogs{},
		email: &fakeChannel{
			name:  channel.NameEmail,
			dedup: true,
			needs: func(a domain.Account) bool { return a.Email != "" },
		},
		telegram: &fakeChannel{
			name:  channel.NameTelegram,
			needs: func(a domain.Account) bool { return a.HasTelegramChat() },
		},
		recorder: &fakeRecorder{},
		hook:     hook,
	}
	f.d = NewDispatcher(f.registry, f.snapshots, f.logs,
		[]channel.Channel{f.email, f.telegram},
		logrus.NewEntry(hookLogger),
		WithRecorder(f.recorder),
	)
	f.d.now = func() time.Time { return fixedNow }
	f.d.newID = func() string { return "dispatch-1" }
	return f
}

func newAccount(id int64, username, email string) domain.Account {
	pattern, _ := domain.CanonicalPattern(username)
	alt, _ := domain.AlternativePattern(username)
	return domain.Account{
		AccountID:             id,
		Username:              username,
		UsernamePattern:       pattern,
		PatternKey:            domain.PatternKey(pattern),
		AlternativePattern:    alt,
		AlternativePatternKey: domain.PatternKey(alt),
		Email:                 email,
		IsActive:              true,
	}
}

func withChat(account domain.Account, chatID int64) domain.Account {
	account.TelegramUsername = "tg_" + account.Username
	account.TelegramChatID = &chatID
	return account
}

func notifiedAgo(account domain.Account, ago time.Duration) domain.Account {
	at := fixedNow.Add(-ago)
	account.Notified = true
	account.LastNotifiedAt = &at
	return account
}

func TestDispatchNotifiesFrontAccountOnEveryChannel(t *testing.T) {
	f := newFixture(t, withChat(newAccount(1, "alexander", "alex@example.com"), 100))

	summary, err := f.d.Dispatch(context.Background(), domain.Observation{CurrentUserPattern: "alex..der", RawContent: "<div>alex..der</div>"})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}

	if summary.DispatchID != "dispatch-1" || summary.Pattern != "alex..der" || !summary.Timestamp.Equal(fixedNow) {
		t.Fatalf("unexpected summary header: %+v", summary)
	}
	if summary.UsersFound != 1 || summary.NotificationsSent != 1 || summary.TelegramSent != 1 {
		t.Fatalf("unexpected counts: %+v", summary)
	}
	if len(summary.EmailsSent) != 1 || summary.EmailsSent[0] != "alex@example.com" {
		t.Fatalf("unexpected emails sent: %v", summary.EmailsSent)
	}

	if len(f.snapshots.appended) != 1 || f.snapshots.appended[0].RawContent != "<div>alex..der</div>" {
		t.Fatalf("expected snapshot with raw content, got %+v", f.snapshots.appended)
	}
	if len(f.registry.clearedFor) != 1 || f.registry.clearedFor[0] != "alex..der" {
		t.Fatalf("expected stale flags cleared for top pattern, got %v", f.registry.clearedFor)
	}

	account := f.registry.get(1)
	if !account.Notified || account.LastNotifiedAt == nil || !account.LastNotifiedAt.Equal(fixedNow) {
		t.Fatalf("expected account marked notified at now, got %+v", account)
	}

	if len(f.telegram.delivered) != 1 || f.telegram.delivered[0].Position != 1 || f.telegram.delivered[0].DispatchID != "dispatch-1" {
		t.Fatalf("unexpected telegram deliveries: %+v", f.telegram.delivered)
	}

	if len(f.logs.entries) != 1 {
		t.Fatalf("expected 1 notification log, got %d", len(f.logs.entries))
	}
	entry := f.logs.entries[0]
	if entry.NotificationType != domain.NotificationTypeQueue || entry.EmailStatus != domain.EmailStatusSent {
		t.Fatalf("unexpected log entry: %+v", entry)
	}
	if strings.Join(entry.Channels, ",") != "email,telegram" {
		t.Fatalf("expected both channels logged, got %v", entry.Channels)
	}

	if len(f.recorder.results) != 1 || f.recorder.results[0] != ResultOK {
		t.Fatalf("expected ok dispatch metric, got %v", f.recorder.results)
	}
}

func TestDispatchMatchesAlternativePatternIgnoringCase(t *testing.T) {
	f := newFixture(t, newAccount(1, "alexander", "alex@example.com"))

	summary, err := f.d.Dispatch(context.Background(), domain.Observation{CurrentUserPattern: "ALEX..DE0"})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if summary.UsersFound != 0 {
		t.Fatalf("expected no match for unrelated pattern, got %+v", summary)
	}

	summary, err = f.d.Dispatch(context.Background(), domain.Observation{CurrentUserPattern: "ALEX..NDE"})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if summary.UsersFound != 1 || summary.NotificationsSent != 1 {
		t.Fatalf("expected alternative pattern match, got %+v", summary)
	}
}

func TestDispatchRejectsMalformedObservation(t *testing.T) {
	f := newFixture(t, newAccount(1, "alexander", "alex@example.com"))

	_, err := f.d.Dispatch(context.Background(), domain.Observation{CurrentUserPattern: "alex.der"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	if len(f.snapshots.appended) != 0 || len(f.registry.clearedFor) != 0 || len(f.logs.entries) != 0 {
		t.Fatalf("expected nothing persisted on validation failure")
	}
	if f.recorder.results[0] != ResultInvalid {
		t.Fatalf("expected invalid dispatch metric, got %v", f.recorder.results)
	}
}

func TestDispatchWithoutMatchesStillStoresSnapshot(t *testing.T) {
	f := newFixture(t)

	summary, err := f.d.Dispatch(context.Background(), domain.Observation{CurrentUserPattern: "abcd..xyz"})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if summary.UsersFound != 0 || summary.NotificationsSent != 0 || summary.EmailsSent == nil {
		t.Fatalf("expected empty non-nil summary, got %+v", summary)
	}
	if len(f.snapshots.appended) != 1 {
		t.Fatalf("expected snapshot to be stored")
	}
}

func TestDispatchHonoursCooldown(t *testing.T) {
	recent := notifiedAgo(newAccount(1, "alexander", "recent@example.com"), 10*time.Minute)
	old := notifiedAgo(newAccount(2, "alexandra", "old@example.com"), 31*time.Minute)
	old.UsernamePattern = recent.UsernamePattern
	old.PatternKey = recent.PatternKey

	f := newFixture(t, recent, old)

	summary, err := f.d.Dispatch(context.Background(), domain.Observation{CurrentUserPattern: "alex..der"})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}

	if summary.UsersFound != 1 || len(summary.EmailsSent) != 1 || summary.EmailsSent[0] != "old@example.com" {
		t.Fatalf("expected only the account past its cooldown, got %+v", summary)
	}
	if f.registry.get(1).LastNotifiedAt.Equal(fixedNow) {
		t.Fatalf("expected account inside cooldown to keep its timestamp")
	}
}

func TestDispatchCooldownDominatesClearedFlag(t *testing.T) {
	account := notifiedAgo(newAccount(1, "alexander", "alex@example.com"), 5*time.Minute)
	f := newFixture(t, account)

	// The account leaves the front, which clears its notified flag.
	if _, err := f.d.Dispatch(context.Background(), domain.Observation{CurrentUserPattern: "zzzz..zzz"}); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if f.registry.get(1).Notified {
		t.Fatalf("expected notified flag to be cleared")
	}

	summary, err := f.d.Dispatch(context.Background(), domain.Observation{CurrentUserPattern: "alex..der"})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if summary.UsersFound != 0 || len(f.email.delivered) != 0 {
		t.Fatalf("expected cooldown to block a re-notification, got %+v", summary)
	}

	f.d.now = func() time.Time { return fixedNow.Add(26 * time.Minute) }
	summary, err = f.d.Dispatch(context.Background(), domain.Observation{CurrentUserPattern: "alex..der"})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if summary.UsersFound != 1 || len(f.email.delivered) != 1 {
		t.Fatalf("expected notification once cooldown elapsed, got %+v", summary)
	}
}

func TestDispatchDeduplicatesEmailWithinOneDispatch(t *testing.T) {
	first := withChat(newAccount(1, "alexander", "shared@example.com"), 100)
	second := withChat(newAccount(2, "alexander2", "Shared@Example.com"), 200)
	second.UsernamePattern = first.UsernamePattern
	second.PatternKey = first.PatternKey

	f := newFixture(t, first, second)

	summary, err := f.d.Dispatch(context.Background(), domain.Observation{CurrentUserPattern: "alex..der"})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}

	if summary.UsersFound != 2 || summary.NotificationsSent != 1 || len(summary.EmailsSent) != 1 {
		t.Fatalf("expected one email for the shared address, got %+v", summary)
	}
	if len(f.email.delivered) != 1 {
		t.Fatalf("expected email channel to run once, got %d", len(f.email.delivered))
	}
	if len(f.telegram.delivered) != 2 || summary.TelegramSent != 2 {
		t.Fatalf("expected telegram for both accounts, got %d", len(f.telegram.delivered))
	}
	if len(f.registry.claims) != 2 || len(f.logs.entries) != 2 {
		t.Fatalf("expected both accounts claimed and logged, got claims=%v logs=%d", f.registry.claims, len(f.logs.entries))
	}
	if strings.Join(f.logs.entries[1].Channels, ",") != "telegram" {
		t.Fatalf("expected second log to record telegram only, got %v", f.logs.entries[1].Channels)
	}
	if f.recorder.outcomes["email/"+OutcomeDeduplicated] != 1 {
		t.Fatalf("expected dedup outcome, got %v", f.recorder.outcomes)
	}

	// A fresh dispatch does not remember addresses from the previous one.
	f.registry.accounts[0].LastNotifiedAt = nil
	if _, err := f.d.Dispatch(context.Background(), domain.Observation{CurrentUserPattern: "alex..der"}); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}
	if len(f.email.delivered) != 2 {
		t.Fatalf("expected dedup to reset between dispatches, got %d emails", len(f.email.delivered))
	}
}

func TestDispatchIsolatesChannelFailures(t *testing.T) {
	f := newFixture(t, withChat(newAccount(1, "alexander", "alex@example.com"), 100), newAccount(2, "alexandra", "other@example.com"))
	f.registry.accounts[1].PatternKey = f.registry.accounts[0].PatternKey
	f.email.err = errors.New("provider down")

	summary, err := f.d.Dispatch(context.Background(), domain.Observation{CurrentUserPattern: "alex..der"})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}

	if summary.UsersFound != 2 || summary.NotificationsSent != 0 || len(summary.EmailsSent) != 0 {
		t.Fatalf("expected no emails counted on failure, got %+v", summary)
	}
	if len(f.email.delivered) != 2 {
		t.Fatalf("expected email attempt for every account, got %d", len(f.email.delivered))
	}
	if len(f.telegram.delivered) != 1 {
		t.Fatalf("expected telegram to still run, got %d", len(f.telegram.delivered))
	}
	if !f.registry.get(1).Notified || !f.registry.get(2).Notified {
		t.Fatalf("expected both accounts marked notified despite failures")
	}
	if len(f.logs.entries) != 2 || f.logs.entries[0].EmailStatus != domain.EmailStatusSent {
		t.Fatalf("expected optimistic sent logs, got %+v", f.logs.entries)
	}
	if len(f.logs.entries[1].Channels) != 0 {
		t.Fatalf("expected no delivered channels for the second account, got %v", f.logs.entries[1].Channels)
	}

	var warned bool
	for _, entry := range f.hook.AllEntries() {
		if entry.Data["event"] == "notification_failed" && entry.Data["channel"] == channel.NameEmail {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected failed delivery to be logged")
	}
}

func TestDispatchSkipsLostClaim(t *testing.T) {
	f := newFixture(t, newAccount(1, "alexander", "alex@example.com"))
	f.registry.stealClaim = map[int64]bool{1: true}

	summary, err := f.d.Dispatch(context.Background(), domain.Observation{CurrentUserPattern: "alex..der"})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}

	if summary.UsersFound != 1 || summary.NotificationsSent != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(f.email.delivered) != 0 || len(f.logs.entries) != 0 {
		t.Fatalf("expected no delivery or log for a lost claim")
	}
}

func TestDispatchRankedPositions(t *testing.T) {
	front := withChat(newAccount(1, "alexander", "front@example.com"), 100)
	third := withChat(newAccount(2, "bartholomew", "third@example.com"), 200)

	f := newFixture(t, front, third)

	summary, err := f.d.Dispatch(context.Background(), domain.Observation{
		CurrentUserPattern: "zzzz..zzz",
		TopUsers: []domain.RankedPattern{
			{Position: 3, UserPattern: "bart..mew"},
			{Position: 1, UserPattern: "alex..der"},
			{Position: 2, UserPattern: "alex..der"},
		},
	})
	if err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}

	if summary.Pattern != "alex..der" || f.snapshots.appended[0].CurrentUserPattern != "alex..der" {
		t.Fatalf("expected the position 1 pattern as top, got %q", summary.Pattern)
	}
	if summary.UsersFound != 2 {
		t.Fatalf("expected the front account to be claimed only once, got %+v", summary)
	}

	if len(f.logs.entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(f.logs.entries))
	}
	if f.logs.entries[0].Position != 1 || f.logs.entries[0].NotificationType != domain.NotificationTypeQueue {
		t.Fatalf("unexpected front log: %+v", f.logs.entries[0])
	}
	if f.logs.entries[1].Position != 3 || f.logs.entries[1].NotificationType != domain.NotificationTypePosition {
		t.Fatalf("unexpected position log: %+v", f.logs.entries[1])
	}
	if f.telegram.delivered[1].Position != 3 || f.telegram.delivered[1].Pattern != "bart..mew" {
		t.Fatalf("unexpected position delivery: %+v", f.telegram.delivered[1])
	}
	if f.recorder.matched[1] != 1 || f.recorder.matched[3] != 1 {
		t.Fatalf("unexpected matched metrics: %v", f.recorder.matched)
	}
}

func TestDispatchStorageFailures(t *testing.T) {
	storageErr := errors.New("mongo unavailable")

	f := newFixture(t, newAccount(1, "alexander", "alex@example.com"))
	f.snapshots.err = storageErr
	if _, err := f.d.Dispatch(context.Background(), domain.Observation{CurrentUserPattern: "alex..der"}); !errors.Is(err, storageErr) {
		t.Fatalf("expected snapshot error, got %v", err)
	}
	if len(f.registry.clearedFor) != 0 || len(f.email.delivered) != 0 {
		t.Fatalf("expected no matching after a failed snapshot")
	}
	if f.recorder.results[0] != ResultStorageFailure {
		t.Fatalf("expected storage failure metric, got %v", f.recorder.results)
	}

	f = newFixture(t, newAccount(1, "alexander", "alex@example.com"))
	f.registry.findErr = storageErr
	if _, err := f.d.Dispatch(context.Background(), domain.Observation{CurrentUserPattern: "alex..der"}); !errors.Is(err, storageErr) {
		t.Fatalf("expected lookup error, got %v", err)
	}

	f = newFixture(t, newAccount(1, "alexander", "alex@example.com"))
	f.logs.err = storageErr
	if _, err := f.d.Dispatch(context.Background(), domain.Observation{CurrentUserPattern: "alex..der"}); !errors.Is(err, storageErr) {
		t.Fatalf("expected log error, got %v", err)
	}
}

func TestDispatchRequiresContext(t *testing.T) {
	f := newFixture(t)
	if _, err := f.d.Dispatch(nil, domain.Observation{CurrentUserPattern: "abcd..xyz"}); err == nil {
		t.Fatalf("expected error for nil context")
	}

	var d *Dispatcher
	if _, err := d.Dispatch(context.Background(), domain.Observation{}); err == nil {
		t.Fatalf("expected error for nil dispatcher")
	}
}

func TestDispatchFinishesClaimedAccountsAfterCallerCancels(t *testing.T) {
	f := newFixture(t, newAccount(1, "alexander", "alex@example.com"), newAccount(2, "alexandra", "other@example.com"))
	f.registry.accounts[1].PatternKey = f.registry.accounts[0].PatternKey

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.registry.onClaim = cancel

	summary, err := f.d.Dispatch(ctx, domain.Observation{CurrentUserPattern: "alex..der"})
	if err != nil {
		t.Fatalf("Dispatch returned error after caller cancel: %v", err)
	}

	if len(f.registry.claims) != 2 {
		t.Fatalf("expected both accounts claimed, got %v", f.registry.claims)
	}
	if len(f.email.delivered) != 2 || summary.NotificationsSent != 2 {
		t.Fatalf("expected every claimed account notified, got %d deliveries %+v", len(f.email.delivered), summary)
	}
	if len(f.logs.entries) != 2 {
		t.Fatalf("expected a log entry for every claimed account, got %d", len(f.logs.entries))
	}
}

func TestDispatchStopsAtTimeout(t *testing.T) {
	f := newFixture(t, newAccount(1, "alexander", "alex@example.com"))
	WithTimeout(time.Millisecond)(f.d)
	f.registry.onClaim = func() { time.Sleep(20 * time.Millisecond) }

	_, err := f.d.Dispatch(context.Background(), domain.Observation{CurrentUserPattern: "alex..der"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected dispatch timeout to surface, got %v", err)
	}
}
