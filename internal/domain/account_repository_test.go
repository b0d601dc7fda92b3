package domain

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestAccountRepositoryCreateAndGet(t *testing.T) {
	repo, coll := newTestAccountRepository(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, Account{
		Username:           "ABCDefgh",
		UsernamePattern:    "ABCD..fgh",
		AlternativePattern: "ABCD..efg",
		Email:              "A@X.com",
		TelegramUsername:   "Queue_Fan",
		IsActive:           true,
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if created.AccountID != 1 {
		t.Fatalf("expected first account id 1, got %d", created.AccountID)
	}
	if created.CreatedAt.IsZero() || !created.CreatedAt.Equal(created.UpdatedAt) {
		t.Fatalf("expected matching timestamps on insert, got %v and %v", created.CreatedAt, created.UpdatedAt)
	}

	doc := coll.docFor(t, created.AccountID)
	assertIntField(t, doc, "account_id", 1)
	assertStringField(t, doc, "username_key", "abcdefgh")
	assertStringField(t, doc, "pattern_key", "abcd..fgh")
	assertStringField(t, doc, "alternative_pattern_key", "abcd..efg")
	assertStringField(t, doc, "email_key", "a@x.com")
	assertStringField(t, doc, "telegram_username_key", "queue_fan")
	assertTimeFieldSet(t, doc, "created_at")

	found, err := repo.GetByID(ctx, created.AccountID)
	if err != nil {
		t.Fatalf("GetByID returned error: %v", err)
	}
	if found.Username != "ABCDefgh" || found.Notified || found.LastNotifiedAt != nil {
		t.Fatalf("unexpected stored account: %+v", found)
	}

	second, err := repo.Create(ctx, Account{Username: "zzzzzzzz", UsernamePattern: "zzzz..zzz", Email: "z@x.com"})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if second.AccountID != 2 {
		t.Fatalf("expected sequential id 2, got %d", second.AccountID)
	}

	if _, err := repo.GetByID(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAccountRepositoryCreateDuplicateUsername(t *testing.T) {
	repo, _ := newTestAccountRepository(t)
	ctx := context.Background()

	if _, err := repo.Create(ctx, Account{Username: "abcdefgh", Email: "a@x.com"}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	_, err := repo.Create(ctx, Account{Username: "ABCDEFGH", Email: "b@x.com"})
	if !errors.Is(err, ErrDuplicateUsername) {
		t.Fatalf("expected ErrDuplicateUsername, got %v", err)
	}

	exists, err := repo.UsernameExists(ctx, "AbCdEfGh")
	if err != nil || !exists {
		t.Fatalf("expected username to exist ignoring case, got %v (err=%v)", exists, err)
	}
	exists, err = repo.RegistrationExists(ctx, "abcdefgh", "A@X.COM")
	if err != nil || !exists {
		t.Fatalf("expected registration pair to exist, got %v (err=%v)", exists, err)
	}
	exists, err = repo.RegistrationExists(ctx, "abcdefgh", "other@x.com")
	if err != nil || exists {
		t.Fatalf("expected different email to be a new pair, got %v (err=%v)", exists, err)
	}
}

func TestAccountRepositoryFindEligibleForPattern(t *testing.T) {
	repo, coll := newTestAccountRepository(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cutoff := now.Add(-30 * time.Minute)

	fresh := createAccount(t, repo, "abcdefgh", true)
	alternative := createAccount(t, repo, "abcdXfgh", true)
	coll.set(t, alternative.AccountID, bson.M{"pattern_key": "abcd..zzz", "alternative_pattern_key": "abcd..fgh"})
	recent := createAccount(t, repo, "abcdYfgh", true)
	coll.set(t, recent.AccountID, bson.M{"notified": true, "last_notified_at": now.Add(-10 * time.Minute)})
	stale := createAccount(t, repo, "abcdZfgh", true)
	coll.set(t, stale.AccountID, bson.M{"notified": true, "last_notified_at": now.Add(-31 * time.Minute)})
	createAccount(t, repo, "abcdQfgh", false)
	createAccount(t, repo, "wxyzwxyz", true)

	eligible, err := repo.FindEligibleForPattern(ctx, "ABCD..FGH", cutoff)
	if err != nil {
		t.Fatalf("FindEligibleForPattern returned error: %v", err)
	}

	got := accountIDs(eligible)
	want := []int64{fresh.AccountID, alternative.AccountID, stale.AccountID}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected eligible ids %v, got %v", want, got)
	}
}

func TestAccountRepositoryMarkNotifiedIfEligibleClaimsOnce(t *testing.T) {
	repo, coll := newTestAccountRepository(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	account := createAccount(t, repo, "abcdefgh", true)

	claimed, err := repo.MarkNotifiedIfEligible(ctx, account.AccountID, now, now.Add(-30*time.Minute))
	if err != nil || !claimed {
		t.Fatalf("expected first claim to succeed, got %v (err=%v)", claimed, err)
	}

	doc := coll.docFor(t, account.AccountID)
	if doc["notified"] != true {
		t.Fatalf("expected notified=true after claim, got %v", doc["notified"])
	}
	if got := parseTime(t, doc["last_notified_at"]); !got.Equal(now) {
		t.Fatalf("expected last_notified_at %v, got %v", now, got)
	}

	later := now.Add(time.Second)
	claimed, err = repo.MarkNotifiedIfEligible(ctx, account.AccountID, later, later.Add(-30*time.Minute))
	if err != nil || claimed {
		t.Fatalf("expected second claim inside cooldown to fail, got %v (err=%v)", claimed, err)
	}

	muchLater := now.Add(31 * time.Minute)
	claimed, err = repo.MarkNotifiedIfEligible(ctx, account.AccountID, muchLater, muchLater.Add(-30*time.Minute))
	if err != nil || !claimed {
		t.Fatalf("expected claim after cooldown to succeed, got %v (err=%v)", claimed, err)
	}
}

func TestAccountRepositoryClearStaleNotifiedFlagsIsIdempotent(t *testing.T) {
	repo, coll := newTestAccountRepository(t)
	ctx := context.Background()
	now := time.Now().UTC()

	matching := createAccount(t, repo, "abcdefgh", true)
	other := createAccount(t, repo, "zzzzzzzz", true)
	for _, id := range []int64{matching.AccountID, other.AccountID} {
		if err := repo.MarkNotified(ctx, id, now); err != nil {
			t.Fatalf("MarkNotified returned error: %v", err)
		}
	}

	cleared, err := repo.ClearStaleNotifiedFlags(ctx, "abcd..fgh")
	if err != nil {
		t.Fatalf("ClearStaleNotifiedFlags returned error: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected 1 cleared account, got %d", cleared)
	}
	if coll.docFor(t, other.AccountID)["notified"] != false {
		t.Fatalf("expected non-matching account to be cleared")
	}
	if coll.docFor(t, matching.AccountID)["notified"] != true {
		t.Fatalf("expected matching account to keep notified flag")
	}
	if coll.docFor(t, other.AccountID)["last_notified_at"] == nil {
		t.Fatalf("clearing the flag must keep last_notified_at")
	}

	cleared, err = repo.ClearStaleNotifiedFlags(ctx, "abcd..fgh")
	if err != nil || cleared != 0 {
		t.Fatalf("expected second clear to be a no-op, got %d (err=%v)", cleared, err)
	}
}

func TestAccountRepositoryResetCooldowns(t *testing.T) {
	repo, coll := newTestAccountRepository(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := createAccount(t, repo, "abcdefgh", true)
	second := createAccount(t, repo, "zzzzzzzz", true)
	for _, id := range []int64{first.AccountID, second.AccountID} {
		if err := repo.MarkNotified(ctx, id, now); err != nil {
			t.Fatalf("MarkNotified returned error: %v", err)
		}
	}

	reset, err := repo.ResetCooldowns(ctx, []int64{second.AccountID})
	if err != nil || reset != 1 {
		t.Fatalf("expected 1 reset account, got %d (err=%v)", reset, err)
	}
	if coll.docFor(t, second.AccountID)["last_notified_at"] != nil {
		t.Fatalf("expected last_notified_at cleared")
	}
	if coll.docFor(t, first.AccountID)["last_notified_at"] == nil {
		t.Fatalf("expected untouched account to keep last_notified_at")
	}

	reset, err = repo.ResetAll(ctx)
	if err != nil || reset != 2 {
		t.Fatalf("expected ResetAll to touch 2 accounts, got %d (err=%v)", reset, err)
	}
	if coll.docFor(t, first.AccountID)["notified"] != false {
		t.Fatalf("expected notified cleared by ResetAll")
	}
}

func TestAccountRepositoryTelegramLinking(t *testing.T) {
	repo, coll := newTestAccountRepository(t)
	ctx := context.Background()

	first := createAccount(t, repo, "abcdefgh", true)
	coll.set(t, first.AccountID, bson.M{"telegram_username_key": "queue_fan"})
	second := createAccount(t, repo, "zzzzzzzz", true)
	coll.set(t, second.AccountID, bson.M{"telegram_username_key": "queue_fan", "telegram_chat_id": int64(111)})

	linked, err := repo.LinkTelegramChat(ctx, "@Queue_Fan", 222)
	if err != nil {
		t.Fatalf("LinkTelegramChat returned error: %v", err)
	}
	if linked != 1 {
		t.Fatalf("expected 1 linked account, got %d", linked)
	}
	assertIntField(t, coll.docFor(t, first.AccountID), "telegram_chat_id", 222)
	assertIntField(t, coll.docFor(t, second.AccountID), "telegram_chat_id", 111)

	chatID, ok, err := repo.ChatIDForTelegramUsername(ctx, "queue_fan")
	if err != nil || !ok {
		t.Fatalf("expected chat id lookup to succeed, got ok=%v err=%v", ok, err)
	}
	if chatID != 222 && chatID != 111 {
		t.Fatalf("unexpected chat id %d", chatID)
	}

	_, ok, err = repo.ChatIDForTelegramUsername(ctx, "nobody_here")
	if err != nil || ok {
		t.Fatalf("expected no chat id for unknown username, got ok=%v err=%v", ok, err)
	}

	if _, err := repo.LinkTelegramChat(ctx, "  ", 1); err == nil {
		t.Fatalf("expected error for empty telegram username")
	}
}

func TestAccountRepositorySetNotificationStatus(t *testing.T) {
	repo, _ := newTestAccountRepository(t)
	ctx := context.Background()

	account := createAccount(t, repo, "abcdefgh", true)
	updated, err := repo.SetNotificationStatus(ctx, account.AccountID, true)
	if err != nil {
		t.Fatalf("SetNotificationStatus returned error: %v", err)
	}
	if !updated.Notified || updated.LastNotifiedAt == nil {
		t.Fatalf("expected notified account with timestamp, got %+v", updated)
	}

	if _, err := repo.SetNotificationStatus(ctx, 404, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAccountRepositoryRequiresContext(t *testing.T) {
	repo, _ := newTestAccountRepository(t)

	if _, err := repo.FindEligibleForPattern(nil, "abcd..fgh", time.Now()); err == nil {
		t.Fatalf("expected error for nil context")
	}

	var nilRepo *AccountRepository
	if _, err := nilRepo.List(context.Background()); err == nil {
		t.Fatalf("expected error for nil repository")
	}
}

func TestAccountRepositoryWrapsStorageErrors(t *testing.T) {
	repo, coll := newTestAccountRepository(t)
	coll.err = errors.New("connection reset")

	_, err := repo.FindEligibleForPattern(context.Background(), "abcd..fgh", time.Now())
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
}

func newTestAccountRepository(t *testing.T) (*AccountRepository, *fakeAccountCollection) {
	t.Helper()
	coll := newFakeAccountCollection(t)
	return NewAccountRepository(coll, &fakeCounterCollection{}), coll
}

func createAccount(t *testing.T, repo *AccountRepository, username string, active bool) Account {
	t.Helper()

	pattern, err := CanonicalPattern(username)
	if err != nil {
		t.Fatalf("CanonicalPattern returned error: %v", err)
	}
	alternative, _ := AlternativePattern(username)

	account, err := repo.Create(context.Background(), Account{
		Username:           username,
		UsernamePattern:    pattern,
		AlternativePattern: alternative,
		Email:              username + "@example.com",
		IsActive:           active,
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	return account
}

func accountIDs(accounts []Account) []int64 {
	ids := make([]int64, 0, len(accounts))
	for _, account := range accounts {
		ids = append(ids, account.AccountID)
	}
	return ids
}

type fakeCounterCollection struct {
	seq int64
}

func (f *fakeCounterCollection) FindOneAndUpdate(ctx context.Context, filter interface{}, update interface{}, opts ...*options.FindOneAndUpdateOptions) *mongo.SingleResult {
	f.seq++
	return mongo.NewSingleResultFromDocument(bson.M{"_id": accountSequence, "seq": f.seq}, nil, nil)
}

// fakeAccountCollection evaluates the subset of query operators the
// repository uses against documents kept in insertion order.
type fakeAccountCollection struct {
	t    *testing.T
	docs []bson.M
	err  error
}

func newFakeAccountCollection(t *testing.T) *fakeAccountCollection {
	t.Helper()
	return &fakeAccountCollection{t: t}
}

func (f *fakeAccountCollection) InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	if f.err != nil {
		return nil, f.err
	}

	doc := marshalDoc(f.t, document)
	for _, existing := range f.docs {
		if existing["username_key"] == doc["username_key"] {
			return nil, mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "duplicate key"}}}
		}
	}

	f.docs = append(f.docs, doc)
	return &mongo.InsertOneResult{InsertedID: doc["account_id"]}, nil
}

func (f *fakeAccountCollection) FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult {
	if f.err != nil {
		return mongo.NewSingleResultFromDocument(bson.M{}, f.err, nil)
	}

	matched := f.match(filter)
	if len(matched) == 0 {
		return mongo.NewSingleResultFromDocument(bson.M{}, mongo.ErrNoDocuments, nil)
	}
	return mongo.NewSingleResultFromDocument(matched[len(matched)-1], nil, nil)
}

func (f *fakeAccountCollection) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error) {
	if f.err != nil {
		return nil, f.err
	}

	matched := f.match(filter)
	docs := make([]interface{}, 0, len(matched))
	for _, doc := range matched {
		docs = append(docs, doc)
	}
	return mongo.NewCursorFromDocuments(docs, nil, nil)
}

func (f *fakeAccountCollection) UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	if f.err != nil {
		return nil, f.err
	}

	matched := f.match(filter)
	if len(matched) == 0 {
		return &mongo.UpdateResult{}, nil
	}
	applySet(matched[0], update)
	return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (f *fakeAccountCollection) UpdateMany(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	if f.err != nil {
		return nil, f.err
	}

	matched := f.match(filter)
	for _, doc := range matched {
		applySet(doc, update)
	}
	n := int64(len(matched))
	return &mongo.UpdateResult{MatchedCount: n, ModifiedCount: n}, nil
}

func (f *fakeAccountCollection) CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return int64(len(f.match(filter))), nil
}

func (f *fakeAccountCollection) match(filter interface{}) []bson.M {
	filterDoc, ok := filter.(bson.M)
	if !ok {
		f.t.Fatalf("unexpected filter type %T", filter)
	}

	var matched []bson.M
	for _, doc := range f.docs {
		if matchesFilter(doc, filterDoc) {
			matched = append(matched, doc)
		}
	}
	return matched
}

func (f *fakeAccountCollection) set(t *testing.T, accountID int64, fields bson.M) {
	t.Helper()
	doc := f.docFor(t, accountID)
	for k, v := range fields {
		doc[k] = v
	}
}

func (f *fakeAccountCollection) docFor(t *testing.T, accountID int64) bson.M {
	t.Helper()
	for _, doc := range f.docs {
		if doc["account_id"] == accountID {
			return doc
		}
	}
	t.Fatalf("no document stored for account_id=%d", accountID)
	return nil
}

func applySet(doc bson.M, update interface{}) {
	set, _ := update.(bson.M)["$set"].(bson.M)
	for k, v := range set {
		doc[k] = v
	}
}

func matchesFilter(doc, filter bson.M) bool {
	for key, cond := range filter {
		switch key {
		case "$or":
			hit := false
			for _, sub := range cond.(bson.A) {
				if matchesFilter(doc, sub.(bson.M)) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
		case "$and":
			for _, sub := range cond.(bson.A) {
				if !matchesFilter(doc, sub.(bson.M)) {
					return false
				}
			}
		default:
			value := doc[key]
			ops, isOps := cond.(bson.M)
			if !isOps {
				if !sameValue(value, cond) {
					return false
				}
				continue
			}
			for op, arg := range ops {
				switch op {
				case "$ne":
					if sameValue(value, arg) {
						return false
					}
				case "$lte":
					got, ok := asTime(value)
					limit, _ := asTime(arg)
					if !ok || got.After(limit) {
						return false
					}
				case "$in":
					found := false
					list := reflect.ValueOf(arg)
					for i := 0; i < list.Len(); i++ {
						if sameValue(value, list.Index(i).Interface()) {
							found = true
							break
						}
					}
					if !found {
						return false
					}
				default:
					panic(fmt.Sprintf("unsupported operator %s", op))
				}
			}
		}
	}
	return true
}

func sameValue(got, want interface{}) bool {
	if want == nil {
		return got == nil
	}
	if wantTime, ok := asTime(want); ok {
		gotTime, ok := asTime(got)
		return ok && gotTime.Equal(wantTime)
	}
	return reflect.DeepEqual(got, want)
}

func asTime(value interface{}) (time.Time, bool) {
	switch v := value.(type) {
	case primitive.DateTime:
		return v.Time(), true
	case time.Time:
		return v, true
	default:
		return time.Time{}, false
	}
}

func marshalDoc(t *testing.T, document interface{}) bson.M {
	t.Helper()

	switch doc := document.(type) {
	case bson.M:
		return doc
	default:
		raw, err := bson.Marshal(doc)
		if err != nil {
			t.Fatalf("marshal error: %v", err)
		}

		var out bson.M
		if err := bson.Unmarshal(raw, &out); err != nil {
			t.Fatalf("unmarshal error: %v", err)
		}
		return out
	}
}

func assertStringField(t *testing.T, doc bson.M, field, expected string) {
	t.Helper()
	value, ok := doc[field]
	if !ok {
		t.Fatalf("expected %s field to be set", field)
	}
	if value != expected {
		t.Fatalf("expected %s=%s, got %v", field, expected, value)
	}
}

func assertIntField(t *testing.T, doc bson.M, field string, expected int64) {
	t.Helper()
	value, ok := doc[field]
	if !ok {
		t.Fatalf("expected %s field to be set", field)
	}

	intVal, ok := value.(int64)
	if !ok {
		t.Fatalf("expected %s to be int64, got %T", field, value)
	}

	if intVal != expected {
		t.Fatalf("expected %s=%d, got %d", field, expected, intVal)
	}
}

func assertTimeFieldSet(t *testing.T, doc bson.M, field string) {
	t.Helper()
	value, ok := doc[field]
	if !ok {
		t.Fatalf("expected %s field to be set", field)
	}

	parsed := parseTime(t, value)
	if parsed.IsZero() {
		t.Fatalf("expected %s to be non-zero", field)
	}
}

func parseTime(t *testing.T, value interface{}) time.Time {
	t.Helper()

	parsed, ok := asTime(value)
	if !ok {
		t.Fatalf("expected time value, got %T", value)
	}
	return parsed
}

// sortedByCapturedDesc orders snapshot documents the way the repository asks
// the driver to.
func sortedByCapturedDesc(docs []bson.M) []bson.M {
	out := make([]bson.M, len(docs))
	copy(out, docs)
	sort.SliceStable(out, func(i, j int) bool {
		ti, _ := asTime(out[i]["captured_at"])
		tj, _ := asTime(out[j]["captured_at"])
		return ti.After(tj)
	})
	return out
}
