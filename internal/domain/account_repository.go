package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const accountSequence = "accounts"

type accountCollection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	UpdateMany(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
}

type counterCollection interface {
	FindOneAndUpdate(ctx context.Context, filter interface{}, update interface{}, opts ...*options.FindOneAndUpdateOptions) *mongo.SingleResult
}

// AccountRepository is the user registry backed by MongoDB. Matching is done
// on lower-cased key fields so every comparison is case-insensitive.
type AccountRepository struct {
	accounts accountCollection
	counters counterCollection
}

// NewAccountRepository constructs an AccountRepository.
func NewAccountRepository(accounts accountCollection, counters counterCollection) *AccountRepository {
	return &AccountRepository{accounts: accounts, counters: counters}
}

// Create allocates the next account id, fills derived keys and timestamps, and
// inserts the account. A unique-index violation on username_key is reported as
// ErrDuplicateUsername.
func (r *AccountRepository) Create(ctx context.Context, account Account) (Account, error) {
	if err := r.ready(ctx); err != nil {
		return Account{}, err
	}
	if r.counters == nil {
		return Account{}, errors.New("account counter collection is not configured")
	}

	id, err := r.nextID(ctx)
	if err != nil {
		return Account{}, err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	account.AccountID = id
	account.UsernameKey = foldKey(account.Username)
	account.PatternKey = PatternKey(account.UsernamePattern)
	account.AlternativePatternKey = PatternKey(account.AlternativePattern)
	account.EmailKey = foldKey(account.Email)
	account.TelegramUsernameKey = foldKey(account.TelegramUsername)
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	if _, err := r.accounts.InsertOne(ctx, account); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return Account{}, ErrDuplicateUsername
		}
		return Account{}, storageError("insert account", err)
	}

	return account, nil
}

func (r *AccountRepository) nextID(ctx context.Context) (int64, error) {
	result := r.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": accountSequence},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	)
	if result == nil {
		return 0, storageError("allocate account id", errors.New("no result"))
	}

	var counter struct {
		Seq int64 `bson:"seq"`
	}
	if err := result.Decode(&counter); err != nil {
		return 0, storageError("allocate account id", err)
	}

	return counter.Seq, nil
}

// GetByID fetches one account.
func (r *AccountRepository) GetByID(ctx context.Context, accountID int64) (Account, error) {
	if err := r.ready(ctx); err != nil {
		return Account{}, err
	}
	if accountID <= 0 {
		return Account{}, errors.New("account_id is required")
	}

	return r.findOne(ctx, "find account", bson.M{"account_id": accountID})
}

// List returns every account, newest first.
func (r *AccountRepository) List(ctx context.Context) ([]Account, error) {
	if err := r.ready(ctx); err != nil {
		return nil, err
	}

	return r.find(ctx, "list accounts", bson.M{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
}

// FindByPattern returns active accounts whose canonical pattern matches,
// oldest first.
func (r *AccountRepository) FindByPattern(ctx context.Context, pattern string) ([]Account, error) {
	if err := r.ready(ctx); err != nil {
		return nil, err
	}

	return r.find(ctx, "find accounts by pattern",
		bson.M{"pattern_key": PatternKey(pattern), "is_active": true},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
}

// FindByEmail returns every account registered with the email, oldest first.
func (r *AccountRepository) FindByEmail(ctx context.Context, email string) ([]Account, error) {
	if err := r.ready(ctx); err != nil {
		return nil, err
	}

	return r.find(ctx, "find accounts by email",
		bson.M{"email_key": foldKey(email)},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
}

// FindByTelegramUsername returns the newest account using the Telegram username.
func (r *AccountRepository) FindByTelegramUsername(ctx context.Context, telegramUsername string) (Account, error) {
	if err := r.ready(ctx); err != nil {
		return Account{}, err
	}

	return r.findOne(ctx, "find account by telegram username",
		bson.M{"telegram_username_key": foldKey(NormalizeTelegramUsername(telegramUsername))},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	)
}

// UsernameExists checks the username across all accounts, ignoring case.
func (r *AccountRepository) UsernameExists(ctx context.Context, username string) (bool, error) {
	return r.exists(ctx, "check username", bson.M{"username_key": foldKey(username)})
}

// RegistrationExists checks the username+email pair, ignoring case.
func (r *AccountRepository) RegistrationExists(ctx context.Context, username, email string) (bool, error) {
	return r.exists(ctx, "check registration", bson.M{
		"username_key": foldKey(username),
		"email_key":    foldKey(email),
	})
}

// ChatIDForTelegramUsername returns the chat id another account already bound
// to the Telegram username, newest account first.
func (r *AccountRepository) ChatIDForTelegramUsername(ctx context.Context, telegramUsername string) (int64, bool, error) {
	if err := r.ready(ctx); err != nil {
		return 0, false, err
	}

	key := foldKey(NormalizeTelegramUsername(telegramUsername))
	if key == "" {
		return 0, false, nil
	}

	account, err := r.findOne(ctx, "find telegram chat",
		bson.M{"telegram_username_key": key, "telegram_chat_id": bson.M{"$ne": nil}},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if !account.HasTelegramChat() {
		return 0, false, nil
	}

	return *account.TelegramChatID, true, nil
}

// LinkTelegramChat binds chatID to every account with the Telegram username
// that has no chat id yet. It returns the number of accounts linked.
func (r *AccountRepository) LinkTelegramChat(ctx context.Context, telegramUsername string, chatID int64) (int64, error) {
	if err := r.ready(ctx); err != nil {
		return 0, err
	}
	if chatID == 0 {
		return 0, errors.New("chat_id is required")
	}
	key := foldKey(NormalizeTelegramUsername(telegramUsername))
	if key == "" {
		return 0, errors.New("telegram username is required")
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	result, err := r.accounts.UpdateMany(ctx,
		bson.M{
			"telegram_username_key": key,
			"telegram_chat_id":      nil,
		},
		bson.M{"$set": bson.M{"telegram_chat_id": chatID, "updated_at": now}},
	)
	if err != nil {
		return 0, storageError("link telegram chat", err)
	}

	return modifiedCount(result), nil
}

// FindEligibleForPattern returns active accounts matching pattern on either
// stored token whose last notification is unset or at/before cutoff.
func (r *AccountRepository) FindEligibleForPattern(ctx context.Context, pattern string, cutoff time.Time) ([]Account, error) {
	if err := r.ready(ctx); err != nil {
		return nil, err
	}

	key := PatternKey(pattern)
	filter := bson.M{
		"is_active": true,
		"$and": bson.A{
			bson.M{"$or": bson.A{
				bson.M{"pattern_key": key},
				bson.M{"alternative_pattern_key": key},
			}},
			cooldownElapsedFilter(cutoff),
		},
	}

	return r.find(ctx, "find eligible accounts", filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
}

// MarkNotified records a notification at the given time unconditionally.
func (r *AccountRepository) MarkNotified(ctx context.Context, accountID int64, at time.Time) error {
	if err := r.ready(ctx); err != nil {
		return err
	}

	at = at.UTC().Truncate(time.Millisecond)
	result, err := r.accounts.UpdateOne(ctx,
		bson.M{"account_id": accountID},
		bson.M{"$set": bson.M{"notified": true, "last_notified_at": at, "updated_at": at}},
	)
	if err != nil {
		return storageError("mark notified", err)
	}
	if matchedCount(result) == 0 {
		return ErrNotFound
	}

	return nil
}

// MarkNotifiedIfEligible claims the account for a notification. The update
// only applies while the account is active and past its cooldown, so two
// concurrent dispatches cannot both claim it.
func (r *AccountRepository) MarkNotifiedIfEligible(ctx context.Context, accountID int64, at, cutoff time.Time) (bool, error) {
	if err := r.ready(ctx); err != nil {
		return false, err
	}

	at = at.UTC().Truncate(time.Millisecond)
	filter := cooldownElapsedFilter(cutoff)
	filter["account_id"] = accountID
	filter["is_active"] = true
	result, err := r.accounts.UpdateOne(ctx, filter,
		bson.M{"$set": bson.M{"notified": true, "last_notified_at": at, "updated_at": at}},
	)
	if err != nil {
		return false, storageError("claim notification", err)
	}

	return matchedCount(result) > 0, nil
}

// ClearStaleNotifiedFlags clears notified on active accounts that match
// neither of their tokens against pattern. Running it twice is a no-op.
func (r *AccountRepository) ClearStaleNotifiedFlags(ctx context.Context, pattern string) (int64, error) {
	if err := r.ready(ctx); err != nil {
		return 0, err
	}

	key := PatternKey(pattern)
	result, err := r.accounts.UpdateMany(ctx,
		bson.M{
			"is_active":               true,
			"notified":                true,
			"pattern_key":             bson.M{"$ne": key},
			"alternative_pattern_key": bson.M{"$ne": key},
		},
		bson.M{"$set": bson.M{"notified": false, "updated_at": time.Now().UTC().Truncate(time.Millisecond)}},
	)
	if err != nil {
		return 0, storageError("clear stale notified flags", err)
	}

	return modifiedCount(result), nil
}

// SetNotificationStatus is the admin override of the notified flag. Setting
// it keeps the invariant that a notified account has a notification time.
func (r *AccountRepository) SetNotificationStatus(ctx context.Context, accountID int64, notified bool) (Account, error) {
	if err := r.ready(ctx); err != nil {
		return Account{}, err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	set := bson.M{"notified": notified, "updated_at": now}
	if notified {
		set["last_notified_at"] = now
	}

	result, err := r.accounts.UpdateOne(ctx, bson.M{"account_id": accountID}, bson.M{"$set": set})
	if err != nil {
		return Account{}, storageError("set notification status", err)
	}
	if matchedCount(result) == 0 {
		return Account{}, ErrNotFound
	}

	return r.GetByID(ctx, accountID)
}

// ResetAll clears notified and last_notified_at on every account.
func (r *AccountRepository) ResetAll(ctx context.Context) (int64, error) {
	return r.ResetCooldowns(ctx, nil)
}

// ResetCooldowns clears notified and last_notified_at for the given accounts,
// or for every account when ids is empty.
func (r *AccountRepository) ResetCooldowns(ctx context.Context, accountIDs []int64) (int64, error) {
	if err := r.ready(ctx); err != nil {
		return 0, err
	}

	filter := bson.M{}
	if len(accountIDs) > 0 {
		filter["account_id"] = bson.M{"$in": accountIDs}
	}

	result, err := r.accounts.UpdateMany(ctx, filter, bson.M{"$set": bson.M{
		"notified":         false,
		"last_notified_at": nil,
		"updated_at":       time.Now().UTC().Truncate(time.Millisecond),
	}})
	if err != nil {
		return 0, storageError("reset cooldowns", err)
	}

	return modifiedCount(result), nil
}

func (r *AccountRepository) ready(ctx context.Context) error {
	if r == nil || r.accounts == nil {
		return errors.New("account repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	return nil
}

func (r *AccountRepository) exists(ctx context.Context, op string, filter bson.M) (bool, error) {
	if err := r.ready(ctx); err != nil {
		return false, err
	}

	count, err := r.accounts.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, storageError(op, err)
	}

	return count > 0, nil
}

func (r *AccountRepository) findOne(ctx context.Context, op string, filter bson.M, opts ...*options.FindOneOptions) (Account, error) {
	result := r.accounts.FindOne(ctx, filter, opts...)
	if result == nil {
		return Account{}, storageError(op, errors.New("no result"))
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Account{}, ErrNotFound
		}
		return Account{}, storageError(op, err)
	}

	var account Account
	if err := result.Decode(&account); err != nil {
		return Account{}, storageError("decode account", err)
	}

	return account, nil
}

func (r *AccountRepository) find(ctx context.Context, op string, filter bson.M, opts ...*options.FindOptions) ([]Account, error) {
	cursor, err := r.accounts.Find(ctx, filter, opts...)
	if err != nil {
		return nil, storageError(op, err)
	}

	accounts := make([]Account, 0)
	if err := cursor.All(ctx, &accounts); err != nil {
		return nil, storageError("decode accounts", err)
	}

	return accounts, nil
}

func cooldownElapsedFilter(cutoff time.Time) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"last_notified_at": nil},
		bson.M{"last_notified_at": bson.M{"$lte": cutoff.UTC()}},
	}}
}

func storageError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

func modifiedCount(result *mongo.UpdateResult) int64 {
	if result == nil {
		return 0
	}
	return result.ModifiedCount
}

func matchedCount(result *mongo.UpdateResult) int64 {
	if result == nil {
		return 0
	}
	return result.MatchedCount
}
